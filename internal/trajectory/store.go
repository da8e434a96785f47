// Package trajectory owns per-track history: the ordered boxes accepted for
// each track identifier and the consecutive missed-frame counter.
//
// The Store is the only mutable state in the tracking pipeline. It is not
// safe for concurrent use; tracking.Tracker serialises access to it.
package trajectory

import (
	"sort"

	"github.com/banshee-data/trajectory.report/internal/geometry"
)

// Source records how an observation entered a track's history.
type Source string

const (
	SourceDetected    Source = "detected"    // Raw detection accepted as-is
	SourceSubstituted Source = "substituted" // Prediction replaced an anomalous detection
	SourceBridged     Source = "bridged"     // Prediction stood in for a missing detection
	SourceGap         Source = "gap"         // Nothing observed and nothing predicted
)

// Observation is one history entry. Gap entries carry no box.
type Observation struct {
	Frame  int64                `json:"frame"`
	Box    geometry.BoundingBox `json:"box"`
	Source Source               `json:"source"`
}

// Present reports whether the observation holds a box.
func (o Observation) Present() bool { return o.Source != SourceGap }

// Track is the state kept for one externally assigned identifier.
type Track struct {
	ID      int64         `json:"id"`
	History []Observation `json:"history"`
	Missed  int           `json:"missed"` // Consecutive frames without a detection
}

// Len returns the number of history entries, gaps included.
func (t *Track) Len() int { return len(t.History) }

// Last returns the most recent box, or nil if the history is empty or ends
// in a gap.
func (t *Track) Last() *geometry.BoundingBox {
	if len(t.History) == 0 {
		return nil
	}
	o := t.History[len(t.History)-1]
	if !o.Present() {
		return nil
	}
	b := o.Box
	return &b
}

// Boxes returns the history as optional boxes, nil marking gaps.
func (t *Track) Boxes() []*geometry.BoundingBox {
	out := make([]*geometry.BoundingBox, len(t.History))
	for i, o := range t.History {
		if o.Present() {
			b := o.Box
			out[i] = &b
		}
	}
	return out
}

func (t *Track) clone() *Track {
	c := *t
	c.History = append([]Observation(nil), t.History...)
	return &c
}

// Store maps track identifiers to their Track.
type Store struct {
	tracks     map[int64]*Track
	maxHistory int // 0 keeps everything
}

// NewStore creates an empty store. maxHistory > 0 caps each history to the
// most recent maxHistory entries.
func NewStore(maxHistory int) *Store {
	if maxHistory < 0 {
		maxHistory = 0
	}
	return &Store{
		tracks:     make(map[int64]*Track),
		maxHistory: maxHistory,
	}
}

// Get returns the live track for id. Callers outside the tracking pipeline
// should use Snapshot instead.
func (s *Store) Get(id int64) (*Track, bool) {
	t, ok := s.tracks[id]
	return t, ok
}

// Has reports whether id is tracked.
func (s *Store) Has(id int64) bool {
	_, ok := s.tracks[id]
	return ok
}

// Len returns the number of tracks.
func (s *Store) Len() int { return len(s.tracks) }

// IDs returns all track identifiers in ascending order.
func (s *Store) IDs() []int64 {
	ids := make([]int64, 0, len(s.tracks))
	for id := range s.tracks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Append adds an observation to id's history, creating the track when it is
// new. It returns true when the track was created by this call.
func (s *Store) Append(id int64, obs Observation) (created bool) {
	t, ok := s.tracks[id]
	if !ok {
		t = &Track{ID: id}
		s.tracks[id] = t
		created = true
	}
	t.History = append(t.History, obs)
	if s.maxHistory > 0 && len(t.History) > s.maxHistory {
		// Reslice from the front; append copies only the kept tail when it
		// next grows the backing array.
		t.History = t.History[len(t.History)-s.maxHistory:]
	}
	return created
}

// Boxes returns id's history as optional boxes, or nil for unknown ids.
func (s *Store) Boxes(id int64) []*geometry.BoundingBox {
	t, ok := s.tracks[id]
	if !ok {
		return nil
	}
	return t.Boxes()
}

// Last returns the most recent box for id, or nil.
func (s *Store) Last(id int64) *geometry.BoundingBox {
	t, ok := s.tracks[id]
	if !ok {
		return nil
	}
	return t.Last()
}

// MarkSeen resets the missed-frame counter.
func (s *Store) MarkSeen(id int64) {
	if t, ok := s.tracks[id]; ok {
		t.Missed = 0
	}
}

// MarkMissed increments the missed-frame counter and returns the new value.
// Unknown ids are created with an empty history first.
func (s *Store) MarkMissed(id int64) int {
	t, ok := s.tracks[id]
	if !ok {
		t = &Track{ID: id}
		s.tracks[id] = t
	}
	t.Missed++
	return t.Missed
}

// Evict removes all state for id. It reports whether the track existed.
func (s *Store) Evict(id int64) bool {
	if _, ok := s.tracks[id]; !ok {
		return false
	}
	delete(s.tracks, id)
	return true
}

// Reset drops every track.
func (s *Store) Reset() {
	s.tracks = make(map[int64]*Track)
}

// Snapshot returns deep copies of all tracks ordered by id.
func (s *Store) Snapshot() []*Track {
	out := make([]*Track, 0, len(s.tracks))
	for _, id := range s.IDs() {
		out = append(out, s.tracks[id].clone())
	}
	return out
}
