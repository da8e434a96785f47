package tracking

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/banshee-data/trajectory.report/internal/anomaly"
	"github.com/banshee-data/trajectory.report/internal/geometry"
	"github.com/banshee-data/trajectory.report/internal/monitoring"
	"github.com/banshee-data/trajectory.report/internal/predict"
	"github.com/banshee-data/trajectory.report/internal/trajectory"
)

// Detection is one upstream box for a track identifier.
type Detection struct {
	TrackID int64                `json:"id"`
	Box     geometry.BoundingBox `json:"bbox"`
}

// CorrectedBox is the box accepted into a track's history this frame.
type CorrectedBox struct {
	Box    geometry.BoundingBox `json:"bbox"`
	Source trajectory.Source    `json:"source"`
}

// FrameResult is everything the pipeline decided for one frame.
type FrameResult struct {
	Frame       int64                           `json:"frame"`
	Detections  map[int64]geometry.BoundingBox  `json:"detections"`
	Corrected   map[int64]CorrectedBox          `json:"corrected"`
	Predictions map[int64]*geometry.BoundingBox `json:"predictions"` // nil = no prediction
	Verdicts    map[int64]anomaly.Verdict       `json:"verdicts"`
	Previous    map[int64]*geometry.BoundingBox `json:"previous"` // last accepted box before this frame
	Evicted     []int64                         `json:"evicted"`
	Created     []int64                         `json:"created"`
}

// Anomalies returns the ids whose detection was voted anomalous, ascending.
func (r *FrameResult) Anomalies() []int64 {
	var ids []int64
	for id, v := range r.Verdicts {
		if v.Anomalous {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	return ids
}

func newFrameResult(frame int64) *FrameResult {
	return &FrameResult{
		Frame:       frame,
		Detections:  make(map[int64]geometry.BoundingBox),
		Corrected:   make(map[int64]CorrectedBox),
		Predictions: make(map[int64]*geometry.BoundingBox),
		Verdicts:    make(map[int64]anomaly.Verdict),
		Previous:    make(map[int64]*geometry.BoundingBox),
	}
}

func (r *FrameResult) clone() *FrameResult {
	if r == nil {
		return nil
	}
	c := newFrameResult(r.Frame)
	for id, b := range r.Detections {
		c.Detections[id] = b
	}
	for id, b := range r.Corrected {
		c.Corrected[id] = b
	}
	for id, b := range r.Predictions {
		c.Predictions[id] = copyBox(b)
	}
	for id, v := range r.Verdicts {
		c.Verdicts[id] = v
	}
	for id, b := range r.Previous {
		c.Previous[id] = copyBox(b)
	}
	c.Evicted = append([]int64(nil), r.Evicted...)
	c.Created = append([]int64(nil), r.Created...)
	return c
}

// Tracker owns the trajectory store and runs the frame pipeline over it.
type Tracker struct {
	mu sync.Mutex

	config    Config
	store     *trajectory.Store
	predictor predict.Predictor
	voter     *anomaly.Voter

	last   *FrameResult
	frames int64
}

// NewTracker validates cfg and resolves the prediction strategy. An unknown
// strategy name returns an error wrapping predict.ErrUnknownStrategy.
func NewTracker(cfg Config) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p, err := predict.New(cfg.Predictor)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return NewTrackerWithPredictor(cfg, p)
}

// NewTrackerWithPredictor is NewTracker with a caller-supplied predictor;
// cfg.Predictor is ignored.
func NewTrackerWithPredictor(cfg Config, p predict.Predictor) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: nil predictor", ErrInvalidConfig)
	}
	return &Tracker{
		config:    cfg,
		store:     trajectory.NewStore(cfg.MaxHistoryLength),
		predictor: p,
		voter:     anomaly.NewVoter(cfg.Thresholds),
	}, nil
}

// Config returns the tracker configuration.
func (t *Tracker) Config() Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.config
}

// Update runs one frame: predict from the history before this frame, vote
// on every detection with a prediction, then correct and evict. When a
// detection id appears twice the last one wins.
func (t *Tracker) Update(frame int64, detections []Detection) *FrameResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	byID := indexDetections(detections)

	predictions := make(map[int64]*geometry.BoundingBox, t.store.Len())
	for _, id := range t.store.IDs() {
		if p, ok := t.predictor.Predict(t.store.Boxes(id)); ok {
			predictions[id] = &p
		} else {
			predictions[id] = nil
		}
	}

	verdicts := make(map[int64]anomaly.Verdict)
	for id, det := range byID {
		pred := predictions[id]
		if pred == nil {
			continue
		}
		cur := det
		verdicts[id] = t.voter.Vote(&cur, t.store.Last(id), pred)
	}

	res := t.correctLocked(frame, byID, predictions, verdicts)
	t.logFrame(res)
	return res.clone()
}

// Correct applies one frame's reconciliation using predictions and verdicts
// computed by the caller. A prediction for an id the store has never seen
// creates that track with the prediction as its first entry.
func (t *Tracker) Correct(frame int64, detections []Detection, predictions map[int64]*geometry.BoundingBox, verdicts map[int64]anomaly.Verdict) *FrameResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	res := t.correctLocked(frame, indexDetections(detections), predictions, verdicts)
	t.logFrame(res)
	return res.clone()
}

func (t *Tracker) correctLocked(frame int64, byID map[int64]geometry.BoundingBox, predictions map[int64]*geometry.BoundingBox, verdicts map[int64]anomaly.Verdict) *FrameResult {
	res := newFrameResult(frame)

	idSet := make(map[int64]struct{}, len(byID)+len(predictions))
	for _, id := range t.store.IDs() {
		idSet[id] = struct{}{}
	}
	for id := range byID {
		idSet[id] = struct{}{}
	}
	for id, p := range predictions {
		if p != nil {
			idSet[id] = struct{}{}
		}
	}
	ids := make([]int64, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}
	sortIDs(ids)

	for _, id := range ids {
		existed := t.store.Has(id)
		res.Previous[id] = t.store.Last(id)
		pred := copyBox(predictions[id])
		if _, ok := predictions[id]; ok || existed {
			res.Predictions[id] = pred
		}

		det, detected := byID[id]
		if !detected {
			if t.store.MarkMissed(id) > t.config.MaxMissedFrames {
				t.store.Evict(id)
				if existed {
					res.Evicted = append(res.Evicted, id)
				}
				continue
			}
			obs := trajectory.Observation{Frame: frame, Source: trajectory.SourceGap}
			if pred != nil {
				obs.Box = *pred
				obs.Source = trajectory.SourceBridged
				res.Corrected[id] = CorrectedBox{Box: *pred, Source: trajectory.SourceBridged}
			}
			t.store.Append(id, obs)
			if !existed {
				res.Created = append(res.Created, id)
			}
			continue
		}

		res.Detections[id] = det
		t.store.MarkSeen(id)

		accepted := CorrectedBox{Box: det, Source: trajectory.SourceDetected}
		if v, ok := verdicts[id]; ok && pred != nil {
			res.Verdicts[id] = v
			if v.Anomalous {
				accepted = CorrectedBox{Box: *pred, Source: trajectory.SourceSubstituted}
			}
		}
		if t.store.Append(id, trajectory.Observation{Frame: frame, Box: accepted.Box, Source: accepted.Source}) {
			res.Created = append(res.Created, id)
		}
		res.Corrected[id] = accepted
	}

	t.last = res
	t.frames++
	return res
}

// Snapshot returns deep copies of every track, ordered by id.
func (t *Tracker) Snapshot() []*trajectory.Track {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.store.Snapshot()
}

// History returns a copy of one track's history.
func (t *Tracker) History(id int64) ([]trajectory.Observation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.store.Get(id)
	if !ok {
		return nil, false
	}
	return append([]trajectory.Observation(nil), tr.History...), true
}

// LastResult returns a copy of the most recent frame result, or nil before
// the first frame.
func (t *Tracker) LastResult() *FrameResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last.clone()
}

// Frames returns how many frames have been processed.
func (t *Tracker) Frames() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames
}

// Reset drops every track and the last result.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.store.Reset()
	t.last = nil
	t.frames = 0
}

// logFrame reports every anomaly, and at verbose level the whole frame.
func (t *Tracker) logFrame(res *FrameResult) {
	for _, id := range res.Anomalies() {
		v := res.Verdicts[id]
		monitoring.Logf("[Tracker] frame %d track %d anomalous (%d/%d criteria): %s current=%s predicted=%s",
			res.Frame, id, v.Fired(), v.Evaluated(), v, res.Detections[id], boxString(res.Predictions[id]))
	}
	for _, id := range res.Evicted {
		monitoring.Logf("[Tracker] frame %d evicted track %d after %d missed frames", res.Frame, id, t.config.MaxMissedFrames+1)
	}

	if !monitoring.Verbose() {
		return
	}
	monitoring.Debugf("[Tracker] frame %d: %d detections, %d tracks, created=%v evicted=%v",
		res.Frame, len(res.Detections), t.store.Len(), res.Created, res.Evicted)
	for _, id := range t.store.IDs() {
		var sb strings.Builder
		boxes := t.store.Boxes(id)
		if len(boxes) > 3 {
			boxes = boxes[len(boxes)-3:]
		}
		for i, b := range boxes {
			if i > 0 {
				sb.WriteString(" ")
			}
			sb.WriteString(boxString(b))
		}
		c := res.Corrected[id]
		monitoring.Debugf("[Tracker]   track %d: accepted=%s (%s) predicted=%s recent=[%s]",
			id, c.Box, c.Source, boxString(res.Predictions[id]), sb.String())
	}
}

func indexDetections(detections []Detection) map[int64]geometry.BoundingBox {
	byID := make(map[int64]geometry.BoundingBox, len(detections))
	for _, d := range detections {
		byID[d.TrackID] = d.Box
	}
	return byID
}

func copyBox(b *geometry.BoundingBox) *geometry.BoundingBox {
	if b == nil {
		return nil
	}
	c := *b
	return &c
}

func boxString(b *geometry.BoundingBox) string {
	if b == nil {
		return "none"
	}
	return b.String()
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
