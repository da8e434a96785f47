package trajectory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/trajectory.report/internal/geometry"
)

func obs(frame int64, x1, y1, x2, y2 float64) Observation {
	return Observation{Frame: frame, Box: geometry.NewBoundingBox(x1, y1, x2, y2), Source: SourceDetected}
}

func TestAppendCreatesTrack(t *testing.T) {
	s := NewStore(0)
	assert.Equal(t, 0, s.Len())

	created := s.Append(7, obs(1, 0, 0, 10, 10))
	assert.True(t, created)
	assert.True(t, s.Has(7))

	created = s.Append(7, obs(2, 1, 1, 11, 11))
	assert.False(t, created)

	tr, ok := s.Get(7)
	require.True(t, ok)
	assert.Equal(t, 2, tr.Len())
	assert.Equal(t, int64(2), tr.History[1].Frame)
	assert.Equal(t, &geometry.BoundingBox{X1: 1, Y1: 1, X2: 11, Y2: 11}, s.Last(7))
}

func TestGapsAreAbsentBoxes(t *testing.T) {
	s := NewStore(0)
	s.Append(1, obs(1, 0, 0, 10, 10))
	s.Append(1, Observation{Frame: 2, Source: SourceGap})

	boxes := s.Boxes(1)
	require.Len(t, boxes, 2)
	assert.NotNil(t, boxes[0])
	assert.Nil(t, boxes[1])
	assert.Nil(t, s.Last(1), "history ending in a gap has no last box")
}

func TestUnknownIDs(t *testing.T) {
	s := NewStore(0)
	assert.Nil(t, s.Boxes(99))
	assert.Nil(t, s.Last(99))
	assert.False(t, s.Evict(99))
	s.MarkSeen(99)
	assert.False(t, s.Has(99))
}

func TestMissedCounter(t *testing.T) {
	s := NewStore(0)
	s.Append(1, obs(1, 0, 0, 10, 10))
	assert.Equal(t, 1, s.MarkMissed(1))
	assert.Equal(t, 2, s.MarkMissed(1))
	s.MarkSeen(1)
	tr, _ := s.Get(1)
	assert.Zero(t, tr.Missed)
}

func TestEvictDiscardsEverything(t *testing.T) {
	s := NewStore(0)
	s.Append(1, obs(1, 0, 0, 10, 10))
	s.MarkMissed(1)

	require.True(t, s.Evict(1))
	assert.False(t, s.Has(1))

	// Same id comes back as a brand-new track.
	assert.True(t, s.Append(1, obs(5, 50, 50, 60, 60)))
	tr, _ := s.Get(1)
	assert.Equal(t, 1, tr.Len())
	assert.Zero(t, tr.Missed)
}

func TestMaxHistoryKeepsNewest(t *testing.T) {
	s := NewStore(3)
	for i := int64(0); i < 5; i++ {
		s.Append(1, obs(i, float64(i), 0, float64(i)+1, 1))
	}
	tr, _ := s.Get(1)
	require.Equal(t, 3, tr.Len())
	assert.Equal(t, int64(2), tr.History[0].Frame)
	assert.Equal(t, int64(4), tr.History[2].Frame)
}

func TestMaxHistoryBoundsBackingArray(t *testing.T) {
	const limit = 5
	s := NewStore(limit)
	for f := int64(0); f < 1000; f++ {
		s.Append(1, obs(f, float64(f), 0, float64(f)+1, 1))
		tr, _ := s.Get(1)
		require.LessOrEqual(t, tr.Len(), limit)
		require.LessOrEqual(t, cap(tr.History), 4*limit, "frame %d", f)
	}
	tr, _ := s.Get(1)
	var frames []int64
	for _, o := range tr.History {
		frames = append(frames, o.Frame)
	}
	assert.Equal(t, []int64{995, 996, 997, 998, 999}, frames)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := NewStore(0)
	s.Append(2, obs(1, 0, 0, 10, 10))
	s.Append(1, obs(1, 5, 5, 15, 15))

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, int64(1), snap[0].ID)
	assert.Equal(t, int64(2), snap[1].ID)

	snap[0].History[0].Box.X1 = 999
	snap[0].History = append(snap[0].History, obs(2, 0, 0, 1, 1))

	tr, _ := s.Get(1)
	assert.Equal(t, 1, tr.Len())
	assert.Equal(t, 5.0, tr.History[0].Box.X1)
}

func TestIDsSorted(t *testing.T) {
	s := NewStore(0)
	for _, id := range []int64{5, 3, 9, 1} {
		s.Append(id, obs(0, 0, 0, 1, 1))
	}
	assert.Equal(t, []int64{1, 3, 5, 9}, s.IDs())
	s.Reset()
	assert.Empty(t, s.IDs())
}
