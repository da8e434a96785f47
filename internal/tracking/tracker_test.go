package tracking

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/trajectory.report/internal/anomaly"
	"github.com/banshee-data/trajectory.report/internal/geometry"
	"github.com/banshee-data/trajectory.report/internal/monitoring"
	"github.com/banshee-data/trajectory.report/internal/predict"
	"github.com/banshee-data/trajectory.report/internal/trajectory"
)

func testConfig(maxMissed int) Config {
	return Config{
		MaxMissedFrames: maxMissed,
		Thresholds:      anomaly.DefaultThresholds(),
		Predictor:       predict.Config{Kind: predict.KindLinear, Window: 3},
	}
}

func newTestTracker(t *testing.T, maxMissed int) *Tracker {
	t.Helper()
	tr, err := NewTracker(testConfig(maxMissed))
	require.NoError(t, err)
	return tr
}

func bb(x1, y1, x2, y2 float64) geometry.BoundingBox {
	return geometry.NewBoundingBox(x1, y1, x2, y2)
}

func det(id int64, x1, y1, x2, y2 float64) Detection {
	return Detection{TrackID: id, Box: bb(x1, y1, x2, y2)}
}

// historyBoxes flattens a snapshot into id -> boxes, nil for gaps.
func historyBoxes(tracks []*trajectory.Track) map[int64][]*geometry.BoundingBox {
	out := make(map[int64][]*geometry.BoundingBox, len(tracks))
	for _, tr := range tracks {
		out[tr.ID] = tr.Boxes()
	}
	return out
}

func silenceLogs(t *testing.T) *[]string {
	t.Helper()
	original := monitoring.Logf
	t.Cleanup(func() { monitoring.SetLogger(original) })
	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	return &lines
}

func TestCorrectRoundTrip(t *testing.T) {
	silenceLogs(t)
	tr := newTestTracker(t, 10)

	tr.Update(0, []Detection{det(1, 5, 5, 45, 45), det(2, 15, 15, 55, 55)})

	res := tr.Correct(1,
		[]Detection{det(1, 10, 10, 50, 50), det(2, 20, 20, 60, 60)},
		map[int64]*geometry.BoundingBox{
			1: bb(11, 11, 51, 51).Ptr(),
			2: bb(21, 21, 61, 61).Ptr(),
			3: bb(30, 30, 70, 70).Ptr(),
		},
		map[int64]anomaly.Verdict{
			1: {Anomalous: true},
			2: {Anomalous: false},
		},
	)

	want := map[int64][]*geometry.BoundingBox{
		1: {bb(5, 5, 45, 45).Ptr(), bb(11, 11, 51, 51).Ptr()},
		2: {bb(15, 15, 55, 55).Ptr(), bb(20, 20, 60, 60).Ptr()},
		3: {bb(30, 30, 70, 70).Ptr()},
	}
	if diff := cmp.Diff(want, historyBoxes(tr.Snapshot())); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, trajectory.SourceSubstituted, res.Corrected[1].Source)
	assert.Equal(t, trajectory.SourceDetected, res.Corrected[2].Source)
	assert.Equal(t, trajectory.SourceBridged, res.Corrected[3].Source)
	assert.Equal(t, []int64{3}, res.Created)
}

func TestUpdateCreatesTracks(t *testing.T) {
	silenceLogs(t)
	tr := newTestTracker(t, 10)

	res := tr.Update(0, []Detection{det(4, 0, 0, 10, 10), det(2, 5, 5, 15, 15)})
	assert.Equal(t, []int64{2, 4}, res.Created)
	assert.Empty(t, res.Verdicts, "no prediction means no vote")
	assert.Equal(t, trajectory.SourceDetected, res.Corrected[4].Source)

	res = tr.Update(1, []Detection{det(4, 1, 1, 11, 11), det(2, 6, 6, 16, 16)})
	assert.Empty(t, res.Created)
	assert.Len(t, tr.Snapshot(), 2)
}

func TestUpdateAcceptsConsistentDetection(t *testing.T) {
	silenceLogs(t)
	tr := newTestTracker(t, 10)
	for i, x := range []float64{5, 10, 15} {
		tr.Update(int64(i), []Detection{det(1, x, x, x+40, x+40)})
	}

	res := tr.Update(3, []Detection{det(1, 20, 20, 60, 60)})
	require.NotNil(t, res.Predictions[1])
	assert.Equal(t, bb(20, 20, 60, 60), *res.Predictions[1])

	v, ok := res.Verdicts[1]
	require.True(t, ok)
	assert.False(t, v.Anomalous)
	assert.Equal(t, 3, v.Evaluated())
	assert.Equal(t, CorrectedBox{Box: bb(20, 20, 60, 60), Source: trajectory.SourceDetected}, res.Corrected[1])
}

func TestUpdateSubstitutesAnomalousDetection(t *testing.T) {
	lines := silenceLogs(t)
	tr := newTestTracker(t, 10)
	for i, x := range []float64{5, 10, 15} {
		tr.Update(int64(i), []Detection{det(1, x, x, x+40, x+40)})
	}

	// Far away, thin and small: all three criteria fire.
	res := tr.Update(3, []Detection{det(1, 400, 400, 405, 440)})
	v := res.Verdicts[1]
	assert.True(t, v.Anomalous)
	assert.Equal(t, 3, v.Fired())
	assert.Equal(t, CorrectedBox{Box: bb(20, 20, 60, 60), Source: trajectory.SourceSubstituted}, res.Corrected[1])
	assert.Equal(t, []int64{1}, res.Anomalies())

	hist, ok := tr.History(1)
	require.True(t, ok)
	assert.Equal(t, bb(20, 20, 60, 60), hist[len(hist)-1].Box)

	require.NotEmpty(t, *lines)
	assert.Contains(t, (*lines)[0], "[Tracker] frame 3 track 1 anomalous")
}

func TestUpdateBridgesMissingDetection(t *testing.T) {
	silenceLogs(t)
	tr := newTestTracker(t, 10)
	for i, x := range []float64{5, 10, 15} {
		tr.Update(int64(i), []Detection{det(1, x, x, x+40, x+40)})
	}

	res := tr.Update(3, nil)
	assert.Equal(t, CorrectedBox{Box: bb(20, 20, 60, 60), Source: trajectory.SourceBridged}, res.Corrected[1])

	snap := tr.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 1, snap[0].Missed)
	assert.Equal(t, 4, snap[0].Len())

	// Bridged entries feed the next prediction.
	res = tr.Update(4, nil)
	require.NotNil(t, res.Predictions[1])
	assert.Equal(t, bb(25, 25, 65, 65), *res.Predictions[1])
}

func TestUpdateRecordsGapWithoutPrediction(t *testing.T) {
	silenceLogs(t)
	tr := newTestTracker(t, 10)
	tr.Update(0, []Detection{det(1, 0, 0, 10, 10)})

	res := tr.Update(1, nil)
	_, corrected := res.Corrected[1]
	assert.False(t, corrected)
	assert.Contains(t, res.Predictions, int64(1))
	assert.Nil(t, res.Predictions[1])

	hist, ok := tr.History(1)
	require.True(t, ok)
	require.Len(t, hist, 2)
	assert.Equal(t, trajectory.SourceGap, hist[1].Source)

	// A detection after a gap has no previous box to compare shape with.
	tr.Update(2, []Detection{det(1, 1, 1, 11, 11)})
	snap := tr.Snapshot()
	assert.Zero(t, snap[0].Missed)
}

func TestEvictionAfterMaxMissedFrames(t *testing.T) {
	silenceLogs(t)
	const maxMissed = 2
	tr := newTestTracker(t, maxMissed)
	tr.Update(0, []Detection{det(1, 0, 0, 10, 10)})

	for f := int64(1); f <= maxMissed; f++ {
		res := tr.Update(f, nil)
		assert.Empty(t, res.Evicted, "frame %d", f)
	}
	res := tr.Update(maxMissed+1, nil)
	assert.Equal(t, []int64{1}, res.Evicted)
	assert.Empty(t, tr.Snapshot())
	_, ok := tr.History(1)
	assert.False(t, ok)

	res = tr.Update(maxMissed+2, []Detection{det(1, 50, 50, 60, 60)})
	assert.Equal(t, []int64{1}, res.Created)
	hist, ok := tr.History(1)
	require.True(t, ok)
	require.Len(t, hist, 1)
	assert.Equal(t, bb(50, 50, 60, 60), hist[0].Box)
}

func TestZeroMissBudgetEvictsImmediately(t *testing.T) {
	silenceLogs(t)
	tr := newTestTracker(t, 0)
	tr.Update(0, []Detection{det(1, 0, 0, 10, 10)})
	res := tr.Update(1, nil)
	assert.Equal(t, []int64{1}, res.Evicted)
}

func TestDetectionResetsMissedCounter(t *testing.T) {
	silenceLogs(t)
	tr := newTestTracker(t, 1)
	tr.Update(0, []Detection{det(1, 0, 0, 10, 10)})
	tr.Update(1, nil)
	tr.Update(2, []Detection{det(1, 0, 0, 10, 10)})
	res := tr.Update(3, nil)
	assert.Empty(t, res.Evicted)
	assert.Len(t, tr.Snapshot(), 1)
}

func TestDuplicateDetectionLastWins(t *testing.T) {
	silenceLogs(t)
	tr := newTestTracker(t, 10)
	res := tr.Update(0, []Detection{det(1, 0, 0, 10, 10), det(1, 5, 5, 15, 15)})
	assert.Equal(t, bb(5, 5, 15, 15), res.Corrected[1].Box)
	hist, _ := tr.History(1)
	assert.Len(t, hist, 1)
}

func TestMaxHistoryLength(t *testing.T) {
	silenceLogs(t)
	cfg := testConfig(10)
	cfg.MaxHistoryLength = 4
	tr, err := NewTracker(cfg)
	require.NoError(t, err)
	for f := int64(0); f < 10; f++ {
		x := float64(f)
		tr.Update(f, []Detection{det(1, x, x, x+10, x+10)})
	}
	hist, _ := tr.History(1)
	require.Len(t, hist, 4)
	assert.Equal(t, int64(6), hist[0].Frame)
}

func TestSnapshotAndLastResultAreCopies(t *testing.T) {
	silenceLogs(t)
	tr := newTestTracker(t, 10)
	assert.Nil(t, tr.LastResult())

	tr.Update(0, []Detection{det(1, 0, 0, 10, 10)})
	snap := tr.Snapshot()
	snap[0].History[0].Box.X1 = 99

	last := tr.LastResult()
	require.NotNil(t, last)
	last.Corrected[1] = CorrectedBox{}
	last.Created[0] = 42

	hist, _ := tr.History(1)
	assert.Equal(t, 0.0, hist[0].Box.X1)
	assert.Equal(t, []int64{1}, tr.LastResult().Created)
	assert.Equal(t, int64(1), tr.Frames())

	tr.Reset()
	assert.Empty(t, tr.Snapshot())
	assert.Nil(t, tr.LastResult())
}

func TestNewTrackerErrors(t *testing.T) {
	cfg := testConfig(10)
	cfg.Predictor.Kind = "cubic"
	_, err := NewTracker(cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, predict.ErrUnknownStrategy))
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	cfg = testConfig(-1)
	_, err = NewTracker(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = testConfig(10)
	cfg.Thresholds.IoU = 2
	_, err = NewTracker(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewTrackerWithPredictor(testConfig(10), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 10, cfg.MaxMissedFrames)
	assert.Equal(t, predict.KindLinear, cfg.Predictor.Kind)
	assert.Equal(t, anomaly.DefaultThresholds(), cfg.Thresholds)
	_, err := NewTracker(cfg)
	assert.NoError(t, err)
}

func TestVerboseFrameLogging(t *testing.T) {
	lines := silenceLogs(t)
	monitoring.SetVerbose(true)
	t.Cleanup(func() { monitoring.SetVerbose(false) })

	tr := newTestTracker(t, 10)
	tr.Update(0, []Detection{det(1, 0, 0, 10, 10)})
	require.Len(t, *lines, 2)
	assert.Contains(t, (*lines)[0], "[Tracker] frame 0: 1 detections, 1 tracks")
	assert.Contains(t, (*lines)[1], "track 1: accepted=")
}
