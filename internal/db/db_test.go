package db

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/trajectory.report/internal/anomaly"
	"github.com/banshee-data/trajectory.report/internal/geometry"
	"github.com/banshee-data/trajectory.report/internal/monitoring"
	"github.com/banshee-data/trajectory.report/internal/tracking"
	"github.com/banshee-data/trajectory.report/internal/trajectory"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	original := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(original) })

	db, err := NewDB(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleFrame(frame int64) *tracking.FrameResult {
	det := geometry.NewBoundingBox(400, 400, 405, 440)
	pred := geometry.NewBoundingBox(20, 20, 60, 60)
	return &tracking.FrameResult{
		Frame:      frame,
		Detections: map[int64]geometry.BoundingBox{1: det, 2: geometry.NewBoundingBox(0, 0, 10, 10)},
		Corrected: map[int64]tracking.CorrectedBox{
			1: {Box: pred, Source: trajectory.SourceSubstituted},
			2: {Box: geometry.NewBoundingBox(0, 0, 10, 10), Source: trajectory.SourceDetected},
			3: {Box: geometry.NewBoundingBox(5, 5, 9, 9), Source: trajectory.SourceBridged},
		},
		Predictions: map[int64]*geometry.BoundingBox{1: &pred},
		Verdicts: map[int64]anomaly.Verdict{
			1: {
				Anomalous: true,
				IoU:       anomaly.Criterion{Evaluated: true, Fired: true, Score: 0},
				Area:      anomaly.Criterion{Evaluated: true, Fired: true, Score: 0.125},
			},
		},
		Evicted: []int64{9},
	}
}

func TestNewDBAppliesMigrations(t *testing.T) {
	db := newTestDB(t)
	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	// Reopening an already-migrated file is a no-op.
	again, err := NewDB(db.Path())
	require.NoError(t, err)
	again.Close()
}

func TestMigrateDownAndUp(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.MigrateDown())
	version, _, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Zero(t, version)

	require.NoError(t, db.MigrateUp())
	version, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
}

func TestRunLifecycle(t *testing.T) {
	db := newTestDB(t)

	runID, err := db.StartRun("linear", map[string]int{"max_missed_frames": 10})
	require.NoError(t, err)
	_, err = uuid.Parse(runID)
	require.NoError(t, err)

	require.NoError(t, db.RecordFrame(runID, sampleFrame(0)))
	require.NoError(t, db.RecordFrame(runID, &tracking.FrameResult{Frame: 1}))
	require.NoError(t, db.FinishRun(runID))

	run, err := db.GetRun(runID)
	require.NoError(t, err)
	assert.Equal(t, "linear", run.Mode)
	assert.Equal(t, int64(2), run.Frames)
	assert.JSONEq(t, `{"max_missed_frames": 10}`, run.ConfigJSON)
	require.NotNil(t, run.FinishedAt)

	stats, err := db.RunSummary(runID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Tracks)
	assert.Equal(t, int64(1), stats.Anomalies)
	assert.Equal(t, int64(1), stats.Evictions)
	assert.Equal(t, map[string]int64{"substituted": 1, "detected": 1, "bridged": 1}, stats.BySource)

	anomalies, err := db.ListAnomalies(runID)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	a := anomalies[0]
	assert.Equal(t, int64(1), a.TrackID)
	assert.Equal(t, geometry.NewBoundingBox(400, 400, 405, 440), a.Current)
	assert.Equal(t, geometry.NewBoundingBox(20, 20, 60, 60), a.Predicted)
	assert.True(t, a.Verdict.Anomalous)
	assert.True(t, a.Verdict.IoU.Fired)
	assert.InDelta(t, 0.125, a.Verdict.Area.Score, 1e-12)
	assert.False(t, a.Verdict.Aspect.Evaluated, "unevaluated criterion stored as NULL")

	runs, err := db.ListRuns()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0].RunID)
}

func TestUnknownRun(t *testing.T) {
	db := newTestDB(t)
	assert.ErrorIs(t, db.RecordFrame("missing", &tracking.FrameResult{}), ErrRunNotFound)
	assert.ErrorIs(t, db.FinishRun("missing"), ErrRunNotFound)
	_, err := db.RunSummary("missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestRecordFrameRepeatedFrameIndex(t *testing.T) {
	db := newTestDB(t)
	runID, err := db.StartRun("linear", nil)
	require.NoError(t, err)
	require.NoError(t, db.RecordFrame(runID, sampleFrame(0)))
	require.NoError(t, db.RecordFrame(runID, sampleFrame(0)))

	run, err := db.GetRun(runID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), run.Frames)

	anomalies, err := db.ListAnomalies(runID)
	require.NoError(t, err)
	require.Len(t, anomalies, 2)
	assert.Equal(t, []int64{0, 1}, []int64{anomalies[0].Seq, anomalies[1].Seq})
	assert.Equal(t, []int64{0, 0}, []int64{anomalies[0].Frame, anomalies[1].Frame})

	stats, err := db.RunSummary(runID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Evictions)
	assert.Equal(t, int64(2), stats.BySource[string(trajectory.SourceDetected)])
}

func TestAttachAdminRoutes(t *testing.T) {
	db := newTestDB(t)
	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	req := httptest.NewRequest(http.MethodGet, "/debug/", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tailsql")

	req = httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/gzip", w.Header().Get("Content-Type"))
	assert.NotZero(t, w.Body.Len())
}
