package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/banshee-data/trajectory.report/internal/db"
	"github.com/banshee-data/trajectory.report/internal/monitoring"
	"github.com/banshee-data/trajectory.report/internal/predict"
)

func init() {
	monitoring.SetLogger(nil)
}

// Track 1 moves 5px per frame and jumps away on frame 5; track 2 appears
// once and then goes missing.
const fixture = `{"frame": 0, "detections": [{"id": 1, "bbox": [5, 5, 45, 45]}, {"id": 2, "bbox": [200, 200, 220, 240]}]}
{"frame": 1, "detections": [{"id": 1, "bbox": [10, 10, 50, 50]}]}
{"frame": 2, "detections": [{"id": 1, "bbox": [15, 15, 55, 55]}]}
{"frame": 3, "detections": [{"id": 1, "bbox": [20, 20, 60, 60]}]}
{"frame": 4, "detections": [{"id": 1, "bbox": [25, 25, 65, 65]}]}
{"frame": 5, "detections": [{"id": 1, "bbox": [400, 400, 410, 500]}]}
`

func TestParseFlagsDefaults(t *testing.T) {
	o, err := parseFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, "-", o.input)
	assert.Equal(t, "-", o.output)
	assert.Equal(t, "xyxy", o.format)
	assert.Empty(t, o.mode)
	assert.Empty(t, o.targets)
	assert.False(t, o.verbose)
}

func TestParseFlags(t *testing.T) {
	o, err := parseFlags([]string{"-mode", "kalman", "-targets", "3, 7", "-verbose", "-db", "runs.db"})
	require.NoError(t, err)
	assert.Equal(t, "kalman", o.mode)
	assert.Equal(t, []int64{3, 7}, o.targets)
	assert.True(t, o.verbose)
	assert.Equal(t, "runs.db", o.dbPath)

	_, err = parseFlags([]string{"-targets", "x"})
	require.Error(t, err)
	_, err = parseFlags([]string{"-no-such-flag"})
	require.Error(t, err)
}

func TestRunUnknownModeFailsBeforeReading(t *testing.T) {
	o, err := parseFlags([]string{"-mode", "cubic"})
	require.NoError(t, err)

	var out bytes.Buffer
	err = run(context.Background(), o, strings.NewReader(fixture), &out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, predict.ErrUnknownStrategy), "got %v", err)
	assert.Zero(t, out.Len())
}

func TestRunInvalidConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"iou_threshold": 2}`), 0o644))
	o, err := parseFlags([]string{"-config", path})
	require.NoError(t, err)
	require.Error(t, run(context.Background(), o, strings.NewReader(fixture), &bytes.Buffer{}))
}

func TestRunPipeline(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "runs.db")
	statsDir := filepath.Join(dir, "stats")
	o, err := parseFlags([]string{"-db", dbPath, "-stats-dir", statsDir})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), o, strings.NewReader(fixture), &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 6)

	// Track 2 has a single box and no prediction, so frame 1 records a gap
	// and emits nothing for it.
	frame1 := gjson.Parse(lines[1])
	assert.Equal(t, int64(1), frame1.Get("tracks.#").Int())
	assert.False(t, frame1.Get(`tracks.#(id==2)`).Exists())

	// The jump on frame 5 is replaced by the linear prediction.
	frame5 := gjson.Parse(lines[5])
	assert.Equal(t, "substituted", frame5.Get(`tracks.#(id==1).source`).String())
	assert.True(t, frame5.Get(`tracks.#(id==1).anomalous`).Bool())
	assert.Equal(t, 30.0, frame5.Get(`tracks.#(id==1).bbox.0`).Float())

	d, err := db.NewDB(dbPath)
	require.NoError(t, err)
	defer d.Close()
	runs, err := d.ListRuns()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "linear", runs[0].Mode)
	assert.Equal(t, int64(6), runs[0].Frames)
	assert.NotNil(t, runs[0].FinishedAt)

	anomalies, err := d.ListAnomalies(runs[0].RunID)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, int64(5), anomalies[0].Frame)

	assert.FileExists(t, filepath.Join(statsDir, "iou_1.png"))
	assert.FileExists(t, filepath.Join(statsDir, "area_1_stats.json"))
}

func TestRunFileInputOutput(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.jsonl")
	outPath := filepath.Join(dir, "out.jsonl")
	require.NoError(t, os.WriteFile(in, []byte(fixture), 0o644))

	o, err := parseFlags([]string{"-input", in, "-output", outPath, "-mode", "quadratic"})
	require.NoError(t, err)
	require.NoError(t, run(context.Background(), o, nil, nil))

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 6)
}

func TestRunCancelledContext(t *testing.T) {
	o, err := parseFlags(nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	require.NoError(t, run(ctx, o, strings.NewReader(fixture), &out))
	assert.Zero(t, out.Len())
}

func TestRunStopsWhileInputIdle(t *testing.T) {
	pr, pw := io.Pipe()
	t.Cleanup(func() { pw.Close() })

	o, err := parseFlags([]string{"-output", ""})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- run(ctx, o, pr, io.Discard) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel while stdin was idle")
	}
}

func TestRunRepeatedFrameIndex(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "runs.db")
	o, err := parseFlags([]string{"-db", dbPath})
	require.NoError(t, err)

	input := `{"frame": 0, "detections": [{"id": 1, "bbox": [0, 0, 10, 10]}]}
{"frame": 0, "detections": [{"id": 1, "bbox": [1, 1, 11, 11]}]}
`
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), o, strings.NewReader(input), &out))
	assert.Len(t, strings.Split(strings.TrimSpace(out.String()), "\n"), 2)

	d, err := db.NewDB(dbPath)
	require.NoError(t, err)
	defer d.Close()
	runs, err := d.ListRuns()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, int64(2), runs[0].Frames)
}
