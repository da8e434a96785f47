package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/trajectory.report/internal/anomaly"
	"github.com/banshee-data/trajectory.report/internal/geometry"
	"github.com/banshee-data/trajectory.report/internal/monitoring"
	"github.com/banshee-data/trajectory.report/internal/tracking"
)

// ErrRunNotFound is returned for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// Run is one row of trajectory_runs.
type Run struct {
	RunID      string     `json:"run_id"`
	Mode       string     `json:"mode"`
	ConfigJSON string     `json:"config_json"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Frames     int64      `json:"frames"`
}

// AnomalyRecord is one stored anomaly.
type AnomalyRecord struct {
	Seq       int64                `json:"seq"` // position of the frame within the run
	Frame     int64                `json:"frame"`
	TrackID   int64                `json:"track_id"`
	Current   geometry.BoundingBox `json:"current"`
	Predicted geometry.BoundingBox `json:"predicted"`
	Verdict   anomaly.Verdict      `json:"verdict"`
}

// RunStats aggregates one run.
type RunStats struct {
	Run       Run              `json:"run"`
	Tracks    int64            `json:"tracks"`
	BySource  map[string]int64 `json:"by_source"`
	Anomalies int64            `json:"anomalies"`
	Evictions int64            `json:"evictions"`
}

// StartRun inserts a new run and returns its id. cfg is stored as JSON.
func (db *DB) StartRun(mode string, cfg interface{}) (string, error) {
	configJSON := []byte("{}")
	if cfg != nil {
		var err error
		if configJSON, err = json.Marshal(cfg); err != nil {
			return "", fmt.Errorf("marshal run config: %w", err)
		}
	}
	runID := uuid.NewString()
	_, err := db.Exec(
		`INSERT INTO trajectory_runs (run_id, mode, config_json, started_at) VALUES (?, ?, ?, ?)`,
		runID, mode, string(configJSON), time.Now().UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	monitoring.Logf("[RunDB] started run %s (mode=%s)", runID, mode)
	return runID, nil
}

// RecordFrame stores one frame's corrected boxes, anomalies and evictions
// in a single transaction. Rows are keyed by the run's frame count, so a
// repeated res.Frame is stored as a separate frame.
func (db *DB) RecordFrame(runID string, res *tracking.FrameResult) (err error) {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin frame %d: %w", res.Frame, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var seq int64
	if err = tx.QueryRow(`SELECT frames FROM trajectory_runs WHERE run_id = ?`, runID).Scan(&seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = fmt.Errorf("%w: %s", ErrRunNotFound, runID)
			return err
		}
		return fmt.Errorf("load run frames: %w", err)
	}

	obsStmt, err := tx.Prepare(`INSERT INTO trajectory_observations
		(run_id, seq, frame, track_id, x1, y1, x2, y2, source) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare observations: %w", err)
	}
	defer obsStmt.Close()
	for _, id := range sortedKeys(res.Corrected) {
		c := res.Corrected[id]
		if _, err = obsStmt.Exec(runID, seq, res.Frame, id, c.Box.X1, c.Box.Y1, c.Box.X2, c.Box.Y2, string(c.Source)); err != nil {
			return fmt.Errorf("insert observation %d/%d: %w", res.Frame, id, err)
		}
	}

	for _, id := range res.Anomalies() {
		v := res.Verdicts[id]
		cur := res.Detections[id]
		pred := res.Predictions[id]
		if pred == nil {
			continue
		}
		_, err = tx.Exec(`INSERT INTO trajectory_anomalies (
				run_id, seq, frame, track_id,
				cur_x1, cur_y1, cur_x2, cur_y2,
				pred_x1, pred_y1, pred_x2, pred_y2,
				iou_score, iou_fired, area_score, area_fired, aspect_score, aspect_fired
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, seq, res.Frame, id,
			cur.X1, cur.Y1, cur.X2, cur.Y2,
			pred.X1, pred.Y1, pred.X2, pred.Y2,
			score(v.IoU), v.IoU.Fired, score(v.Area), v.Area.Fired, score(v.Aspect), v.Aspect.Fired,
		)
		if err != nil {
			return fmt.Errorf("insert anomaly %d/%d: %w", res.Frame, id, err)
		}
	}

	for _, id := range res.Evicted {
		if _, err = tx.Exec(`INSERT INTO trajectory_evictions (run_id, seq, frame, track_id) VALUES (?, ?, ?, ?)`,
			runID, seq, res.Frame, id); err != nil {
			return fmt.Errorf("insert eviction %d/%d: %w", res.Frame, id, err)
		}
	}

	if _, err = tx.Exec(`UPDATE trajectory_runs SET frames = ? WHERE run_id = ?`, seq+1, runID); err != nil {
		return fmt.Errorf("update run frames: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit frame %d: %w", res.Frame, err)
	}
	return nil
}

// FinishRun stamps the run's finish time.
func (db *DB) FinishRun(runID string) error {
	result, err := db.Exec(`UPDATE trajectory_runs SET finished_at = ? WHERE run_id = ?`, time.Now().UnixNano(), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	monitoring.Logf("[RunDB] finished run %s", runID)
	return nil
}

// GetRun loads one run.
func (db *DB) GetRun(runID string) (Run, error) {
	row := db.QueryRow(`SELECT run_id, mode, config_json, started_at, finished_at, frames
		FROM trajectory_runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, err
}

// ListRuns returns every run, newest first.
func (db *DB) ListRuns() ([]Run, error) {
	rows, err := db.Query(`SELECT run_id, mode, config_json, started_at, finished_at, frames
		FROM trajectory_runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s rowScanner) (Run, error) {
	var (
		r        Run
		started  int64
		finished sql.NullInt64
	)
	if err := s.Scan(&r.RunID, &r.Mode, &r.ConfigJSON, &started, &finished, &r.Frames); err != nil {
		return Run{}, err
	}
	r.StartedAt = time.Unix(0, started)
	if finished.Valid {
		t := time.Unix(0, finished.Int64)
		r.FinishedAt = &t
	}
	return r, nil
}

// ListAnomalies returns a run's anomalies in recording order, then by track.
func (db *DB) ListAnomalies(runID string) ([]AnomalyRecord, error) {
	rows, err := db.Query(`SELECT seq, frame, track_id,
			cur_x1, cur_y1, cur_x2, cur_y2,
			pred_x1, pred_y1, pred_x2, pred_y2,
			iou_score, iou_fired, area_score, area_fired, aspect_score, aspect_fired
		FROM trajectory_anomalies WHERE run_id = ? ORDER BY seq, track_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list anomalies: %w", err)
	}
	defer rows.Close()

	var out []AnomalyRecord
	for rows.Next() {
		var (
			a                    AnomalyRecord
			iouS, areaS, aspectS sql.NullFloat64
			iouF, areaF, aspectF bool
		)
		if err := rows.Scan(&a.Seq, &a.Frame, &a.TrackID,
			&a.Current.X1, &a.Current.Y1, &a.Current.X2, &a.Current.Y2,
			&a.Predicted.X1, &a.Predicted.Y1, &a.Predicted.X2, &a.Predicted.Y2,
			&iouS, &iouF, &areaS, &areaF, &aspectS, &aspectF); err != nil {
			return nil, fmt.Errorf("scan anomaly: %w", err)
		}
		a.Verdict = anomaly.Verdict{
			Anomalous: true,
			IoU:       criterion(iouS, iouF),
			Area:      criterion(areaS, areaF),
			Aspect:    criterion(aspectS, aspectF),
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RunSummary aggregates counts for one run.
func (db *DB) RunSummary(runID string) (RunStats, error) {
	run, err := db.GetRun(runID)
	if err != nil {
		return RunStats{}, err
	}
	stats := RunStats{Run: run, BySource: make(map[string]int64)}

	if err := db.QueryRow(`SELECT COUNT(DISTINCT track_id) FROM trajectory_observations WHERE run_id = ?`, runID).
		Scan(&stats.Tracks); err != nil {
		return RunStats{}, fmt.Errorf("count tracks: %w", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM trajectory_anomalies WHERE run_id = ?`, runID).
		Scan(&stats.Anomalies); err != nil {
		return RunStats{}, fmt.Errorf("count anomalies: %w", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM trajectory_evictions WHERE run_id = ?`, runID).
		Scan(&stats.Evictions); err != nil {
		return RunStats{}, fmt.Errorf("count evictions: %w", err)
	}

	rows, err := db.Query(`SELECT source, COUNT(*) FROM trajectory_observations WHERE run_id = ? GROUP BY source`, runID)
	if err != nil {
		return RunStats{}, fmt.Errorf("count sources: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var src string
		var n int64
		if err := rows.Scan(&src, &n); err != nil {
			return RunStats{}, fmt.Errorf("scan source count: %w", err)
		}
		stats.BySource[src] = n
	}
	return stats, rows.Err()
}

func score(c anomaly.Criterion) interface{} {
	if !c.Evaluated {
		return nil
	}
	return c.Score
}

func criterion(s sql.NullFloat64, fired bool) anomaly.Criterion {
	if !s.Valid {
		return anomaly.Criterion{}
	}
	return anomaly.Criterion{Evaluated: true, Fired: fired, Score: s.Float64}
}

func sortedKeys(m map[int64]tracking.CorrectedBox) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
