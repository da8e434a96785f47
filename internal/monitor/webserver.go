// Package monitor serves a small HTTP interface over a running tracker:
// JSON views of the track store and the last frame, metric histograms and
// the run database's debug pages.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/trajectory.report/internal/db"
	"github.com/banshee-data/trajectory.report/internal/metrics"
	"github.com/banshee-data/trajectory.report/internal/monitoring"
	"github.com/banshee-data/trajectory.report/internal/tracking"
	"github.com/banshee-data/trajectory.report/internal/visualiser"
)

// WebServerConfig contains configuration options for the web server.
// Tracker is required; the rest are optional and their routes report 404
// when unset.
type WebServerConfig struct {
	Address   string
	Tracker   *tracking.Tracker
	Collector *metrics.Collector
	DB        *db.DB
	RunID     string
	Publisher *visualiser.Publisher
}

// WebServer handles the HTTP monitor.
type WebServer struct {
	address   string
	tracker   *tracking.Tracker
	collector *metrics.Collector
	db        *db.DB
	runID     string
	publisher *visualiser.Publisher
	mux       *http.ServeMux
	server    *http.Server
}

// NewWebServer builds the route table. It fails only if the database admin
// routes cannot be mounted.
func NewWebServer(config WebServerConfig) (*WebServer, error) {
	if config.Tracker == nil {
		return nil, errors.New("monitor: tracker is required")
	}
	ws := &WebServer{
		address:   config.Address,
		tracker:   config.Tracker,
		collector: config.Collector,
		db:        config.DB,
		runID:     config.RunID,
		publisher: config.Publisher,
	}
	mux, err := ws.setupRoutes()
	if err != nil {
		return nil, err
	}
	ws.mux = mux
	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ws, nil
}

// Handler returns the route table.
func (ws *WebServer) Handler() http.Handler { return ws.mux }

// Start serves until ctx is cancelled, then shuts down.
func (ws *WebServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		monitoring.Logf("[Monitor] starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("monitor server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	monitoring.Logf("[Monitor] shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("[Monitor] HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			monitoring.Logf("[Monitor] HTTP server force close error: %v", err)
		}
	}
	return nil
}

// Close stops the server immediately.
func (ws *WebServer) Close() error {
	return ws.server.Close()
}

func (ws *WebServer) setupRoutes() (*http.ServeMux, error) {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/api/tracks", ws.handleTracks)
	mux.HandleFunc("/api/tracks/{id}", ws.handleTrack)
	mux.HandleFunc("/api/frame", ws.handleFrame)
	mux.HandleFunc("/api/publisher", ws.handlePublisher)
	mux.HandleFunc("/api/run", ws.handleRun)
	mux.HandleFunc("/charts/metrics", ws.handleMetricsChart)

	if ws.db != nil {
		if err := ws.db.AttachAdminRoutes(mux); err != nil {
			return nil, fmt.Errorf("attach admin routes: %w", err)
		}
	}
	return mux, nil
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"service":   "trajectory",
		"frames":    ws.tracker.Frames(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleTracks returns every track with its full history.
func (ws *WebServer) handleTracks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, ws.tracker.Snapshot())
}

func (ws *WebServer) handleTrack(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid track id %q", r.PathValue("id")))
		return
	}
	history, ok := ws.tracker.History(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("track %d not found", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      id,
		"history": history,
	})
}

func (ws *WebServer) handleFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	res := ws.tracker.LastResult()
	if res == nil {
		writeJSONError(w, http.StatusNotFound, "no frame processed yet")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"result":    res,
		"anomalies": res.Anomalies(),
	})
}

func (ws *WebServer) handlePublisher(w http.ResponseWriter, r *http.Request) {
	if ws.publisher == nil {
		writeJSONError(w, http.StatusNotFound, "frame streaming disabled")
		return
	}
	writeJSON(w, http.StatusOK, ws.publisher.Stats())
}

// handleRun returns the current run record and its aggregate counts.
func (ws *WebServer) handleRun(w http.ResponseWriter, r *http.Request) {
	if ws.db == nil || ws.runID == "" {
		writeJSONError(w, http.StatusNotFound, "no run database configured")
		return
	}
	run, err := ws.db.GetRun(ws.runID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get run: %v", err))
		return
	}
	stats, err := ws.db.RunSummary(ws.runID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("run summary: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run":     run,
		"summary": stats,
	})
}
