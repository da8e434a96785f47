// Command trajectory reads per-frame detections as JSON lines, maintains
// per-track trajectories, flags anomalous detections and writes the
// corrected frames back out.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/banshee-data/trajectory.report/internal/config"
	"github.com/banshee-data/trajectory.report/internal/db"
	"github.com/banshee-data/trajectory.report/internal/ingest"
	"github.com/banshee-data/trajectory.report/internal/metrics"
	"github.com/banshee-data/trajectory.report/internal/monitor"
	"github.com/banshee-data/trajectory.report/internal/monitoring"
	"github.com/banshee-data/trajectory.report/internal/tracking"
	"github.com/banshee-data/trajectory.report/internal/version"
	"github.com/banshee-data/trajectory.report/internal/visualiser"
)

type options struct {
	configPath  string
	input       string
	output      string
	format      string
	mode        string
	dbPath      string
	statsDir    string
	targets     []int64
	grpcListen  string
	listen      string
	verbose     bool
	showVersion bool
}

func parseFlags(args []string) (*options, error) {
	fs := flag.NewFlagSet("trajectory", flag.ContinueOnError)
	o := &options{}
	var targets string
	fs.StringVar(&o.configPath, "config", "", "Path to tuning config JSON (defaults built in)")
	fs.StringVar(&o.input, "input", "-", "Detections JSON-lines file, - for stdin")
	fs.StringVar(&o.output, "output", "-", "Corrected frames output file, - for stdout, empty to disable")
	fs.StringVar(&o.format, "format", ingest.FormatXYXY, "Default box format: xyxy or xywh")
	fs.StringVar(&o.mode, "mode", "", "Prediction mode override: linear, quadratic, weighted_quadratic or kalman")
	fs.StringVar(&o.dbPath, "db", "", "SQLite run database (disabled if empty)")
	fs.StringVar(&o.statsDir, "stats-dir", "", "Directory for metric histograms and statistics (disabled if empty)")
	fs.StringVar(&targets, "targets", "", "Comma-separated track ids to collect metrics for (default all)")
	fs.StringVar(&o.grpcListen, "grpc-listen", "", "gRPC frame stream listen address (disabled if empty)")
	fs.StringVar(&o.listen, "listen", "", "HTTP monitor listen address (disabled if empty)")
	fs.BoolVar(&o.verbose, "verbose", false, "Log per-frame diagnostics")
	fs.BoolVar(&o.showVersion, "version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	ids, err := parseTargets(targets)
	if err != nil {
		return nil, err
	}
	o.targets = ids
	return o, nil
}

func parseTargets(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid target track id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// loadTuning reads the config file, applies the -mode override and
// validates the result.
func loadTuning(o *options) (*config.TuningConfig, error) {
	cfg := config.DefaultTuningConfig()
	if o.configPath != "" {
		var err error
		if cfg, err = config.LoadTuningConfig(o.configPath); err != nil {
			return nil, err
		}
	}
	if o.mode != "" {
		mode := o.mode
		cfg.PredictionMode = &mode
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func main() {
	o, err := parseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatalf("trajectory: %v", err)
	}
	if o.showVersion {
		fmt.Println(version.String())
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, o, os.Stdin, os.Stdout); err != nil {
		log.Fatalf("trajectory: %v", err)
	}
}

type readResult struct {
	frame   ingest.Frame
	skipped int64
	err     error
}

// readFrames reads from r on its own goroutine so a blocked read never
// delays cancellation. The channel yields frames until the first error
// (io.EOF included) and closes when ctx is done.
func readFrames(ctx context.Context, r *ingest.Reader) <-chan readResult {
	out := make(chan readResult)
	go func() {
		defer close(out)
		for {
			f, err := r.Next()
			select {
			case out <- readResult{frame: f, skipped: r.Skipped(), err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}

// run wires the pipeline and processes frames until the input ends or ctx
// is cancelled. Configuration errors return before any frame is read.
func run(ctx context.Context, o *options, stdin io.Reader, stdout io.Writer) (err error) {
	monitoring.SetVerbose(o.verbose)

	tuning, err := loadTuning(o)
	if err != nil {
		return err
	}
	trackerCfg, err := tracking.ConfigFromTuning(tuning)
	if err != nil {
		return err
	}
	tracker, err := tracking.NewTracker(trackerCfg)
	if err != nil {
		return err
	}

	in := stdin
	if o.input != "-" {
		f, err := os.Open(o.input)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		in = f
	}
	reader := ingest.NewReader(in)
	if err := reader.SetDefaultFormat(o.format); err != nil {
		return err
	}
	skip := ingest.SkipInterval(tuning.GetSourceFPS(), tuning.GetTargetFPS())
	reader.SetSkipInterval(skip)

	var writer *ingest.Writer
	switch o.output {
	case "":
	case "-":
		writer = ingest.NewWriter(stdout)
	default:
		f, err := os.Create(o.output)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		writer = ingest.NewWriter(f)
	}

	var (
		runDB *db.DB
		runID string
	)
	if o.dbPath != "" {
		if runDB, err = db.NewDB(o.dbPath); err != nil {
			return fmt.Errorf("open run database: %w", err)
		}
		defer runDB.Close()
		if runID, err = runDB.StartRun(tuning.GetPredictionMode(), tuning); err != nil {
			return err
		}
		defer func() {
			if ferr := runDB.FinishRun(runID); ferr != nil && err == nil {
				err = ferr
			}
		}()
	}

	collector := metrics.NewCollector(o.targets...)

	var publisher *visualiser.Publisher
	if o.grpcListen != "" {
		cfg := visualiser.DefaultConfig()
		cfg.ListenAddr = o.grpcListen
		publisher = visualiser.NewPublisher(cfg)
		if err := publisher.Start(); err != nil {
			return fmt.Errorf("start frame stream: %w", err)
		}
		defer publisher.Stop()
	}

	var wg sync.WaitGroup
	if o.listen != "" {
		ws, err := monitor.NewWebServer(monitor.WebServerConfig{
			Address:   o.listen,
			Tracker:   tracker,
			Collector: collector,
			DB:        runDB,
			RunID:     runID,
			Publisher: publisher,
		})
		if err != nil {
			return err
		}
		monCtx, cancel := context.WithCancel(ctx)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ws.Start(monCtx); err != nil {
				monitoring.Logf("[Monitor] %v", err)
			}
		}()
		defer wg.Wait()
		defer cancel()
	}

	monitoring.Logf("[Main] mode=%s skip=%d max_missed=%d", tuning.GetPredictionMode(), skip, trackerCfg.MaxMissedFrames)

	var (
		anomalies, frames int
		skipped           int64
	)
	input := readFrames(ctx, reader)
loop:
	for {
		var (
			next readResult
			ok   bool
		)
		// A pending cancellation wins over a frame that is already waiting.
		if ctx.Err() == nil {
			select {
			case <-ctx.Done():
			case next, ok = <-input:
			}
		}
		if !ok {
			if ctx.Err() != nil {
				monitoring.Logf("[Main] interrupted, stopping after %d frames", frames)
			}
			break loop
		}
		skipped = next.skipped
		if errors.Is(next.err, io.EOF) {
			break
		}
		if next.err != nil {
			return next.err
		}
		frame := next.frame

		res := tracker.Update(frame.Index, frame.Detections)
		frames++
		anomalies += len(res.Anomalies())
		collector.RecordFrame(res)

		if writer != nil {
			if err := writer.Write(res); err != nil {
				return fmt.Errorf("write frame %d: %w", res.Frame, err)
			}
		}
		if runDB != nil {
			if err := runDB.RecordFrame(runID, res); err != nil {
				return err
			}
		}
		if publisher != nil {
			publisher.Publish(res)
		}
	}

	if writer != nil {
		if err := writer.Flush(); err != nil {
			return fmt.Errorf("flush output: %w", err)
		}
	}

	if o.statsDir != "" {
		if err := os.MkdirAll(o.statsDir, 0o755); err != nil {
			return fmt.Errorf("create stats dir: %w", err)
		}
		written, err := metrics.ExportAll(collector, o.statsDir)
		if err != nil {
			return fmt.Errorf("export metrics: %w", err)
		}
		monitoring.Logf("[Main] wrote %d metric files to %s", len(written), o.statsDir)
	}

	monitoring.Logf("[Main] processed %d frames (%d skipped), %d anomalies, %d active tracks",
		frames, skipped, anomalies, len(tracker.Snapshot()))
	return nil
}
