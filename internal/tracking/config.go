package tracking

import (
	"errors"
	"fmt"

	"github.com/banshee-data/trajectory.report/internal/anomaly"
	"github.com/banshee-data/trajectory.report/internal/config"
	"github.com/banshee-data/trajectory.report/internal/predict"
)

// ErrInvalidConfig wraps every Config validation failure.
var ErrInvalidConfig = errors.New("invalid tracker config")

// Config holds the tracker parameters.
type Config struct {
	MaxMissedFrames  int // Consecutive misses tolerated before eviction
	MaxHistoryLength int // Per-track history cap; 0 keeps everything
	Thresholds       anomaly.Thresholds
	Predictor        predict.Config
}

// DefaultConfig returns tracker configuration loaded from the canonical
// tuning defaults file (config/tuning.defaults.json).
// Panics if the file cannot be found; intended for tests and binaries.
func DefaultConfig() Config {
	cfg, err := ConfigFromTuning(config.MustLoadDefaultConfig())
	if err != nil {
		panic(err)
	}
	return cfg
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) (Config, error) {
	pc, err := cfg.PredictorConfig()
	if err != nil {
		return Config{}, err
	}
	return Config{
		MaxMissedFrames:  cfg.GetMaxMissedFrames(),
		MaxHistoryLength: cfg.GetMaxHistoryLength(),
		Thresholds: anomaly.Thresholds{
			IoU:    cfg.GetIoUThreshold(),
			Area:   cfg.GetAreaThreshold(),
			Aspect: cfg.GetAspectThreshold(),
		},
		Predictor: pc,
	}, nil
}

// Validate reports configuration errors wrapped in ErrInvalidConfig.
func (c Config) Validate() error {
	if c.MaxMissedFrames < 0 {
		return fmt.Errorf("%w: max_missed_frames must be non-negative, got %d", ErrInvalidConfig, c.MaxMissedFrames)
	}
	if c.MaxHistoryLength < 0 {
		return fmt.Errorf("%w: max_history_length must be non-negative, got %d", ErrInvalidConfig, c.MaxHistoryLength)
	}
	if err := c.Thresholds.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
