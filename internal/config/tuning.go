package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/banshee-data/trajectory.report/internal/predict"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig is the root configuration for the trajectory pipeline.
// Every field is optional; the Get* methods supply defaults for nil fields,
// so partial files are safe.
type TuningConfig struct {
	// Prediction
	PredictionMode         *string  `json:"prediction_mode,omitempty"`
	LinearWindow           *int     `json:"linear_window,omitempty"`
	QuadraticWindow        *int     `json:"quadratic_window,omitempty"`
	WeightedWindow         *int     `json:"weighted_window,omitempty"`
	KalmanWindow           *int     `json:"kalman_window,omitempty"`
	KalmanProcessNoise     *float64 `json:"kalman_process_noise,omitempty"`
	KalmanMeasurementNoise *float64 `json:"kalman_measurement_noise,omitempty"`

	// Anomaly voting (similarity floors in [0,1])
	IoUThreshold    *float64 `json:"iou_threshold,omitempty"`
	AreaThreshold   *float64 `json:"area_threshold,omitempty"`
	AspectThreshold *float64 `json:"aspect_threshold,omitempty"`

	// Track lifecycle
	MaxMissedFrames  *int `json:"max_missed_frames,omitempty"`
	MaxHistoryLength *int `json:"max_history_length,omitempty"` // 0 = unbounded

	// Input frame rate handling
	SourceFPS *float64 `json:"source_fps,omitempty"`
	TargetFPS *float64 `json:"target_fps,omitempty"`
}

// Default values used when a field is unset.
const (
	DefaultPredictionMode   = string(predict.KindLinear)
	DefaultIoUThreshold     = 0.5
	DefaultAreaThreshold    = 0.8
	DefaultAspectThreshold  = 0.8
	DefaultMaxMissedFrames  = 10
	DefaultMaxHistoryLength = 0
	DefaultSourceFPS        = 30.0
	DefaultTargetFPS        = 30.0
)

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every field populated with
// its default.
func DefaultTuningConfig() *TuningConfig {
	return &TuningConfig{
		PredictionMode:         ptrString(DefaultPredictionMode),
		LinearWindow:           ptrInt(predict.DefaultLinearWindow),
		QuadraticWindow:        ptrInt(predict.DefaultQuadraticWindow),
		WeightedWindow:         ptrInt(predict.DefaultWeightedWindow),
		KalmanWindow:           ptrInt(predict.DefaultKalmanWindow),
		KalmanProcessNoise:     ptrFloat64(predict.DefaultKalmanProcessNoise),
		KalmanMeasurementNoise: ptrFloat64(predict.DefaultKalmanMeasurementNoise),
		IoUThreshold:           ptrFloat64(DefaultIoUThreshold),
		AreaThreshold:          ptrFloat64(DefaultAreaThreshold),
		AspectThreshold:        ptrFloat64(DefaultAspectThreshold),
		MaxMissedFrames:        ptrInt(DefaultMaxMissedFrames),
		MaxHistoryLength:       ptrInt(DefaultMaxHistoryLength),
		SourceFPS:              ptrFloat64(DefaultSourceFPS),
		TargetFPS:              ptrFloat64(DefaultTargetFPS),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches the current directory and its parents.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid. An unknown
// prediction_mode wraps predict.ErrUnknownStrategy.
func (c *TuningConfig) Validate() error {
	if c.PredictionMode != nil {
		if _, err := predict.ParseKind(*c.PredictionMode); err != nil {
			return fmt.Errorf("prediction_mode: %w", err)
		}
	}

	windows := []struct {
		name string
		v    *int
		min  int
	}{
		{"linear_window", c.LinearWindow, 2},
		{"quadratic_window", c.QuadraticWindow, 3},
		{"weighted_window", c.WeightedWindow, 3},
		{"kalman_window", c.KalmanWindow, 2},
	}
	for _, w := range windows {
		if w.v != nil && *w.v < w.min {
			return fmt.Errorf("%s must be >= %d, got %d", w.name, w.min, *w.v)
		}
	}

	thresholds := []struct {
		name string
		v    *float64
	}{
		{"iou_threshold", c.IoUThreshold},
		{"area_threshold", c.AreaThreshold},
		{"aspect_threshold", c.AspectThreshold},
	}
	for _, th := range thresholds {
		if th.v != nil && (*th.v < 0 || *th.v > 1) {
			return fmt.Errorf("%s must be between 0 and 1, got %f", th.name, *th.v)
		}
	}

	if c.KalmanProcessNoise != nil && *c.KalmanProcessNoise < 0 {
		return fmt.Errorf("kalman_process_noise must be non-negative, got %f", *c.KalmanProcessNoise)
	}
	if c.KalmanMeasurementNoise != nil && *c.KalmanMeasurementNoise < 0 {
		return fmt.Errorf("kalman_measurement_noise must be non-negative, got %f", *c.KalmanMeasurementNoise)
	}

	if c.MaxMissedFrames != nil && *c.MaxMissedFrames < 0 {
		return fmt.Errorf("max_missed_frames must be non-negative, got %d", *c.MaxMissedFrames)
	}
	if c.MaxHistoryLength != nil && *c.MaxHistoryLength < 0 {
		return fmt.Errorf("max_history_length must be non-negative, got %d", *c.MaxHistoryLength)
	}

	if c.SourceFPS != nil && *c.SourceFPS <= 0 {
		return fmt.Errorf("source_fps must be positive, got %f", *c.SourceFPS)
	}
	if c.TargetFPS != nil && *c.TargetFPS <= 0 {
		return fmt.Errorf("target_fps must be positive, got %f", *c.TargetFPS)
	}

	return nil
}

// GetPredictionMode returns the prediction_mode value or the default.
func (c *TuningConfig) GetPredictionMode() string {
	if c.PredictionMode == nil || *c.PredictionMode == "" {
		return DefaultPredictionMode
	}
	return *c.PredictionMode
}

// GetWindow returns the window size configured for kind, or the strategy
// default.
func (c *TuningConfig) GetWindow(kind predict.Kind) int {
	var v *int
	def := 0
	switch kind {
	case predict.KindLinear:
		v, def = c.LinearWindow, predict.DefaultLinearWindow
	case predict.KindQuadratic:
		v, def = c.QuadraticWindow, predict.DefaultQuadraticWindow
	case predict.KindWeightedQuadratic:
		v, def = c.WeightedWindow, predict.DefaultWeightedWindow
	case predict.KindKalman:
		v, def = c.KalmanWindow, predict.DefaultKalmanWindow
	}
	if v == nil {
		return def
	}
	return *v
}

// GetKalmanProcessNoise returns the kalman_process_noise value or the default.
func (c *TuningConfig) GetKalmanProcessNoise() float64 {
	if c.KalmanProcessNoise == nil {
		return predict.DefaultKalmanProcessNoise
	}
	return *c.KalmanProcessNoise
}

// GetKalmanMeasurementNoise returns the kalman_measurement_noise value or the default.
func (c *TuningConfig) GetKalmanMeasurementNoise() float64 {
	if c.KalmanMeasurementNoise == nil {
		return predict.DefaultKalmanMeasurementNoise
	}
	return *c.KalmanMeasurementNoise
}

// GetIoUThreshold returns the iou_threshold value or the default.
func (c *TuningConfig) GetIoUThreshold() float64 {
	if c.IoUThreshold == nil {
		return DefaultIoUThreshold
	}
	return *c.IoUThreshold
}

// GetAreaThreshold returns the area_threshold value or the default.
func (c *TuningConfig) GetAreaThreshold() float64 {
	if c.AreaThreshold == nil {
		return DefaultAreaThreshold
	}
	return *c.AreaThreshold
}

// GetAspectThreshold returns the aspect_threshold value or the default.
func (c *TuningConfig) GetAspectThreshold() float64 {
	if c.AspectThreshold == nil {
		return DefaultAspectThreshold
	}
	return *c.AspectThreshold
}

// GetMaxMissedFrames returns the max_missed_frames value or the default.
func (c *TuningConfig) GetMaxMissedFrames() int {
	if c.MaxMissedFrames == nil {
		return DefaultMaxMissedFrames
	}
	return *c.MaxMissedFrames
}

// GetMaxHistoryLength returns the max_history_length value or the default.
func (c *TuningConfig) GetMaxHistoryLength() int {
	if c.MaxHistoryLength == nil {
		return DefaultMaxHistoryLength
	}
	return *c.MaxHistoryLength
}

// GetSourceFPS returns the source_fps value or the default.
func (c *TuningConfig) GetSourceFPS() float64 {
	if c.SourceFPS == nil {
		return DefaultSourceFPS
	}
	return *c.SourceFPS
}

// GetTargetFPS returns the target_fps value or the default.
func (c *TuningConfig) GetTargetFPS() float64 {
	if c.TargetFPS == nil {
		return DefaultTargetFPS
	}
	return *c.TargetFPS
}

// PredictorConfig resolves the prediction settings into a predict.Config.
func (c *TuningConfig) PredictorConfig() (predict.Config, error) {
	kind, err := predict.ParseKind(c.GetPredictionMode())
	if err != nil {
		return predict.Config{}, err
	}
	return predict.Config{
		Kind:             kind,
		Window:           c.GetWindow(kind),
		ProcessNoise:     c.GetKalmanProcessNoise(),
		MeasurementNoise: c.GetKalmanMeasurementNoise(),
	}, nil
}
