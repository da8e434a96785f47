// Package anomaly classifies a detection as anomalous by majority vote over
// three geometric similarity criteria.
package anomaly

import (
	"fmt"

	"github.com/banshee-data/trajectory.report/internal/geometry"
)

// Default similarity thresholds. A criterion fires when its similarity falls
// strictly below the threshold.
const (
	DefaultIoUThreshold    = 0.5
	DefaultAreaThreshold   = 0.8
	DefaultAspectThreshold = 0.8
)

// Criterion names used in Verdict.Map and log output.
const (
	CriterionIoU    = "iou"
	CriterionArea   = "area"
	CriterionAspect = "aspect"
)

// minFired is the number of criteria that must fire for an anomaly.
const minFired = 2

// Thresholds holds the per-criterion similarity floors, each in [0, 1].
type Thresholds struct {
	IoU    float64 `json:"iou"`
	Area   float64 `json:"area"`
	Aspect float64 `json:"aspect"`
}

// DefaultThresholds returns the default similarity floors.
func DefaultThresholds() Thresholds {
	return Thresholds{
		IoU:    DefaultIoUThreshold,
		Area:   DefaultAreaThreshold,
		Aspect: DefaultAspectThreshold,
	}
}

// Validate checks every threshold lies in [0, 1].
func (t Thresholds) Validate() error {
	checks := []struct {
		name string
		v    float64
	}{
		{CriterionIoU, t.IoU},
		{CriterionArea, t.Area},
		{CriterionAspect, t.Aspect},
	}
	for _, c := range checks {
		if c.v < 0 || c.v > 1 {
			return fmt.Errorf("%s threshold must be in [0,1], got %v", c.name, c.v)
		}
	}
	return nil
}

// Criterion is the outcome of one check. A criterion that could not be
// evaluated because an input box was absent never fires.
type Criterion struct {
	Evaluated bool    `json:"evaluated"`
	Fired     bool    `json:"fired"`
	Score     float64 `json:"score"`
}

// Verdict is the per-track, per-frame voting result.
type Verdict struct {
	Anomalous bool      `json:"anomalous"`
	IoU       Criterion `json:"iou"`
	Area      Criterion `json:"area"`
	Aspect    Criterion `json:"aspect"`
}

// Fired returns how many criteria fired.
func (v Verdict) Fired() int {
	n := 0
	for _, c := range []Criterion{v.IoU, v.Area, v.Aspect} {
		if c.Fired {
			n++
		}
	}
	return n
}

// Evaluated returns how many criteria had both inputs.
func (v Verdict) Evaluated() int {
	n := 0
	for _, c := range []Criterion{v.IoU, v.Area, v.Aspect} {
		if c.Evaluated {
			n++
		}
	}
	return n
}

// Map returns the breakdown keyed by criterion name.
func (v Verdict) Map() map[string]Criterion {
	return map[string]Criterion{
		CriterionIoU:    v.IoU,
		CriterionArea:   v.Area,
		CriterionAspect: v.Aspect,
	}
}

func (v Verdict) String() string {
	return fmt.Sprintf("anomalous=%t iou=%s area=%s aspect=%s",
		v.Anomalous, v.IoU, v.Area, v.Aspect)
}

func (c Criterion) String() string {
	if !c.Evaluated {
		return "n/a"
	}
	mark := ""
	if c.Fired {
		mark = "!"
	}
	return fmt.Sprintf("%.3f%s", c.Score, mark)
}

// Voter applies Thresholds to a detection.
type Voter struct {
	Thresholds Thresholds
}

// NewVoter returns a Voter using t.
func NewVoter(t Thresholds) *Voter {
	return &Voter{Thresholds: t}
}

// Vote compares current against the predicted box (IoU) and the previous
// accepted box (area ratio, aspect similarity). Any input may be nil.
func (v *Voter) Vote(current, previous, predicted *geometry.BoundingBox) Verdict {
	var out Verdict
	score, ok := geometry.IoU(current, predicted)
	out.IoU = criterion(score, ok, v.Thresholds.IoU)
	score, ok = geometry.AreaRatio(current, previous)
	out.Area = criterion(score, ok, v.Thresholds.Area)
	score, ok = geometry.AspectRatioSimilarity(current, previous)
	out.Aspect = criterion(score, ok, v.Thresholds.Aspect)
	out.Anomalous = out.Fired() >= minFired
	return out
}

func criterion(score float64, ok bool, threshold float64) Criterion {
	if !ok {
		return Criterion{}
	}
	return Criterion{Evaluated: true, Fired: score < threshold, Score: score}
}
