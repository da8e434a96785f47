// Package metrics collects per-track similarity series during a run and
// exports them as histogram images and JSON statistics.
package metrics

import (
	"sort"
	"sync"

	"github.com/banshee-data/trajectory.report/internal/geometry"
	"github.com/banshee-data/trajectory.report/internal/tracking"
)

// Metric names one similarity series.
type Metric string

const (
	MetricIoU    Metric = "iou"    // current vs predicted
	MetricArea   Metric = "area"   // current vs previous
	MetricAspect Metric = "aspect" // current vs previous
)

// Metrics lists every series in export order.
var Metrics = []Metric{MetricIoU, MetricArea, MetricAspect}

// ParseMetric resolves a metric name, reporting false if unknown.
func ParseMetric(name string) (Metric, bool) {
	for _, m := range Metrics {
		if string(m) == name {
			return m, true
		}
	}
	return "", false
}

// Collector accumulates similarity values per metric and track. It is safe
// for concurrent use.
type Collector struct {
	mu      sync.Mutex
	series  map[Metric]map[int64][]float64
	targets map[int64]struct{} // nil records every track
}

// NewCollector returns a collector. If targets is non-empty only those
// track ids are recorded.
func NewCollector(targets ...int64) *Collector {
	c := &Collector{series: make(map[Metric]map[int64][]float64, len(Metrics))}
	for _, m := range Metrics {
		c.series[m] = make(map[int64][]float64)
	}
	if len(targets) > 0 {
		c.targets = make(map[int64]struct{}, len(targets))
		for _, id := range targets {
			c.targets[id] = struct{}{}
		}
	}
	return c
}

// Record appends whichever similarities are defined for this detection.
func (c *Collector) Record(trackID int64, current, predicted, previous *geometry.BoundingBox) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.targets != nil {
		if _, ok := c.targets[trackID]; !ok {
			return
		}
	}
	if v, ok := geometry.IoU(current, predicted); ok {
		c.series[MetricIoU][trackID] = append(c.series[MetricIoU][trackID], v)
	}
	if v, ok := geometry.AreaRatio(current, previous); ok {
		c.series[MetricArea][trackID] = append(c.series[MetricArea][trackID], v)
	}
	if v, ok := geometry.AspectRatioSimilarity(current, previous); ok {
		c.series[MetricAspect][trackID] = append(c.series[MetricAspect][trackID], v)
	}
}

// RecordFrame records every raw detection of res against its prediction
// and the previously accepted box.
func (c *Collector) RecordFrame(res *tracking.FrameResult) {
	for id, det := range res.Detections {
		cur := det
		c.Record(id, &cur, res.Predictions[id], res.Previous[id])
	}
}

// Values returns a copy of one track's series.
func (c *Collector) Values(m Metric, trackID int64) []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float64(nil), c.series[m][trackID]...)
}

// Pooled returns every track's values for m concatenated in track order.
func (c *Collector) Pooled(m Metric) []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []float64
	for _, id := range sortedIDs(c.series[m]) {
		out = append(out, c.series[m][id]...)
	}
	return out
}

// TrackIDs returns the ids with at least one value for m.
func (c *Collector) TrackIDs(m Metric) []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []int64
	for _, id := range sortedIDs(c.series[m]) {
		if len(c.series[m][id]) > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

func sortedIDs(m map[int64][]float64) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
