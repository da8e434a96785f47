package metrics

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// NumBins is the number of equal-width histogram bins over [0, 1].
const NumBins = 100

// ThresholdLevels are the cumulative fractions reported in Summary.Thresholds.
var ThresholdLevels = []float64{0.5, 0.4, 0.3, 0.2, 0.1}

// Summary describes one similarity series. Values outside [0, 1] count
// towards Mean, Median and StdDev but not the histogram.
type Summary struct {
	Count      int                `json:"count"`
	Mean       float64            `json:"mean"`
	Median     float64            `json:"median"`
	StdDev     float64            `json:"std_dev"` // population
	Thresholds map[string]float64 `json:"thresholds"`
	Histogram  map[string]int     `json:"histogram"`
	Counts     []int              `json:"-"`
	CDF        []float64          `json:"cdf"`
}

// ThresholdLabel formats a level as the Summary.Thresholds key, e.g. "30%".
func ThresholdLabel(level float64) string {
	return fmt.Sprintf("%d%%", int(math.Round(level*100)))
}

// binEdges returns the NumBins+1 bin edges 0.00, 0.01, ... 1.00.
func binEdges() []float64 {
	edges := make([]float64, NumBins+1)
	for i := range edges {
		edges[i] = float64(i) / NumBins
	}
	return edges
}

// Summarize computes statistics and the histogram of values. An empty
// series yields a zero Summary.
func Summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	mean, variance := stat.PopMeanVariance(sorted, nil)
	s := Summary{
		Count:  len(values),
		Mean:   mean,
		Median: median(sorted),
		StdDev: math.Sqrt(variance),
	}

	edges := binEdges()
	s.Counts = histogram(sorted, edges)
	s.Histogram = make(map[string]int, NumBins)
	total := 0
	for i, n := range s.Counts {
		s.Histogram[fmt.Sprintf("%.2f-%.2f", edges[i], edges[i+1])] = n
		total += n
	}
	if total == 0 {
		return s
	}

	s.CDF = make([]float64, NumBins)
	run := 0
	for i, n := range s.Counts {
		run += n
		s.CDF[i] = float64(run) / float64(total)
	}
	s.Thresholds = make(map[string]float64, len(ThresholdLevels))
	for _, p := range ThresholdLevels {
		idx := sort.SearchFloat64s(s.CDF, p)
		if idx >= len(s.CDF) {
			idx = len(s.CDF) - 1
		}
		s.Thresholds[ThresholdLabel(p)] = edges[idx]
	}
	return s
}

// histogram counts sorted values into the bins described by edges. The last
// bin is closed so a value of exactly 1 is counted.
func histogram(sorted, edges []float64) []int {
	lo, hi := edges[0], edges[len(edges)-1]
	var inRange []float64
	for _, v := range sorted {
		if v >= lo && v <= hi {
			inRange = append(inRange, v)
		}
	}
	counts := make([]int, len(edges)-1)
	if len(inRange) == 0 {
		return counts
	}

	dividers := append([]float64(nil), edges...)
	dividers[len(dividers)-1] = math.Nextafter(hi, math.Inf(1))
	for i, f := range stat.Histogram(nil, dividers, inRange, nil) {
		counts[i] = int(f)
	}
	return counts
}

// median averages the two middle values of an even-length series.
func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// WriteStats writes s as indented JSON, creating parent directories.
func WriteStats(path string, s Summary) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create stats dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write stats: %w", err)
	}
	return nil
}
