package metrics

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// Colors for the threshold markers, darkest for the 50% level.
var thresholdColors = []color.RGBA{
	{R: 128, A: 255},
	{R: 178, G: 34, B: 34, A: 255},
	{R: 255, A: 255},
	{R: 255, G: 127, B: 80, A: 255},
	{R: 255, G: 215, A: 255},
}

// SaveHistogramPNG renders the 0.01-wide histogram of values with a dashed
// marker at every CDF threshold.
func SaveHistogramPNG(path, title, xlabel string, values []float64) error {
	s := Summarize(values)
	if s.Count == 0 {
		return fmt.Errorf("no values for %q", title)
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xlabel
	p.Y.Label.Text = "Frame Count"
	p.X.Min = 0
	p.X.Max = 1
	p.Add(plotter.NewGrid())

	bins := make([]plotter.HistogramBin, len(s.Counts))
	for i, n := range s.Counts {
		bins[i] = plotter.HistogramBin{
			Min:    float64(i) / NumBins,
			Max:    float64(i+1) / NumBins,
			Weight: float64(n),
		}
	}
	hist := &plotter.Histogram{
		Bins:      bins,
		Width:     1.0 / NumBins,
		FillColor: color.RGBA{B: 255, A: 180},
		LineStyle: plotter.DefaultLineStyle,
	}
	p.Add(hist)

	ymax := 1.0
	for _, n := range s.Counts {
		if float64(n) > ymax {
			ymax = float64(n)
		}
	}
	for i, level := range ThresholdLevels {
		label := ThresholdLabel(level)
		x, ok := s.Thresholds[label]
		if !ok {
			continue
		}
		line, err := plotter.NewLine(plotter.XYs{{X: x, Y: 0}, {X: x, Y: ymax}})
		if err != nil {
			return fmt.Errorf("build threshold line: %w", err)
		}
		line.Color = thresholdColors[i%len(thresholdColors)]
		line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("%s: %.2f", label, x), line)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create plot dir: %w", err)
	}
	if err := p.Save(10*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

// ExportAll writes <metric>_<track>.png and <metric>_<track>_stats.json into
// dir for every non-empty series and returns the paths written.
func ExportAll(c *Collector, dir string) ([]string, error) {
	var written []string
	for _, m := range Metrics {
		for _, id := range c.TrackIDs(m) {
			values := c.Values(m, id)
			base := filepath.Join(dir, fmt.Sprintf("%s_%d", m, id))

			if err := WriteStats(base+"_stats.json", Summarize(values)); err != nil {
				return written, err
			}
			written = append(written, base+"_stats.json")

			title := fmt.Sprintf("Histogram for %s - Track ID: %d", strings.ToUpper(string(m)), id)
			if err := SaveHistogramPNG(base+".png", title, strings.ToUpper(string(m)), values); err != nil {
				return written, err
			}
			written = append(written, base+".png")
		}
	}
	return written, nil
}
