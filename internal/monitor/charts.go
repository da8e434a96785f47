package monitor

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/trajectory.report/internal/metrics"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// handleMetricsChart renders the histogram of one similarity metric as an
// HTML bar chart.
// Query params:
//   - metric (optional; iou, area or aspect, default iou)
//   - track (optional; a single track id, default all tracks pooled)
func (ws *WebServer) handleMetricsChart(w http.ResponseWriter, r *http.Request) {
	if ws.collector == nil {
		writeJSONError(w, http.StatusNotFound, "metrics collection disabled")
		return
	}
	name := r.URL.Query().Get("metric")
	if name == "" {
		name = string(metrics.MetricIoU)
	}
	m, ok := metrics.ParseMetric(name)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown metric %q", name))
		return
	}

	scope := "all tracks"
	var values []float64
	if t := r.URL.Query().Get("track"); t != "" {
		id, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid track id %q", t))
			return
		}
		scope = fmt.Sprintf("track %d", id)
		values = ws.collector.Values(m, id)
	} else {
		values = ws.collector.Pooled(m)
	}

	var buf bytes.Buffer
	if err := renderHistogram(&buf, m, scope, metrics.Summarize(values)); err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func renderHistogram(buf *bytes.Buffer, m metrics.Metric, scope string, s metrics.Summary) error {
	x := make([]string, metrics.NumBins)
	y := make([]opts.BarData, metrics.NumBins)
	for i := 0; i < metrics.NumBins; i++ {
		x[i] = fmt.Sprintf("%.2f", float64(i)/metrics.NumBins)
		n := 0
		if i < len(s.Counts) {
			n = s.Counts[i]
		}
		y[i] = opts.BarData{Value: n}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Trajectory metrics", Width: "100%", Height: "640px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("%s histogram (%s)", m, scope),
			Subtitle: fmt.Sprintf("n=%d mean=%.3f median=%.3f std=%.3f", s.Count, s.Mean, s.Median, s.StdDev),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: string(m), NameLocation: "middle", NameGap: 30}),
		charts.WithYAxisOpts(opts.YAxis{Name: "frequency"}),
	)
	bar.SetXAxis(x).AddSeries(string(m), y)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(bar)
	return page.Render(buf)
}
