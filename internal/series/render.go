package series

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/motor.monitor/internal/telemetry"
)

// ErrUnknownKey is returned when a requested key was never registered.
var ErrUnknownKey = errors.New("unknown series key")

// ChartRequest selects what to draw.
type ChartRequest struct {
	Title string
	Keys  []string
	// Since drops samples older than this sample time (seconds).
	Since float64
}

type seriesData struct {
	key    string
	points []telemetry.Point
}

// collect gathers the requested series and the newest sample time, which
// becomes x=0 on the rendered charts.
func (s *Store) collect(req ChartRequest) ([]seriesData, float64, error) {
	out := make([]seriesData, 0, len(req.Keys))
	newest := math.Inf(-1)
	for _, k := range req.Keys {
		pts, ok := s.Points(k, req.Since)
		if !ok {
			return nil, 0, fmt.Errorf("%w: %q", ErrUnknownKey, k)
		}
		if n := len(pts); n > 0 && pts[n-1].Time > newest {
			newest = pts[n-1].Time
		}
		out = append(out, seriesData{key: k, points: pts})
	}
	if math.IsInf(newest, -1) {
		newest = 0
	}
	return out, newest, nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// RenderPNG draws the requested series as a static PNG line plot.
func (s *Store) RenderPNG(w io.Writer, req ChartRequest) error {
	data, newest, err := s.collect(req)
	if err != nil {
		return err
	}

	p := plot.New()
	p.Title.Text = req.Title
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Value"

	for i, d := range data {
		xys := make(plotter.XYs, 0, len(d.points))
		for _, pt := range d.points {
			if finite(pt.Value) {
				xys = append(xys, plotter.XY{X: pt.Time - newest, Y: pt.Value})
			}
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return fmt.Errorf("series %s: %w", d.key, err)
		}
		line.Color = plotutil.Color(i)
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(d.key, line)
	}
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	wt, err := p.WriterTo(10*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("render plot: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("write plot: %w", err)
	}
	return nil
}

// RenderChart writes an interactive HTML line chart of the requested series.
func (s *Store) RenderChart(w io.Writer, req ChartRequest) error {
	data, newest, err := s.collect(req)
	if err != nil {
		return err
	}

	total := 0
	line := charts.NewLine()
	for _, d := range data {
		items := make([]opts.LineData, 0, len(d.points))
		for _, pt := range d.points {
			if finite(pt.Value) {
				items = append(items, opts.LineData{Value: []interface{}{pt.Time - newest, pt.Value}})
			}
		}
		total += len(items)
		line.AddSeries(d.key, items, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	}

	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: req.Title, Theme: "dark", Width: "100%", Height: "640px"}),
		charts.WithTitleOpts(opts.Title{Title: req.Title, Subtitle: fmt.Sprintf("series=%d points=%d", len(data), total)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "Time (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value"}),
	)

	if err := line.Render(w); err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	return nil
}
