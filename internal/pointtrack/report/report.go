// Package report renders refinement results for inspection: a PNG of every
// track's final trajectory and an HTML chart of per-frame visibility.
package report

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/trackrefine/internal/pointtrack/refine"
)

// ErrNoVisibility is returned when a chart needs visibility the prediction
// does not carry (fine mode).
var ErrNoVisibility = errors.New("prediction has no visibility")

// EchartsAssetsHost is where rendered pages load the echarts script from.
var EchartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

func checkBatch(pred *refine.Prediction, batch int) error {
	final := pred.Final()
	if final == nil {
		return fmt.Errorf("prediction has no coordinates")
	}
	if batch < 0 || batch >= final.B {
		return fmt.Errorf("batch %d out of range [0, %d)", batch, final.B)
	}
	return nil
}

// PlotTrajectories draws the final-iteration path of every track in batch
// and saves it to path. The extension picks the format (.png, .svg, .pdf).
// Non-finite coordinates are left out of the path.
func PlotTrajectories(pred *refine.Prediction, batch int, path string) error {
	if err := checkBatch(pred, batch); err != nil {
		return err
	}
	final := pred.Final()

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Refined tracks (batch %d, %d frames, %d iterations)", batch, final.S, len(pred.Coords))
	p.X.Label.Text = "x (px)"
	p.Y.Label.Text = "y (px)"
	// Image rows grow downwards.
	p.Y.Scale = plot.InvertedScale{Normalizer: p.Y.Scale}
	p.Add(plotter.NewGrid())

	colors := palette(final.N)
	for n := 0; n < final.N; n++ {
		pts := make(plotter.XYs, 0, final.S)
		for s := 0; s < final.S; s++ {
			x, y := final.XY(batch, s, n)
			if isFinite(x) && isFinite(y) {
				pts = append(pts, plotter.XY{X: x, Y: y})
			}
		}
		if len(pts) == 0 {
			continue
		}
		label := fmt.Sprintf("track %d", n)

		line, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("track %d line: %w", n, err)
		}
		line.Color = colors[n]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(label, line)

		// Query location.
		start, err := plotter.NewScatter(pts[:1])
		if err != nil {
			return fmt.Errorf("track %d start: %w", n, err)
		}
		start.GlyphStyle.Color = colors[n]
		start.GlyphStyle.Shape = draw.CircleGlyph{}
		start.GlyphStyle.Radius = vg.Points(3)
		p.Add(start)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if err := p.Save(10*vg.Inch, 8*vg.Inch, path); err != nil {
		return fmt.Errorf("save trajectory plot: %w", err)
	}
	return nil
}

// VisibilityChart renders per-track visibility over frames for batch as an
// HTML page.
func VisibilityChart(w io.Writer, pred *refine.Prediction, batch int) error {
	if err := checkBatch(pred, batch); err != nil {
		return err
	}
	vis := pred.Visibility
	if vis == nil {
		return ErrNoVisibility
	}

	frames := make([]string, vis.S)
	for s := range frames {
		frames[s] = fmt.Sprintf("%d", s)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Track visibility", Width: "100%", Height: "600px", AssetsHost: EchartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Track visibility", Subtitle: fmt.Sprintf("batch=%d tracks=%d frames=%d", batch, vis.N, vis.S)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Type: "scroll"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "frame", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "visibility", Min: 0, Max: 1}),
	)
	line.SetXAxis(frames)

	colors := palette(vis.N)
	for n := 0; n < vis.N; n++ {
		data := make([]opts.LineData, vis.S)
		for s := 0; s < vis.S; s++ {
			v := vis.At(batch, s, n)
			if isFinite(v) {
				data[s] = opts.LineData{Value: v}
			} else {
				data[s] = opts.LineData{Value: "-"}
			}
		}
		line.AddSeries(fmt.Sprintf("track %d", n), data,
			charts.WithLineStyleOpts(opts.LineStyle{Color: hexColor(colors[n])}),
			charts.WithItemStyleOpts(opts.ItemStyle{Color: hexColor(colors[n])}),
		)
	}

	if err := line.Render(w); err != nil {
		return fmt.Errorf("render visibility chart: %w", err)
	}
	return nil
}

func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
