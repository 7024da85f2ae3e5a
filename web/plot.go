package web

import (
	"bytes"
	"io"

	"github.com/jnb666/mcdnn/stats"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/vgsvg"
)

// LossPlot draws the training, validation and smoothed validation loss by epoch as an SVG image.
func LossPlot(w io.Writer, name string, h *stats.History, width, height int) error {
	plt := newPlot()
	plt.Title.Text = name
	plt.X.Label.Text = "epoch"
	plt.Y.Label.Text = "loss"
	ymax := 0.0
	for _, vals := range [][]float64{h.Train, h.Valid} {
		for _, v := range vals {
			ymax = max(ymax, v)
		}
	}
	for i, series := range []struct {
		name string
		vals []float64
	}{
		{"training ", h.Train},
		{"validation ", h.Valid},
		{"smoothed ", h.Smooth},
	} {
		line, err := newLinePlot(series.vals, i, ymax)
		if err != nil {
			return err
		}
		plt.Add(line)
		plt.Legend.Add(series.name, line)
	}
	return writePlot(w, plt, width, height)
}

func newPlot() *plot.Plot {
	p := plot.New()
	p.X.Padding, p.Y.Padding = 0, 0
	p.X.Tick.Label.Font.Size = vg.Points(10)
	p.Y.Tick.Label.Font.Size = vg.Points(10)
	p.Legend.Top = true
	p.Legend.TextStyle.Font.Size = vg.Points(12)
	p.Add(plotter.NewGrid())
	return p
}

func writePlot(w io.Writer, p *plot.Plot, width, height int) error {
	writer, err := p.WriterTo(vg.Inch*vg.Length(width)/vgsvg.DPI, vg.Inch*vg.Length(height)/vgsvg.DPI, "svg")
	if err != nil {
		return errors.Wrap(err, "error writing plot")
	}
	var buf bytes.Buffer
	if _, err = writer.WriteTo(&buf); err != nil {
		return errors.Wrap(err, "error writing plot")
	}
	_, err = buf.WriteTo(w)
	return err
}

func newLinePlot(vals []float64, ix int, ymax float64) (linePlot, error) {
	pts := make(plotter.XYs, len(vals))
	for i, v := range vals {
		pts[i].X, pts[i].Y = float64(i+1), v
	}
	if len(pts) == 0 {
		pts = plotter.XYs{{X: 1, Y: 0}}
	}
	l, err := plotter.NewLine(pts)
	if err != nil {
		return linePlot{}, errors.Wrap(err, "error creating line plot")
	}
	l.Width = 2
	l.Color = plotutil.Color(ix)
	return linePlot{Line: l, xmin: 1, xmax: max(1, float64(len(vals))), ymin: 0, ymax: ymax}, nil
}

// modified plotter.Line with a fixed scale
type linePlot struct {
	*plotter.Line
	xmin, xmax, ymin, ymax float64
}

func (l linePlot) DataRange() (xmin, xmax, ymin, ymax float64) {
	return l.xmin, l.xmax, l.ymin, l.ymax
}
