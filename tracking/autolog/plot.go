package autolog

import (
	"bytes"
	"context"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/YuminosukeSato/regtrack/pkg/errors"
	"github.com/YuminosukeSato/regtrack/tracking"
)

// ResidualPlot renders predicted values against residuals (y - pred) as PNG.
func ResidualPlot(y, pred mat.Matrix) ([]byte, error) {
	n, _ := y.Dims()
	pts := make(plotter.XYs, n)
	minX, maxX := 0.0, 0.0
	for i := 0; i < n; i++ {
		p := pred.At(i, 0)
		pts[i] = plotter.XY{X: p, Y: y.At(i, 0) - p}
		if i == 0 || p < minX {
			minX = p
		}
		if i == 0 || p > maxX {
			maxX = p
		}
	}

	p := plot.New()
	p.Title.Text = "Training residuals"
	p.X.Label.Text = "predicted"
	p.Y.Label.Text = "residual"

	s, err := plotter.NewScatter(pts)
	if err != nil {
		return nil, errors.Wrap(err, "residual scatter")
	}
	s.GlyphStyle.Radius = vg.Points(2)
	zero, err := plotter.NewLine(plotter.XYs{{X: minX, Y: 0}, {X: maxX, Y: 0}})
	if err != nil {
		return nil, errors.Wrap(err, "zero line")
	}
	p.Add(s, zero)

	w, err := p.WriterTo(5*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return nil, errors.Wrap(err, "render residual plot")
	}
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return nil, errors.Wrap(err, "encode residual plot")
	}
	return buf.Bytes(), nil
}

func logResidualPlot(ctx context.Context, run *tracking.ActiveRun, y, pred mat.Matrix) error {
	png, err := ResidualPlot(y, pred)
	if err != nil {
		return err
	}
	repo, err := run.ArtifactRepository()
	if err != nil {
		return err
	}
	return repo.Upload(ctx, PlotArtifactPath, bytes.NewReader(png), int64(len(png)))
}
