// Package report renders training artifacts meant for people: a loss curve
// and a preview grid of input digits.
package report

import (
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Point is one emitted metric record.
type Point struct {
	Step     int
	Loss     float64
	Accuracy float64
}

// LossCurve draws loss and accuracy against the optimizer step. The image
// format follows the file extension.
func LossCurve(path string, points []Point) error {
	if len(points) == 0 {
		return errors.New("report: no points to plot")
	}
	p := plot.New()
	p.Title.Text = "LeNet5 training"
	p.X.Label.Text = "step"
	p.Y.Label.Text = "value"
	p.Y.Min = 0
	p.Add(plotter.NewGrid())

	loss := make(plotter.XYs, len(points))
	acc := make(plotter.XYs, len(points))
	for i, pt := range points {
		loss[i] = plotter.XY{X: float64(pt.Step), Y: pt.Loss}
		acc[i] = plotter.XY{X: float64(pt.Step), Y: pt.Accuracy}
	}
	if err := plotutil.AddLinePoints(p, "loss", loss, "acc_rate", acc); err != nil {
		return errors.Wrap(err, "report: add series")
	}
	p.Legend.Top = true

	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "report: save %s", filepath.Base(path))
	}
	return nil
}
