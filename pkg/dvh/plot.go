package dvh

import (
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"radplan/pkg/model"
)

// xys adapts a DVH curve to the gonum plotter.XYer interface.
type xys struct {
	dvh *DVH
}

// Len returns the number of dose/volume points.
func (c xys) Len() int { return len(c.dvh.Bins) }

// XY returns the dose (Gy) and cumulative volume (%) at index i.
func (c xys) XY(i int) (float64, float64) {
	return c.dvh.Bins[i], c.dvh.Cumulative[i] * 100.0
}

// SavePlot renders the cumulative DVH curves of all structures into a
// single image file (format chosen by extension, typically .png).
func SavePlot(dvhs []*DVH, path string) error {
	p := plot.New()
	p.Title.Text = "Dose-Volume Histogram"
	p.X.Label.Text = "Dose (Gy)"
	p.Y.Label.Text = "Volume (%)"
	p.Y.Min = 0
	p.Y.Max = 100

	args := make([]interface{}, 0, 2*len(dvhs))
	for _, d := range dvhs {
		args = append(args, d.Structure, xys{dvh: d})
	}
	if err := plotutil.AddLines(p, args...); err != nil {
		return model.WrapError(model.KindNumericFailure, "plotting DVH curves", err)
	}
	if err := p.Save(8*vg.Inch, 6*vg.Inch, path); err != nil {
		return model.WrapError(model.KindNumericFailure, "saving DVH plot", err)
	}
	return nil
}
