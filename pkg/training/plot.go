package training

import (
	"fmt"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// SavePlots renders the loss and accuracy curves of h into dir as
// loss.svg and accuracy.svg.
func SavePlots(h *History, dir string) error {
	if h.Len() == 0 {
		return fmt.Errorf("training: empty history")
	}
	if err := saveCurve(h, dir, "loss.svg", "Loss",
		func(e Epoch) (float32, float32) { return e.Loss, e.ValLoss }); err != nil {
		return err
	}
	return saveCurve(h, dir, "accuracy.svg", "Accuracy",
		func(e Epoch) (float32, float32) { return e.Acc, e.ValAcc })
}

func saveCurve(h *History, dir, name, title string, pick func(Epoch) (float32, float32)) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = title
	p.Add(plotter.NewGrid())

	train := make(plotter.XYs, h.Len())
	val := make(plotter.XYs, h.Len())
	for i, e := range h.Epochs {
		tv, vv := pick(e)
		train[i] = plotter.XY{X: float64(e.Epoch), Y: float64(tv)}
		val[i] = plotter.XY{X: float64(e.Epoch), Y: float64(vv)}
	}

	var err error
	if h.HasVal {
		err = plotutil.AddLines(p, "train", train, "validation", val)
	} else {
		err = plotutil.AddLines(p, "train", train)
	}
	if err != nil {
		return fmt.Errorf("failed to build %s plot: %w", title, err)
	}

	path := filepath.Join(dir, name)
	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save plot %s: %w", path, err)
	}
	return nil
}
