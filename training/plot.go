package training

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

const (
	// LossPlotFile and AccuracyPlotFile are the training curves written by SavePlots
	LossPlotFile     = "loss.png"
	AccuracyPlotFile = "accuracy.png"
)

// CurveMetric selects which pair of series PlotCurves draws
type CurveMetric int

const (
	LossCurve CurveMetric = iota
	AccuracyCurve
)

func (m CurveMetric) String() string {
	if m == AccuracyCurve {
		return "accuracy"
	}
	return "loss"
}

// PlotCurves renders the train and validation series of metric as a PNG line chart
func PlotCurves(w io.Writer, records []EpochRecord, metric CurveMetric) error {
	if len(records) == 0 {
		return errors.New("no epochs to plot")
	}

	train := make(plotter.XYs, len(records))
	val := make(plotter.XYs, len(records))
	for i, r := range records {
		train[i].X, val[i].X = float64(r.Epoch), float64(r.Epoch)
		if metric == AccuracyCurve {
			train[i].Y, val[i].Y = r.TrainAccuracy, r.ValAccuracy
		} else {
			train[i].Y, val[i].Y = r.TrainLoss, r.ValLoss
		}
	}

	p := plot.New()
	p.Title.Text = "Training " + metric.String()
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = metric.String()

	if err := plotutil.AddLinePoints(p, "train", train, "validation", val); err != nil {
		return errors.Wrap(err, "failed to add series")
	}

	wt, err := p.WriterTo(6*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return errors.Wrap(err, "failed to render plot")
	}
	_, err = wt.WriteTo(w)
	return err
}

// SavePlots writes the loss and accuracy curves of the recorded epochs into
// the run directory, replacing earlier versions.
func (rl *RunLogger) SavePlots() error {
	for name, metric := range map[string]CurveMetric{
		LossPlotFile:     LossCurve,
		AccuracyPlotFile: AccuracyCurve,
	} {
		var buf bytes.Buffer
		if err := PlotCurves(&buf, rl.records, metric); err != nil {
			return errors.Wrapf(err, "%s curve", metric)
		}

		path := rl.GetFilepath(name)
		tmp := path + ".tmp"
		if err := afero.WriteFile(rl.fs, tmp, buf.Bytes(), 0644); err != nil {
			return errors.Wrapf(err, "failed to write %s", tmp)
		}
		if err := rl.fs.Rename(tmp, path); err != nil {
			return errors.Wrapf(err, "failed to replace %s", path)
		}
	}
	return nil
}
