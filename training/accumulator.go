package training

import (
	"strconv"
	"strings"

	"github.com/montanaflynn/stats"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/tsawler/go-trainer/tensor"
	"gonum.org/v1/gonum/floats"
)

var (
	// ErrNoBatches is returned by the averages before any batch was computed
	ErrNoBatches = errors.New("no batches computed since reset")
	// ErrBatchMismatch is returned when output and label batch sizes differ
	ErrBatchMismatch = errors.New("output and label batch sizes differ")
	// ErrClassCount is returned when the output width differs from the class count
	ErrClassCount = errors.New("output width does not match class count")
	// ErrLabelRange is returned for labels outside [0, classes)
	ErrLabelRange = errors.New("label out of range")
)

// Accumulator collects per-batch losses and (predicted, true) pairs over one
// phase of an epoch. It is not safe for concurrent use.
type Accumulator struct {
	numClasses int
	classNames []string
	loss       Loss
	activation Activation

	losses      []float64
	batches     int
	predictions []int
	labels      []int
	scores      []float64 // positive-class probability, binary only
	matrix      *ConfusionMatrix
}

// NewAccumulator creates an accumulator over numClasses classes using the
// given loss for Compute and activation for deriving predictions.
func NewAccumulator(numClasses int, loss Loss, activation Activation) *Accumulator {
	names := make([]string, numClasses)
	for i := range names {
		names[i] = strconv.Itoa(i)
	}

	return &Accumulator{
		numClasses: numClasses,
		classNames: names,
		loss:       loss,
		activation: activation,
		matrix:     NewConfusionMatrix(numClasses),
	}
}

// SetClassNames labels the rows of Report and Confusion. Ignored unless
// exactly one name per class is given.
func (a *Accumulator) SetClassNames(names []string) {
	if len(names) != a.numClasses {
		return
	}
	a.classNames = append([]string(nil), names...)
}

// Reset clears the losses, batch count and prediction history
func (a *Accumulator) Reset() {
	a.losses = a.losses[:0]
	a.batches = 0
	a.predictions = a.predictions[:0]
	a.labels = a.labels[:0]
	a.scores = a.scores[:0]
	a.matrix.Reset()
}

// Compute evaluates the loss of output against labels, records predictions
// and returns the loss together with its gradient w.r.t. output.
func (a *Accumulator) Compute(output *tensor.Tensor, labels []int) (float64, *tensor.Tensor, error) {
	if output == nil || output.Rank() != 2 {
		return 0, nil, errors.Wrap(ErrClassCount, "output must be [batch, classes]")
	}
	if output.Shape[0] != len(labels) {
		return 0, nil, errors.Wrapf(ErrBatchMismatch, "%d outputs, %d labels", output.Shape[0], len(labels))
	}
	if output.Shape[1] != a.numClasses {
		return 0, nil, errors.Wrapf(ErrClassCount, "got %d, want %d", output.Shape[1], a.numClasses)
	}
	for _, label := range labels {
		if label < 0 || label >= a.numClasses {
			return 0, nil, errors.Wrapf(ErrLabelRange, "label %d with %d classes", label, a.numClasses)
		}
	}

	loss, err := a.loss.Forward(output, labels)
	if err != nil {
		return 0, nil, errors.Wrap(err, "loss forward")
	}
	grad, err := a.loss.Backward(output, labels)
	if err != nil {
		return 0, nil, errors.Wrap(err, "loss backward")
	}

	probs := a.activation.Forward(output)
	for b, label := range labels {
		row := probs.Row(b)
		pred := floats.MaxIdx(row)

		a.predictions = append(a.predictions, pred)
		a.labels = append(a.labels, label)
		if a.numClasses == 2 {
			a.scores = append(a.scores, row[1])
		}
		// Range was validated above
		_ = a.matrix.Add(label, pred)
	}

	a.losses = append(a.losses, loss)
	a.batches++
	return loss, grad, nil
}

// Batches returns the number of Compute calls since the last Reset
func (a *Accumulator) Batches() int {
	return a.batches
}

// AverageLoss returns the mean of the per-batch losses
func (a *Accumulator) AverageLoss() (float64, error) {
	if a.batches == 0 {
		return 0, ErrNoBatches
	}
	return stats.Mean(a.losses)
}

// AverageAccuracy returns the fraction of recorded pairs where the prediction matches the label
func (a *Accumulator) AverageAccuracy() (float64, error) {
	if a.batches == 0 {
		return 0, ErrNoBatches
	}
	correct := 0
	for i, pred := range a.predictions {
		if pred == a.labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(a.predictions)), nil
}

// Predictions returns copies of the recorded predicted and true labels
func (a *Accumulator) Predictions() (predicted, labels []int) {
	return append([]int(nil), a.predictions...), append([]int(nil), a.labels...)
}

// ConfusionMatrix exposes the matrix built from the recorded pairs
func (a *Accumulator) ConfusionMatrix() *ConfusionMatrix {
	return a.matrix
}

// Report renders per-class precision, recall, F1 and support, followed by
// accuracy, macro, support-weighted and micro averages. Binary runs also get
// positive class scores, specificity, npv and roc auc.
func (a *Accumulator) Report() string {
	cm := a.matrix
	total := strconv.Itoa(cm.TotalSamples)

	var sb strings.Builder
	table := tablewriter.NewWriter(&sb)
	table.SetHeader([]string{"", "precision", "recall", "f1-score", "support"})
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)

	for class := 0; class < a.numClasses; class++ {
		table.Append([]string{
			a.classNames[class],
			formatScore(cm.ClassPrecision(class)),
			formatScore(cm.ClassRecall(class)),
			formatScore(cm.ClassF1(class)),
			strconv.Itoa(cm.Support(class)),
		})
	}

	table.Append([]string{"accuracy", "", "", formatScore(cm.GetAccuracy()), total})
	table.Append([]string{
		"macro avg",
		formatScore(cm.GetMetric(MacroPrecision)),
		formatScore(cm.GetMetric(MacroRecall)),
		formatScore(cm.GetMetric(MacroF1)),
		total,
	})
	table.Append([]string{
		"weighted avg",
		formatScore(cm.calculateWeighted(cm.ClassPrecision)),
		formatScore(cm.calculateWeighted(cm.ClassRecall)),
		formatScore(cm.GetMetric(WeightedF1)),
		total,
	})
	table.Append([]string{
		"micro avg",
		formatScore(cm.GetMetric(MicroPrecision)),
		formatScore(cm.GetMetric(MicroRecall)),
		formatScore(cm.GetMetric(MicroF1)),
		total,
	})
	if a.numClasses == 2 {
		// class 1 is the positive class
		table.Append([]string{
			"positive",
			formatScore(cm.GetMetric(Precision)),
			formatScore(cm.GetMetric(Recall)),
			formatScore(cm.GetMetric(F1Score)),
			strconv.Itoa(cm.Support(1)),
		})
		table.Append([]string{"specificity", "", "", formatScore(cm.GetMetric(Specificity)), strconv.Itoa(cm.Support(0))})
		table.Append([]string{"npv", "", "", formatScore(cm.GetMetric(NPV)), strconv.Itoa(cm.predicted(0))})
		table.Append([]string{"roc auc", "", "", formatScore(CalculateAUCROC(a.scores, a.labels)), total})
	}

	table.Render()
	return strings.TrimRight(sb.String(), "\n")
}

// Confusion renders the confusion matrix, rows are true classes and columns predicted classes
func (a *Accumulator) Confusion() string {
	var sb strings.Builder
	table := tablewriter.NewWriter(&sb)
	table.SetHeader(append([]string{"true \\ pred"}, a.classNames...))
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)

	for class, row := range a.matrix.Matrix {
		cells := make([]string, 0, len(row)+1)
		cells = append(cells, a.classNames[class])
		for _, n := range row {
			cells = append(cells, strconv.Itoa(n))
		}
		table.Append(cells)
	}

	table.Render()
	return strings.TrimRight(sb.String(), "\n")
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
