package training

import (
	"math"
	"strings"

	"github.com/pkg/errors"
	"github.com/tsawler/go-trainer/tensor"
	"gonum.org/v1/gonum/floats"
)

// Loss interface defines methods that all loss functions must implement.
// output is [batch, classes] raw scores, labels are class indices.
type Loss interface {
	Forward(output *tensor.Tensor, labels []int) (float64, error)
	Backward(output *tensor.Tensor, labels []int) (*tensor.Tensor, error)
	Name() string
}

// Activation maps raw scores to per-class probabilities
type Activation interface {
	Forward(output *tensor.Tensor) *tensor.Tensor
	Name() string
}

// NewLoss returns the loss registered under name ("bce" or "cross_entropy")
func NewLoss(name string) (Loss, error) {
	switch strings.ToLower(name) {
	case "bce", "bce_with_logits":
		return &BCEWithLogitsLoss{}, nil
	case "ce", "cross_entropy", "crossentropy":
		return &CrossEntropyLoss{}, nil
	default:
		return nil, errors.Errorf("unknown loss %q", name)
	}
}

// NewActivation returns the activation registered under name ("softmax" or "sigmoid")
func NewActivation(name string) (Activation, error) {
	switch strings.ToLower(name) {
	case "softmax":
		return Softmax{}, nil
	case "sigmoid":
		return Sigmoid{}, nil
	default:
		return nil, errors.Errorf("unknown activation %q", name)
	}
}

// checkTargets validates output against labels
func checkTargets(output *tensor.Tensor, labels []int) error {
	if output.Rank() != 2 {
		return errors.Errorf("loss expects [batch, classes] output, got %v", output.Shape)
	}
	if output.Shape[0] != len(labels) {
		return errors.Wrapf(ErrBatchMismatch, "%d outputs, %d labels", output.Shape[0], len(labels))
	}
	classes := output.Shape[1]
	for _, label := range labels {
		if label < 0 || label >= classes {
			return errors.Wrapf(ErrLabelRange, "label %d with %d classes", label, classes)
		}
	}
	return nil
}

// CrossEntropyLoss combines softmax and negative log likelihood, averaged over the batch
type CrossEntropyLoss struct{}

func (CrossEntropyLoss) Name() string { return "CrossEntropyLoss" }

// Forward computes mean(logsumexp(x) - x[label])
func (CrossEntropyLoss) Forward(output *tensor.Tensor, labels []int) (float64, error) {
	if err := checkTargets(output, labels); err != nil {
		return 0, err
	}

	total := 0.0
	for b, label := range labels {
		row := output.Row(b)
		total += floats.LogSumExp(row) - row[label]
	}
	return total / float64(len(labels)), nil
}

// Backward computes (softmax(x) - onehot(label)) / batch
func (CrossEntropyLoss) Backward(output *tensor.Tensor, labels []int) (*tensor.Tensor, error) {
	if err := checkTargets(output, labels); err != nil {
		return nil, err
	}

	grad := Softmax{}.Forward(output)
	scale := 1.0 / float64(len(labels))
	for b, label := range labels {
		row := grad.Row(b)
		row[label] -= 1
		floats.Scale(scale, row)
	}
	return grad, nil
}

// BCEWithLogitsLoss treats every output unit as an independent binary
// logit against one-hot targets built from the labels, averaged over all elements.
type BCEWithLogitsLoss struct{}

func (BCEWithLogitsLoss) Name() string { return "BCEWithLogitsLoss" }

// Forward computes mean(max(x, 0) - x*y + log(1 + exp(-|x|)))
func (BCEWithLogitsLoss) Forward(output *tensor.Tensor, labels []int) (float64, error) {
	if err := checkTargets(output, labels); err != nil {
		return 0, err
	}

	total := 0.0
	for b, label := range labels {
		for c, x := range output.Row(b) {
			y := 0.0
			if c == label {
				y = 1
			}
			total += math.Max(x, 0) - x*y + math.Log1p(math.Exp(-math.Abs(x)))
		}
	}
	return total / float64(output.NumElems), nil
}

// Backward computes (sigmoid(x) - y) / N
func (BCEWithLogitsLoss) Backward(output *tensor.Tensor, labels []int) (*tensor.Tensor, error) {
	if err := checkTargets(output, labels); err != nil {
		return nil, err
	}

	grad := Sigmoid{}.Forward(output)
	scale := 1.0 / float64(output.NumElems)
	for b, label := range labels {
		row := grad.Row(b)
		row[label] -= 1
		floats.Scale(scale, row)
	}
	return grad, nil
}

// Softmax normalizes each row into a probability distribution
type Softmax struct{}

func (Softmax) Name() string { return "Softmax" }

func (Softmax) Forward(output *tensor.Tensor) *tensor.Tensor {
	result := output.Clone()
	if result.Rank() != 2 {
		return result
	}
	for b := 0; b < result.Shape[0]; b++ {
		row := result.Row(b)
		lse := floats.LogSumExp(row)
		for i := range row {
			row[i] = math.Exp(row[i] - lse)
		}
	}
	return result
}

// Sigmoid squashes every element independently into (0, 1)
type Sigmoid struct{}

func (Sigmoid) Name() string { return "Sigmoid" }

func (Sigmoid) Forward(output *tensor.Tensor) *tensor.Tensor {
	result := output.Clone()
	for i, x := range result.Data {
		result.Data[i] = sigmoid(x)
	}
	return result
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}
