package training

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// MetricType represents different evaluation metrics
type MetricType int

const (
	// Binary Classification Metrics
	Precision MetricType = iota
	Recall
	F1Score
	Specificity
	NPV // Negative Predictive Value

	// Multi-class Metrics
	MacroPrecision
	MacroRecall
	MacroF1
	MicroPrecision
	MicroRecall
	MicroF1
	WeightedF1
)

func (mt MetricType) String() string {
	switch mt {
	case Precision:
		return "Precision"
	case Recall:
		return "Recall"
	case F1Score:
		return "F1Score"
	case Specificity:
		return "Specificity"
	case NPV:
		return "NPV"
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	case MicroPrecision:
		return "MicroPrecision"
	case MicroRecall:
		return "MicroRecall"
	case MicroF1:
		return "MicroF1"
	case WeightedF1:
		return "WeightedF1"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix represents a confusion matrix for classification tasks
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int

	// Cached metrics to avoid recomputation
	cachedMetrics map[MetricType]float64
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}

	return &ConfusionMatrix{
		NumClasses:    numClasses,
		Matrix:        matrix,
		cachedMetrics: make(map[MetricType]float64),
	}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
	cm.cachedMetrics = make(map[MetricType]float64)
}

// Add records a single (true, predicted) pair. Out-of-range classes are an error.
func (cm *ConfusionMatrix) Add(trueClass, predClass int) error {
	if trueClass < 0 || trueClass >= cm.NumClasses {
		return errors.Errorf("true class %d out of range [0, %d)", trueClass, cm.NumClasses)
	}
	if predClass < 0 || predClass >= cm.NumClasses {
		return errors.Errorf("predicted class %d out of range [0, %d)", predClass, cm.NumClasses)
	}

	cm.Matrix[trueClass][predClass]++
	cm.TotalSamples++

	// Invalidate cached metrics
	if len(cm.cachedMetrics) > 0 {
		cm.cachedMetrics = make(map[MetricType]float64)
	}
	return nil
}

// GetMetric calculates and caches evaluation metrics
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	if value, exists := cm.cachedMetrics[metric]; exists {
		return value
	}

	var result float64

	switch metric {
	case Precision:
		result = cm.calculateBinaryPrecision()
	case Recall:
		result = cm.calculateBinaryRecall()
	case F1Score:
		result = cm.calculateBinaryF1()
	case Specificity:
		result = cm.calculateSpecificity()
	case NPV:
		result = cm.calculateNPV()
	case MacroPrecision:
		result = cm.calculateMacroPrecision()
	case MacroRecall:
		result = cm.calculateMacroRecall()
	case MacroF1:
		result = cm.calculateMacroF1()
	case MicroPrecision:
		result = cm.calculateMicroPrecision()
	case MicroRecall:
		result = cm.calculateMicroRecall()
	case MicroF1:
		result = cm.calculateMicroF1()
	case WeightedF1:
		result = cm.calculateWeighted(cm.ClassF1)
	default:
		return 0.0
	}

	cm.cachedMetrics[metric] = result
	return result
}

// Support returns the number of samples whose true class is class
func (cm *ConfusionMatrix) Support(class int) int {
	total := 0
	for _, n := range cm.Matrix[class] {
		total += n
	}
	return total
}

// predicted returns the number of samples predicted as class
func (cm *ConfusionMatrix) predicted(class int) int {
	total := 0
	for trueClass := 0; trueClass < cm.NumClasses; trueClass++ {
		total += cm.Matrix[trueClass][class]
	}
	return total
}

// ClassPrecision returns the one-vs-rest precision of class (0 when nothing was predicted as class)
func (cm *ConfusionMatrix) ClassPrecision(class int) float64 {
	predicted := cm.predicted(class)
	if predicted == 0 {
		return 0.0
	}
	return float64(cm.Matrix[class][class]) / float64(predicted)
}

// ClassRecall returns the one-vs-rest recall of class (0 when class has no support)
func (cm *ConfusionMatrix) ClassRecall(class int) float64 {
	support := cm.Support(class)
	if support == 0 {
		return 0.0
	}
	return float64(cm.Matrix[class][class]) / float64(support)
}

// ClassF1 returns the harmonic mean of ClassPrecision and ClassRecall
func (cm *ConfusionMatrix) ClassF1(class int) float64 {
	return harmonicMean(cm.ClassPrecision(class), cm.ClassRecall(class))
}

func harmonicMean(precision, recall float64) float64 {
	if precision+recall == 0 {
		return 0.0
	}
	return 2 * (precision * recall) / (precision + recall)
}

// calculateWeighted averages a per-class metric weighted by support
func (cm *ConfusionMatrix) calculateWeighted(metric func(class int) float64) float64 {
	if cm.TotalSamples == 0 {
		return 0.0
	}
	sum := 0.0
	for class := 0; class < cm.NumClasses; class++ {
		sum += metric(class) * float64(cm.Support(class))
	}
	return sum / float64(cm.TotalSamples)
}

// Binary classification metrics (assuming class 1 is positive)
func (cm *ConfusionMatrix) calculateBinaryPrecision() float64 {
	if cm.NumClasses != 2 {
		return 0.0 // Only valid for binary classification
	}
	return cm.ClassPrecision(1)
}

func (cm *ConfusionMatrix) calculateBinaryRecall() float64 {
	if cm.NumClasses != 2 {
		return 0.0
	}
	return cm.ClassRecall(1)
}

func (cm *ConfusionMatrix) calculateBinaryF1() float64 {
	return harmonicMean(cm.calculateBinaryPrecision(), cm.calculateBinaryRecall())
}

func (cm *ConfusionMatrix) calculateSpecificity() float64 {
	if cm.NumClasses != 2 {
		return 0.0
	}

	tn := float64(cm.Matrix[0][0]) // True negatives
	fp := float64(cm.Matrix[0][1]) // False positives

	if tn+fp == 0 {
		return 0.0 // No actual negatives
	}

	return tn / (tn + fp)
}

func (cm *ConfusionMatrix) calculateNPV() float64 {
	if cm.NumClasses != 2 {
		return 0.0
	}

	tn := float64(cm.Matrix[0][0]) // True negatives
	fn := float64(cm.Matrix[1][0]) // False negatives

	if tn+fn == 0 {
		return 0.0 // No negative predictions
	}

	return tn / (tn + fn)
}

// calculateMacro averages a per-class metric over every class
func (cm *ConfusionMatrix) calculateMacro(metric func(class int) float64) float64 {
	if cm.NumClasses < 2 {
		return 0.0
	}
	sum := 0.0
	for class := 0; class < cm.NumClasses; class++ {
		sum += metric(class)
	}
	return sum / float64(cm.NumClasses)
}

func (cm *ConfusionMatrix) calculateMacroPrecision() float64 {
	return cm.calculateMacro(cm.ClassPrecision)
}

func (cm *ConfusionMatrix) calculateMacroRecall() float64 {
	return cm.calculateMacro(cm.ClassRecall)
}

// calculateMacroF1 is the unweighted mean of per-class F1 scores
func (cm *ConfusionMatrix) calculateMacroF1() float64 {
	return cm.calculateMacro(cm.ClassF1)
}

// For single-label classification every false positive of one class is a
// false negative of another, so micro precision, recall and F1 all reduce
// to accuracy.
func (cm *ConfusionMatrix) calculateMicroPrecision() float64 {
	return cm.GetAccuracy()
}

func (cm *ConfusionMatrix) calculateMicroRecall() float64 {
	return cm.GetAccuracy()
}

func (cm *ConfusionMatrix) calculateMicroF1() float64 {
	return harmonicMean(cm.calculateMicroPrecision(), cm.calculateMicroRecall())
}

// GetAccuracy returns overall classification accuracy
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0.0
	}

	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}

	return float64(correct) / float64(cm.TotalSamples)
}

// CalculateAUCROC calculates Area Under ROC Curve for binary classification.
// scores are positive-class probabilities, labels are 0 or 1.
func CalculateAUCROC(scores []float64, labels []int) float64 {
	if len(scores) != len(labels) || len(scores) == 0 {
		return 0.0
	}

	type scoreLabel struct {
		score float64
		label int
	}

	pairs := make([]scoreLabel, len(scores))
	for i := range scores {
		pairs[i] = scoreLabel{score: scores[i], label: labels[i]}
	}

	// Sort by prediction score (descending)
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].score > pairs[j].score
	})

	totalPos := 0
	totalNeg := 0
	for _, pair := range pairs {
		if pair.label == 1 {
			totalPos++
		} else {
			totalNeg++
		}
	}

	if totalPos == 0 || totalNeg == 0 {
		return 0.0 // Cannot calculate AUC without both classes
	}

	// Trapezoidal rule, tied scores advance together
	auc := 0.0
	tp, fp := 0, 0
	prevTPR, prevFPR := 0.0, 0.0

	for i := 0; i < len(pairs); {
		j := i
		for j < len(pairs) && pairs[j].score == pairs[i].score {
			if pairs[j].label == 1 {
				tp++
			} else {
				fp++
			}
			j++
		}

		tpr := float64(tp) / float64(totalPos)
		fpr := float64(fp) / float64(totalNeg)
		auc += (fpr - prevFPR) * (tpr + prevTPR) / 2.0

		prevTPR, prevFPR = tpr, fpr
		i = j
	}

	return auc
}
