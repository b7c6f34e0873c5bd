package training

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// LRScheduler picks the learning rate of each epoch
type LRScheduler interface {
	// LR returns the learning rate for epoch
	LR(epoch int, baseLR float64) float64

	// Observe feeds the epoch's validation accuracy to metric-driven schedules
	Observe(valAccuracy float64)

	Name() string
}

// NewScheduler builds a scheduler by name for a run of the given length
func NewScheduler(name string, epochs int) (LRScheduler, error) {
	switch strings.ToLower(name) {
	case "", "constant":
		return ConstantScheduler{}, nil
	case "step":
		// Three decays over the run
		return NewStepLRScheduler(max(epochs/4, 1), 0.1), nil
	case "cosine":
		return NewCosineAnnealingLRScheduler(epochs, 0), nil
	case "plateau":
		return NewReduceLROnPlateauScheduler(0.1, 5, 1e-4), nil
	default:
		return nil, errors.Errorf("unknown scheduler %q", name)
	}
}

// ConstantScheduler keeps the base learning rate
type ConstantScheduler struct{}

func (ConstantScheduler) LR(_ int, baseLR float64) float64 { return baseLR }
func (ConstantScheduler) Observe(float64)                  {}
func (ConstantScheduler) Name() string                     { return "ConstantLR" }

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLRScheduler) LR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}

func (s *StepLRScheduler) Observe(float64) {}

func (s *StepLRScheduler) Name() string { return "StepLR" }

// CosineAnnealingLRScheduler anneals from the base rate to EtaMin over TMax epochs
type CosineAnnealingLRScheduler struct {
	TMax   int
	EtaMin float64
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{TMax: tMax, EtaMin: etaMin}
}

func (s *CosineAnnealingLRScheduler) LR(epoch int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) Observe(float64) {}

func (s *CosineAnnealingLRScheduler) Name() string { return "CosineAnnealingLR" }

// ReduceLROnPlateauScheduler scales the rate by Factor once validation
// accuracy has not improved by Threshold for Patience epochs.
type ReduceLROnPlateauScheduler struct {
	Factor    float64
	Patience  int
	Threshold float64

	best      float64
	badEpochs int
	scale     float64
	seen      bool
}

// NewReduceLROnPlateauScheduler creates a plateau-based scheduler
func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	return &ReduceLROnPlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
		scale:     1,
	}
}

func (s *ReduceLROnPlateauScheduler) LR(_ int, baseLR float64) float64 {
	return baseLR * s.scale
}

func (s *ReduceLROnPlateauScheduler) Observe(valAccuracy float64) {
	if !s.seen || valAccuracy > s.best+s.Threshold {
		s.best = valAccuracy
		s.badEpochs = 0
		s.seen = true
		return
	}
	s.badEpochs++
	if s.badEpochs >= s.Patience {
		s.scale *= s.Factor
		s.badEpochs = 0
	}
}

func (s *ReduceLROnPlateauScheduler) Name() string { return "ReduceLROnPlateau" }
