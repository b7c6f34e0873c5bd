package optimizer

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/tsawler/go-trainer/checkpoints"
	"github.com/tsawler/go-trainer/layers"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64 // Momentum decay (typically 0.9)
	Beta2        float64 // Variance decay (typically 0.999)
	Epsilon      float64 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float64 // L2 regularization coefficient
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// Adam implements Adam with bias-corrected moment estimates
type Adam struct {
	config AdamConfig
	params []*layers.Parameter

	momentum [][]float64 // First moment for each parameter
	variance [][]float64 // Second moment for each parameter

	stepCount uint64
}

// NewAdam creates a new Adam optimizer over params
func NewAdam(config AdamConfig, params []*layers.Parameter) (*Adam, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}
	if config.LearningRate <= 0 {
		return nil, errors.Errorf("learning rate must be positive, got %v", config.LearningRate)
	}

	return &Adam{
		config:   config,
		params:   params,
		momentum: newBuffers(params),
		variance: newBuffers(params),
	}, nil
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.stepCount++
	t := float64(adam.stepCount)
	c := adam.config

	biasCorrection1 := 1 - math.Pow(c.Beta1, t)
	biasCorrection2 := 1 - math.Pow(c.Beta2, t)

	for i, p := range adam.params {
		m := adam.momentum[i]
		v := adam.variance[i]
		w := p.Value.Data
		for j, g := range p.Grad.Data {
			if c.WeightDecay != 0 {
				g += c.WeightDecay * w[j]
			}
			m[j] = c.Beta1*m[j] + (1-c.Beta1)*g
			v[j] = c.Beta2*v[j] + (1-c.Beta2)*g*g

			mHat := m[j] / biasCorrection1
			vHat := v[j] / biasCorrection2
			w[j] -= c.LearningRate * mHat / (math.Sqrt(vHat) + c.Epsilon)
		}
	}
	return nil
}

// ZeroGrad clears parameter gradients
func (adam *Adam) ZeroGrad() {
	zeroGrad(adam.params)
}

// GetState extracts optimizer state for checkpointing
func (adam *Adam) GetState() (*checkpoints.OptimizerState, error) {
	state := &checkpoints.OptimizerState{
		Type: "Adam",
		Parameters: map[string]float64{
			"learning_rate": adam.config.LearningRate,
			"beta1":         adam.config.Beta1,
			"beta2":         adam.config.Beta2,
			"epsilon":       adam.config.Epsilon,
			"weight_decay":  adam.config.WeightDecay,
			"step_count":    float64(adam.stepCount),
		},
	}

	for i := range adam.params {
		state.StateData = append(state.StateData,
			extractBufferState(adam.momentum[i], fmt.Sprintf("m_%d", i), "m"),
			extractBufferState(adam.variance[i], fmt.Sprintf("v_%d", i), "v"),
		)
	}
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *Adam) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	momentum := newBuffers(adam.params)
	variance := newBuffers(adam.params)
	if err := restoreBuffers(state, "m", momentum); err != nil {
		return err
	}
	if err := restoreBuffers(state, "v", variance); err != nil {
		return err
	}

	p := state.Parameters
	adam.config.LearningRate = extractParam(p, "learning_rate", adam.config.LearningRate)
	adam.config.Beta1 = extractParam(p, "beta1", adam.config.Beta1)
	adam.config.Beta2 = extractParam(p, "beta2", adam.config.Beta2)
	adam.config.Epsilon = extractParam(p, "epsilon", adam.config.Epsilon)
	adam.config.WeightDecay = extractParam(p, "weight_decay", adam.config.WeightDecay)
	adam.stepCount = uint64(extractParam(p, "step_count", 0))
	adam.momentum = momentum
	adam.variance = variance
	return nil
}

// GetStepCount returns the current optimization step number
func (adam *Adam) GetStepCount() uint64 {
	return adam.stepCount
}

// UpdateLearningRate updates the learning rate
func (adam *Adam) UpdateLearningRate(lr float64) {
	adam.config.LearningRate = lr
}

// LearningRate returns the current learning rate
func (adam *Adam) LearningRate() float64 {
	return adam.config.LearningRate
}
