package optimizer

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/tsawler/go-trainer/checkpoints"
	"github.com/tsawler/go-trainer/layers"
)

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float64
	Alpha        float64 // Smoothing constant (typically 0.99)
	Epsilon      float64
	WeightDecay  float64
	Momentum     float64 // 0 disables momentum
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
	}
}

// RMSProp scales each step by a running average of squared gradients
type RMSProp struct {
	config RMSPropConfig
	params []*layers.Parameter

	squareAvg [][]float64
	momentum  [][]float64

	stepCount uint64
}

// NewRMSProp creates a new RMSProp optimizer over params
func NewRMSProp(config RMSPropConfig, params []*layers.Parameter) (*RMSProp, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}
	if config.LearningRate <= 0 {
		return nil, errors.Errorf("learning rate must be positive, got %v", config.LearningRate)
	}
	if config.Alpha <= 0 || config.Alpha >= 1 {
		return nil, errors.Errorf("alpha must be in (0, 1), got %v", config.Alpha)
	}

	return &RMSProp{
		config:    config,
		params:    params,
		squareAvg: newBuffers(params),
		momentum:  newBuffers(params),
	}, nil
}

// Step performs a single optimization step
func (r *RMSProp) Step() error {
	r.stepCount++
	c := r.config

	for i, p := range r.params {
		sq := r.squareAvg[i]
		buf := r.momentum[i]
		w := p.Value.Data
		for j, g := range p.Grad.Data {
			if c.WeightDecay != 0 {
				g += c.WeightDecay * w[j]
			}
			sq[j] = c.Alpha*sq[j] + (1-c.Alpha)*g*g
			update := g / (math.Sqrt(sq[j]) + c.Epsilon)
			if c.Momentum != 0 {
				buf[j] = c.Momentum*buf[j] + update
				update = buf[j]
			}
			w[j] -= c.LearningRate * update
		}
	}
	return nil
}

// ZeroGrad clears parameter gradients
func (r *RMSProp) ZeroGrad() {
	zeroGrad(r.params)
}

// GetState extracts optimizer state for checkpointing
func (r *RMSProp) GetState() (*checkpoints.OptimizerState, error) {
	state := &checkpoints.OptimizerState{
		Type: "RMSProp",
		Parameters: map[string]float64{
			"learning_rate": r.config.LearningRate,
			"alpha":         r.config.Alpha,
			"epsilon":       r.config.Epsilon,
			"weight_decay":  r.config.WeightDecay,
			"momentum":      r.config.Momentum,
			"step_count":    float64(r.stepCount),
		},
	}

	for i := range r.params {
		state.StateData = append(state.StateData,
			extractBufferState(r.squareAvg[i], fmt.Sprintf("square_avg_%d", i), "square_avg"),
			extractBufferState(r.momentum[i], fmt.Sprintf("momentum_%d", i), "momentum"),
		)
	}
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (r *RMSProp) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("RMSProp", state); err != nil {
		return err
	}

	squareAvg := newBuffers(r.params)
	momentum := newBuffers(r.params)
	if err := restoreBuffers(state, "square_avg", squareAvg); err != nil {
		return err
	}
	if err := restoreBuffers(state, "momentum", momentum); err != nil {
		return err
	}

	p := state.Parameters
	r.config.LearningRate = extractParam(p, "learning_rate", r.config.LearningRate)
	r.config.Alpha = extractParam(p, "alpha", r.config.Alpha)
	r.config.Epsilon = extractParam(p, "epsilon", r.config.Epsilon)
	r.config.WeightDecay = extractParam(p, "weight_decay", r.config.WeightDecay)
	r.config.Momentum = extractParam(p, "momentum", r.config.Momentum)
	r.stepCount = uint64(extractParam(p, "step_count", 0))
	r.squareAvg = squareAvg
	r.momentum = momentum
	return nil
}

// GetStepCount returns the current optimization step number
func (r *RMSProp) GetStepCount() uint64 {
	return r.stepCount
}

// UpdateLearningRate updates the learning rate
func (r *RMSProp) UpdateLearningRate(lr float64) {
	r.config.LearningRate = lr
}

// LearningRate returns the current learning rate
func (r *RMSProp) LearningRate() float64 {
	return r.config.LearningRate
}
