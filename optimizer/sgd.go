package optimizer

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/tsawler/go-trainer/checkpoints"
	"github.com/tsawler/go-trainer/layers"
)

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64 // 0 disables momentum
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.9,
	}
}

// SGD implements stochastic gradient descent with optional (Nesterov) momentum
type SGD struct {
	config SGDConfig
	params []*layers.Parameter

	momentum [][]float64

	stepCount uint64
}

// NewSGD creates a new SGD optimizer over params
func NewSGD(config SGDConfig, params []*layers.Parameter) (*SGD, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}
	if config.LearningRate <= 0 {
		return nil, errors.Errorf("learning rate must be positive, got %v", config.LearningRate)
	}
	if config.Nesterov && config.Momentum <= 0 {
		return nil, errors.New("nesterov momentum requires a positive momentum")
	}

	return &SGD{
		config:   config,
		params:   params,
		momentum: newBuffers(params),
	}, nil
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.stepCount++
	c := sgd.config

	for i, p := range sgd.params {
		buf := sgd.momentum[i]
		w := p.Value.Data
		for j, g := range p.Grad.Data {
			if c.WeightDecay != 0 {
				g += c.WeightDecay * w[j]
			}
			if c.Momentum != 0 {
				buf[j] = c.Momentum*buf[j] + g
				if c.Nesterov {
					g += c.Momentum * buf[j]
				} else {
					g = buf[j]
				}
			}
			w[j] -= c.LearningRate * g
		}
	}
	return nil
}

// ZeroGrad clears parameter gradients
func (sgd *SGD) ZeroGrad() {
	zeroGrad(sgd.params)
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGD) GetState() (*checkpoints.OptimizerState, error) {
	nesterov := 0.0
	if sgd.config.Nesterov {
		nesterov = 1
	}

	state := &checkpoints.OptimizerState{
		Type: "SGD",
		Parameters: map[string]float64{
			"learning_rate": sgd.config.LearningRate,
			"momentum":      sgd.config.Momentum,
			"weight_decay":  sgd.config.WeightDecay,
			"nesterov":      nesterov,
			"step_count":    float64(sgd.stepCount),
		},
	}

	for i := range sgd.params {
		state.StateData = append(state.StateData,
			extractBufferState(sgd.momentum[i], fmt.Sprintf("momentum_%d", i), "momentum"))
	}
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGD) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	momentum := newBuffers(sgd.params)
	if err := restoreBuffers(state, "momentum", momentum); err != nil {
		return err
	}

	p := state.Parameters
	sgd.config.LearningRate = extractParam(p, "learning_rate", sgd.config.LearningRate)
	sgd.config.Momentum = extractParam(p, "momentum", sgd.config.Momentum)
	sgd.config.WeightDecay = extractParam(p, "weight_decay", sgd.config.WeightDecay)
	sgd.config.Nesterov = extractParam(p, "nesterov", 0) != 0
	sgd.stepCount = uint64(extractParam(p, "step_count", 0))
	sgd.momentum = momentum
	return nil
}

// GetStepCount returns the current optimization step number
func (sgd *SGD) GetStepCount() uint64 {
	return sgd.stepCount
}

// UpdateLearningRate updates the learning rate
func (sgd *SGD) UpdateLearningRate(lr float64) {
	sgd.config.LearningRate = lr
}

// LearningRate returns the current learning rate
func (sgd *SGD) LearningRate() float64 {
	return sgd.config.LearningRate
}
