package optimizer

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/tsawler/go-trainer/checkpoints"
	"github.com/tsawler/go-trainer/layers"
)

// Optimizer defines the common interface for all optimizers.
// It owns the parameter list it was constructed with.
type Optimizer interface {
	// Step applies the accumulated gradients to the parameters
	Step() error

	// ZeroGrad clears the accumulated gradients
	ZeroGrad()

	// GetState extracts optimizer state for checkpointing
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores optimizer state from a checkpoint
	LoadState(state *checkpoints.OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float64)

	// LearningRate returns the current learning rate
	LearningRate() float64
}

// New constructs an optimizer by name ("adam", "sgd", "rmsprop") with
// default hyperparameters and the given learning rate.
func New(name string, params []*layers.Parameter, lr float64) (Optimizer, error) {
	switch strings.ToLower(name) {
	case "adam":
		config := DefaultAdamConfig()
		config.LearningRate = lr
		return NewAdam(config, params)
	case "sgd":
		config := DefaultSGDConfig()
		config.LearningRate = lr
		return NewSGD(config, params)
	case "rmsprop":
		config := DefaultRMSPropConfig()
		config.LearningRate = lr
		return NewRMSProp(config, params)
	default:
		return nil, errors.Errorf("unknown optimizer %q", name)
	}
}

// zeroGrad clears every parameter's gradient
func zeroGrad(params []*layers.Parameter) {
	for _, p := range params {
		p.Grad.Fill(0)
	}
}

func validateParams(params []*layers.Parameter) error {
	if len(params) == 0 {
		return errors.New("no parameters provided")
	}
	for _, p := range params {
		if p == nil || p.Value == nil || p.Grad == nil {
			return errors.New("parameter without value or gradient")
		}
	}
	return nil
}

// newBuffers allocates one zeroed buffer per parameter
func newBuffers(params []*layers.Parameter) [][]float64 {
	buffers := make([][]float64, len(params))
	for i, p := range params {
		buffers[i] = make([]float64, len(p.Value.Data))
	}
	return buffers
}

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "m_1", "square_avg_0"
func extractBufferIndex(name string) int {
	lastUnderscoreIdx := strings.LastIndexByte(name, '_')
	if lastUnderscoreIdx == -1 {
		return -1
	}

	var idx int
	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return errors.New("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return errors.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

// extractBufferState snapshots one state buffer
func extractBufferState(buffer []float64, name, stateType string) checkpoints.OptimizerTensor {
	data := make([]float64, len(buffer))
	copy(data, buffer)
	return checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     []int{len(data)},
		Data:      data,
		StateType: stateType,
	}
}

// restoreBuffers copies state tensors of the given type back into buffers.
// Every buffer must be restored exactly once.
func restoreBuffers(state *checkpoints.OptimizerState, stateType string, buffers [][]float64) error {
	restored := make([]bool, len(buffers))
	for _, t := range state.StateData {
		if t.StateType != stateType {
			continue
		}
		idx := extractBufferIndex(t.Name)
		if idx < 0 || idx >= len(buffers) {
			return errors.Errorf("invalid %s buffer index in %q", stateType, t.Name)
		}
		if len(t.Data) != len(buffers[idx]) {
			return errors.Errorf("data size mismatch for %s: expected %d elements, got %d",
				t.Name, len(buffers[idx]), len(t.Data))
		}
		copy(buffers[idx], t.Data)
		restored[idx] = true
	}
	for i, ok := range restored {
		if !ok {
			return errors.Errorf("missing %s state for buffer %d", stateType, i)
		}
	}
	return nil
}

// extractParam reads a hyperparameter from a state map
func extractParam(params map[string]float64, key string, defaultValue float64) float64 {
	if val, ok := params[key]; ok {
		return val
	}
	return defaultValue
}
