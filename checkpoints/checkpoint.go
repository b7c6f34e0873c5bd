package checkpoints

import (
	"bytes"
	"encoding/json"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/tsawler/go-trainer/layers"
)

// Framework and Version are stamped into checkpoint metadata
const (
	Framework = "go-trainer"
	Version   = "1.0.0"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// Extension returns the file extension used for the format
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatProto:
		return ".pb"
	default:
		return ".json"
	}
}

// ParseFormat maps "json" or "proto" (case-insensitive) to a format
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(s) {
	case "json", "":
		return FormatJSON, nil
	case "proto", "pb", "protobuf":
		return FormatProto, nil
	default:
		return FormatJSON, errors.Errorf("unknown checkpoint format %q", s)
	}
}

// Checkpoint represents a complete model state including weights, optimizer state, and training metadata
type Checkpoint struct {
	// Model architecture and weights
	ModelSpec *layers.ModelSpec `json:"model_spec"`
	Weights   []WeightTensor    `json:"weights"`

	TrainingState TrainingState `json:"training_state"`

	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias"
}

// TrainingState captures the training progress at the time of the snapshot
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float64 `json:"learning_rate"`
	BestLoss     float64 `json:"best_loss"`
	BestAccuracy float64 `json:"best_accuracy"`
	TotalSteps   int     `json:"total_steps"`
}

// OptimizerState captures optimizer-specific state (moments, momentum, etc.)
type OptimizerState struct {
	Type       string             `json:"type"` // "SGD", "Adam"
	Parameters map[string]float64 `json:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// OptimizerTensor represents one optimizer state tensor
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float64 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "m", "v"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	RunID       string    `json:"run_id,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
	fs     afero.Fs
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format.
// A nil fs means the OS file system.
func NewCheckpointSaver(format CheckpointFormat, fs afero.Fs) *CheckpointSaver {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &CheckpointSaver{
		format: format,
		fs:     fs,
	}
}

// Format returns the saver's serialization format
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint serializes checkpoint and replaces whatever is at path.
// The data is written to a sibling temp file first and renamed into place.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = Framework
		checkpoint.Metadata.Version = Version
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	var (
		data []byte
		err  error
	)
	switch cs.format {
	case FormatJSON:
		data, err = encodeJSON(checkpoint)
	case FormatProto:
		data, err = MarshalProto(checkpoint)
	default:
		return errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	if err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}

	if err := cs.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "failed to create checkpoint directory")
	}

	tmp := path + ".tmp"
	if err := afero.WriteFile(cs.fs, tmp, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write checkpoint file")
	}
	if err := cs.fs.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "failed to move checkpoint into place")
	}
	return nil
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := afero.ReadFile(cs.fs, path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}

	switch cs.format {
	case FormatJSON:
		var checkpoint Checkpoint
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			return nil, errors.Wrap(err, "failed to decode checkpoint")
		}
		return &checkpoint, nil
	case FormatProto:
		checkpoint, err := UnmarshalProto(data)
		if err != nil {
			return nil, errors.Wrap(err, "failed to decode checkpoint")
		}
		return checkpoint, nil
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
}

func encodeJSON(checkpoint *Checkpoint) ([]byte, error) {
	ts := checkpoint.TrainingState
	for _, v := range []float64{ts.LearningRate, ts.BestLoss, ts.BestAccuracy} {
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return nil, errors.Errorf("training state holds non-finite value %v", v)
		}
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(checkpoint); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ExtractWeights snapshots model parameters in layer order
func ExtractWeights(params []*layers.Parameter) []WeightTensor {
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		data := make([]float64, len(p.Value.Data))
		copy(data, p.Value.Data)
		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Value.Shape...),
			Data:  data,
			Layer: p.Layer,
			Type:  p.Type,
		})
	}
	return weights
}

// LoadWeights copies weight data back into model parameters, matched by name
func LoadWeights(weights []WeightTensor, params []*layers.Parameter) error {
	if len(weights) != len(params) {
		return errors.Errorf("weight count mismatch: %d weights, %d parameters", len(weights), len(params))
	}

	weightMap := make(map[string]WeightTensor, len(weights))
	for _, weight := range weights {
		weightMap[weight.Name] = weight
	}

	for _, p := range params {
		weight, ok := weightMap[p.Name]
		if !ok {
			return errors.Errorf("checkpoint has no weights for %s", p.Name)
		}

		if len(weight.Shape) != len(p.Value.Shape) {
			return errors.Errorf("shape mismatch for weight %s: parameter %v vs weight %v",
				weight.Name, p.Value.Shape, weight.Shape)
		}
		for j, dim := range p.Value.Shape {
			if dim != weight.Shape[j] {
				return errors.Errorf("dimension mismatch for weight %s at index %d: parameter %d vs weight %d",
					weight.Name, j, dim, weight.Shape[j])
			}
		}
		if len(weight.Data) != len(p.Value.Data) {
			return errors.Errorf("data length mismatch for weight %s", weight.Name)
		}
	}

	for _, p := range params {
		copy(p.Value.Data, weightMap[p.Name].Data)
	}
	return nil
}
