package checkpoints

import (
	"math"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsawler/go-trainer/layers"
	"google.golang.org/protobuf/encoding/protowire"
)

func testCheckpoint(t *testing.T) *Checkpoint {
	t.Helper()

	spec, err := layers.NewModelBuilder([]int{1, 3, 4, 4}).
		AddConv2D(2, 3, 1, 1, true, "conv1").
		AddReLU("relu1").
		AddDense(2, true, "output").
		Compile()
	require.NoError(t, err)

	return &Checkpoint{
		ModelSpec: spec,
		Weights: []WeightTensor{
			{Name: "conv1.weight", Shape: []int{2, 3, 3, 3}, Data: make([]float64, 54), Layer: "conv1", Type: "weight"},
			{Name: "conv1.bias", Shape: []int{2}, Data: []float64{0.5, -0.25}, Layer: "conv1", Type: "bias"},
		},
		TrainingState: TrainingState{
			Epoch:        10,
			Step:         1000,
			LearningRate: 0.001,
			BestLoss:     0.5,
			BestAccuracy: 0.85,
			TotalSteps:   1000,
		},
		OptimizerState: &OptimizerState{
			Type:       "Adam",
			Parameters: map[string]float64{"learning_rate": 0.001, "beta1": 0.9, "step_count": 12},
			StateData: []OptimizerTensor{
				{Name: "m_0", Shape: []int{54}, Data: make([]float64, 54), StateType: "m"},
				{Name: "v_0", Shape: []int{54}, Data: make([]float64, 54), StateType: "v"},
			},
		},
		Metadata: CheckpointMetadata{
			Version:     Version,
			Framework:   Framework,
			CreatedAt:   time.Unix(1700000000, 123),
			RunID:       "run_test",
			Description: "Test checkpoint",
			Tags:        []string{"test", "xray"},
		},
	}
}

func TestCheckpointFormatString(t *testing.T) {
	assert.Equal(t, "JSON", FormatJSON.String())
	assert.Equal(t, "Proto", FormatProto.String())
	assert.Equal(t, "Unknown", CheckpointFormat(99).String())
	assert.Equal(t, ".json", FormatJSON.Extension())
	assert.Equal(t, ".pb", FormatProto.Extension())
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in       string
		expected CheckpointFormat
		wantErr  bool
	}{
		{"json", FormatJSON, false},
		{"", FormatJSON, false},
		{"JSON", FormatJSON, false},
		{"proto", FormatProto, false},
		{"pb", FormatProto, false},
		{"onnx", FormatJSON, true},
	}

	for _, test := range tests {
		got, err := ParseFormat(test.in)
		if test.wantErr {
			assert.Error(t, err, test.in)
			continue
		}
		require.NoError(t, err, test.in)
		assert.Equal(t, test.expected, got, test.in)
	}
}

func TestCheckpointSaveLoad(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatJSON, FormatProto} {
		t.Run(format.String(), func(t *testing.T) {
			fs := afero.NewMemMapFs()
			saver := NewCheckpointSaver(format, fs)
			checkpoint := testCheckpoint(t)
			for i := range checkpoint.Weights[0].Data {
				checkpoint.Weights[0].Data[i] = float64(i%7) * 0.01
			}
			checkpoint.OptimizerState.StateData[1].Data[3] = 1e-9

			path := "/runs/r1/best_checkpoint" + format.Extension()
			require.NoError(t, saver.SaveCheckpoint(checkpoint, path))

			loaded, err := saver.LoadCheckpoint(path)
			require.NoError(t, err)

			assert.Equal(t, checkpoint.Weights, loaded.Weights)
			assert.Equal(t, checkpoint.TrainingState, loaded.TrainingState)
			assert.Equal(t, checkpoint.OptimizerState, loaded.OptimizerState)
			assert.Equal(t, checkpoint.Metadata.RunID, loaded.Metadata.RunID)
			assert.Equal(t, checkpoint.Metadata.Tags, loaded.Metadata.Tags)
			assert.True(t, checkpoint.Metadata.CreatedAt.Equal(loaded.Metadata.CreatedAt))

			require.NotNil(t, loaded.ModelSpec)
			assert.Equal(t, checkpoint.ModelSpec.TotalParameters, loaded.ModelSpec.TotalParameters)
			assert.Equal(t, checkpoint.ModelSpec.OutputShape, loaded.ModelSpec.OutputShape)

			exists, err := afero.Exists(fs, path+".tmp")
			require.NoError(t, err)
			assert.False(t, exists, "temp file must be renamed away")
		})
	}
}

func TestSaveCheckpointOverwrites(t *testing.T) {
	fs := afero.NewMemMapFs()
	saver := NewCheckpointSaver(FormatProto, fs)
	path := "/run/best_checkpoint.pb"

	first := testCheckpoint(t)
	first.TrainingState.Epoch = 1
	require.NoError(t, saver.SaveCheckpoint(first, path))

	second := testCheckpoint(t)
	second.TrainingState.Epoch = 7
	require.NoError(t, saver.SaveCheckpoint(second, path))

	loaded, err := saver.LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.TrainingState.Epoch)

	files, err := afero.ReadDir(fs, "/run")
	require.NoError(t, err)
	assert.Len(t, files, 1, "only the single best snapshot persists")
}

func TestSaveCheckpointStampsMetadata(t *testing.T) {
	fs := afero.NewMemMapFs()
	saver := NewCheckpointSaver(FormatJSON, fs)
	checkpoint := testCheckpoint(t)
	checkpoint.Metadata = CheckpointMetadata{}

	require.NoError(t, saver.SaveCheckpoint(checkpoint, "/c.json"))
	assert.Equal(t, Framework, checkpoint.Metadata.Framework)
	assert.Equal(t, Version, checkpoint.Metadata.Version)
	assert.False(t, checkpoint.Metadata.CreatedAt.IsZero())
}

func TestJSONRejectsNonFinite(t *testing.T) {
	saver := NewCheckpointSaver(FormatJSON, afero.NewMemMapFs())
	checkpoint := testCheckpoint(t)
	checkpoint.TrainingState.BestLoss = math.Inf(1)

	require.Error(t, saver.SaveCheckpoint(checkpoint, "/c.json"))

	// The wire format carries IEEE doubles verbatim.
	proto := NewCheckpointSaver(FormatProto, afero.NewMemMapFs())
	require.NoError(t, proto.SaveCheckpoint(checkpoint, "/c.pb"))
	loaded, err := proto.LoadCheckpoint("/c.pb")
	require.NoError(t, err)
	assert.True(t, math.IsInf(loaded.TrainingState.BestLoss, 1))
}

func TestLoadCheckpointErrors(t *testing.T) {
	fs := afero.NewMemMapFs()

	_, err := NewCheckpointSaver(FormatJSON, fs).LoadCheckpoint("/missing.json")
	require.Error(t, err)

	require.NoError(t, afero.WriteFile(fs, "/bad.json", []byte("{not json"), 0644))
	_, err = NewCheckpointSaver(FormatJSON, fs).LoadCheckpoint("/bad.json")
	require.Error(t, err)

	data, err := MarshalProto(testCheckpoint(t))
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, "/short.pb", data[:len(data)/2], 0644))
	_, err = NewCheckpointSaver(FormatProto, fs).LoadCheckpoint("/short.pb")
	require.Error(t, err)
}

func TestUnmarshalProtoSkipsUnknownFields(t *testing.T) {
	data, err := MarshalProto(testCheckpoint(t))
	require.NoError(t, err)

	data = protowire.AppendTag(data, 99, protowire.VarintType)
	data = protowire.AppendVarint(data, 42)

	loaded, err := UnmarshalProto(data)
	require.NoError(t, err)
	assert.Equal(t, 10, loaded.TrainingState.Epoch)
}

func TestUnmarshalProtoWrongWireType(t *testing.T) {
	var data []byte
	data = protowire.AppendTag(data, fieldTrainingState, protowire.VarintType)
	data = protowire.AppendVarint(data, 1)

	_, err := UnmarshalProto(data)
	require.Error(t, err)
}

func TestExtractAndLoadWeights(t *testing.T) {
	model, err := layers.NewSimpleCNN(2, 8, 1)
	require.NoError(t, err)
	other, err := layers.NewSimpleCNN(2, 8, 2)
	require.NoError(t, err)

	weights := ExtractWeights(model.Parameters())
	require.Len(t, weights, len(model.Parameters()))
	assert.Equal(t, "conv1.weight", weights[0].Name)
	assert.Equal(t, "conv1", weights[0].Layer)
	assert.Equal(t, "weight", weights[0].Type)

	// Extraction is a snapshot, not a view.
	model.Parameters()[0].Value.Data[0] += 1
	assert.NotEqual(t, model.Parameters()[0].Value.Data[0], weights[0].Data[0])

	require.NoError(t, LoadWeights(weights, other.Parameters()))
	for i, p := range other.Parameters() {
		assert.Equal(t, weights[i].Data, p.Value.Data, p.Name)
	}
}

func TestLoadWeightsMismatch(t *testing.T) {
	model, err := layers.NewSimpleCNN(2, 8, 1)
	require.NoError(t, err)
	params := model.Parameters()

	t.Run("Count", func(t *testing.T) {
		weights := ExtractWeights(params)
		require.Error(t, LoadWeights(weights[:1], params))
	})

	t.Run("Name", func(t *testing.T) {
		weights := ExtractWeights(params)
		weights[0].Name = "nope.weight"
		require.Error(t, LoadWeights(weights, params))
	})

	t.Run("Shape", func(t *testing.T) {
		weights := ExtractWeights(params)
		weights[0].Shape = []int{1, 2, 3, 4}
		require.Error(t, LoadWeights(weights, params))
	})

	t.Run("NoPartialWrite", func(t *testing.T) {
		weights := ExtractWeights(params)
		before := params[0].Value.Data[0]
		weights[0].Data[0] = before + 100
		weights[len(weights)-1].Shape = []int{99}
		require.Error(t, LoadWeights(weights, params))
		assert.Equal(t, before, params[0].Value.Data[0])
	})
}
