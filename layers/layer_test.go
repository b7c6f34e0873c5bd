package layers

import (
	"encoding/json"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsawler/go-trainer/tensor"
)

func TestLayerTypeString(t *testing.T) {
	tests := []struct {
		layerType LayerType
		expected  string
	}{
		{Dense, "Dense"},
		{Conv2D, "Conv2D"},
		{ReLU, "ReLU"},
		{MaxPool2D, "MaxPool2D"},
		{Dropout, "Dropout"},
		{LayerType(999), "Unknown"},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, test.layerType.String())
	}
}

func TestModelBuilderCompile(t *testing.T) {
	spec, err := NewModelBuilder([]int{4, 3, 8, 8}).
		AddConv2D(6, 3, 1, 1, true, "conv1").
		AddReLU("relu1").
		AddMaxPool2D(2, 2, "pool1").
		AddDense(5, true, "fc1").
		Compile()
	require.NoError(t, err)

	assert.True(t, spec.Compiled)
	assert.Equal(t, []int{4, 6, 8, 8}, spec.Layers[0].OutputShape)
	assert.Equal(t, []int{4, 6, 4, 4}, spec.Layers[2].OutputShape)
	assert.Equal(t, []int{4, 5}, spec.OutputShape)

	// conv: 6*3*3*3 + 6, dense: 96*5 + 5
	assert.Equal(t, int64(6*3*3*3+6+96*5+5), spec.TotalParameters)
	assert.Equal(t, 96, spec.Layers[3].Parameters["input_size"])
}

func TestModelBuilderErrors(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		_, err := NewModelBuilder([]int{1, 3, 8, 8}).Compile()
		require.Error(t, err)
	})

	t.Run("BadInputRank", func(t *testing.T) {
		_, err := NewModelBuilder([]int{1, 8}).AddDense(2, true, "fc").Compile()
		require.Error(t, err)
	})

	t.Run("DuplicateName", func(t *testing.T) {
		_, err := NewModelBuilder([]int{1, 3, 8, 8}).
			AddReLU("a").
			AddReLU("a").
			Compile()
		require.Error(t, err)
	})

	t.Run("KernelTooLarge", func(t *testing.T) {
		_, err := NewModelBuilder([]int{1, 3, 2, 2}).AddConv2D(4, 5, 1, 0, true, "conv").Compile()
		require.Error(t, err)
	})

	t.Run("BadDropoutRate", func(t *testing.T) {
		_, err := NewModelBuilder([]int{1, 3, 4, 4}).AddDropout(1.0, "drop").Compile()
		require.Error(t, err)
	})
}

func TestSpecSurvivesJSON(t *testing.T) {
	spec, err := NewModelBuilder([]int{1, 3, 8, 8}).
		AddConv2D(4, 3, 1, 1, true, "conv1").
		AddDense(2, false, "fc").
		Compile()
	require.NoError(t, err)

	data, err := json.Marshal(spec)
	require.NoError(t, err)

	var decoded ModelSpec
	require.NoError(t, json.Unmarshal(data, &decoded))

	model, err := NewSequential(&decoded, 1)
	require.NoError(t, err)
	require.Len(t, model.Parameters(), 3)
	assert.Equal(t, "fc.weight", model.Parameters()[2].Name)
}

func TestSimpleCNNForwardShape(t *testing.T) {
	model, err := NewSimpleCNN(3, 16, 42)
	require.NoError(t, err)

	x := tensor.Zeros(5, 3, 16, 16)
	out, err := model.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 3}, out.Shape)

	_, err = model.Forward(tensor.Zeros(5, 3, 8, 8))
	require.Error(t, err)

	_, err = NewSimpleCNN(1, 16, 42)
	require.Error(t, err)
	_, err = NewSimpleCNN(2, 10, 42)
	require.Error(t, err)
}

func TestSequentialDeterministicInit(t *testing.T) {
	a, err := NewSimpleCNN(2, 8, 7)
	require.NoError(t, err)
	b, err := NewSimpleCNN(2, 8, 7)
	require.NoError(t, err)

	for i, p := range a.Parameters() {
		assert.Equal(t, p.Value.Data, b.Parameters()[i].Value.Data, p.Name)
	}
}

func TestBackwardBeforeForward(t *testing.T) {
	model, err := NewSimpleCNN(2, 8, 7)
	require.NoError(t, err)
	require.Error(t, model.Backward(tensor.Zeros(1, 2)))
}

func TestDropoutModes(t *testing.T) {
	l := &dropoutLayer{rate: 0.5, rng: rand.New(rand.NewSource(3))}
	x := tensor.Zeros(1, 1000)
	x.Fill(1)

	out, err := l.forward(x, false)
	require.NoError(t, err)
	assert.Equal(t, x.Data, out.Data, "eval mode must be the identity")

	out, err = l.forward(x, true)
	require.NoError(t, err)
	zeros := 0
	for _, v := range out.Data {
		if v == 0 {
			zeros++
		} else {
			assert.Equal(t, 2.0, v)
		}
	}
	assert.InDelta(t, 500, zeros, 80)
}

// lossOf is a fixed linear functional of the model output, so its gradient
// w.r.t. the output is r.
func lossOf(t *testing.T, model Model, x *tensor.Tensor, r []float64) float64 {
	out, err := model.Forward(x)
	require.NoError(t, err)
	sum := 0.0
	for i, v := range out.Data {
		sum += v * r[i]
	}
	return sum
}

func TestGradientsMatchFiniteDifferences(t *testing.T) {
	spec, err := NewModelBuilder([]int{2, 2, 6, 6}).
		AddConv2D(3, 3, 1, 1, true, "conv1").
		AddReLU("relu1").
		AddMaxPool2D(2, 2, "pool1").
		AddConv2D(2, 2, 1, 0, true, "conv2").
		AddDense(3, true, "fc1").
		Compile()
	require.NoError(t, err)

	model, err := NewSequential(spec, 11)
	require.NoError(t, err)
	model.SetTraining(false)

	rng := rand.New(rand.NewSource(5))
	x := tensor.Zeros(2, 2, 6, 6)
	for i := range x.Data {
		x.Data[i] = rng.NormFloat64()
	}
	r := make([]float64, 2*3)
	for i := range r {
		r[i] = rng.NormFloat64()
	}

	lossOf(t, model, x, r)
	grad, err := tensor.New([]int{2, 3}, append([]float64(nil), r...))
	require.NoError(t, err)
	require.NoError(t, model.Backward(grad))

	const eps = 1e-6
	for _, p := range model.Parameters() {
		for _, i := range []int{0, len(p.Value.Data) / 2, len(p.Value.Data) - 1} {
			orig := p.Value.Data[i]
			p.Value.Data[i] = orig + eps
			plus := lossOf(t, model, x, r)
			p.Value.Data[i] = orig - eps
			minus := lossOf(t, model, x, r)
			p.Value.Data[i] = orig

			numeric := (plus - minus) / (2 * eps)
			analytic := p.Grad.Data[i]
			tol := 1e-4 * math.Max(1, math.Abs(numeric))
			assert.InDelta(t, numeric, analytic, tol, "%s[%d]", p.Name, i)
		}
	}
}
