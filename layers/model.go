package layers

import (
	"math/rand"

	"github.com/pkg/errors"
	"github.com/tsawler/go-trainer/tensor"
)

// Model is a trainable network: a function from a batch of images to a
// batch of class scores, with a train/eval mode toggle.
type Model interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	// Backward propagates the loss gradient w.r.t. the last Forward output
	// and accumulates parameter gradients.
	Backward(grad *tensor.Tensor) error
	Parameters() []*Parameter
	SetTraining(training bool)
	IsTraining() bool
	// InputShape is [batch, channels, height, width]; the batch entry is nominal.
	InputShape() []int
	Spec() *ModelSpec
}

// Sequential executes a compiled ModelSpec layer by layer on the CPU
type Sequential struct {
	spec     *ModelSpec
	layers   []layer
	training bool
}

// NewSequential instantiates a compiled spec with weights drawn from seed
func NewSequential(spec *ModelSpec, seed int64) (*Sequential, error) {
	if spec == nil || !spec.Compiled {
		return nil, errors.New("model spec must be compiled")
	}

	rng := rand.New(rand.NewSource(seed))
	model := &Sequential{spec: spec, training: true}

	for _, ls := range spec.Layers {
		var (
			l   layer
			err error
		)
		switch ls.Type {
		case Dense:
			l, err = newDenseLayer(ls, rng)
		case Conv2D:
			l, err = newConv2DLayer(ls, rng)
		case ReLU:
			l = &reluLayer{}
		case MaxPool2D:
			size, _ := ls.IntParam("pool_size", 2)
			stride, _ := ls.IntParam("stride", size)
			l = &maxPool2DLayer{size: size, stride: stride}
		case Dropout:
			l = &dropoutLayer{rate: ls.FloatParam("rate", 0), rng: rand.New(rand.NewSource(rng.Int63()))}
		default:
			err = errors.Errorf("unsupported layer type: %s", ls.Type)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "layer %s", ls.Name)
		}
		model.layers = append(model.layers, l)
	}

	return model, nil
}

// NewSimpleCNN builds the default two-block convolutional classifier for
// square RGB images.
func NewSimpleCNN(numClasses, imageSize int, seed int64) (*Sequential, error) {
	if numClasses < 2 {
		return nil, errors.Errorf("need at least 2 classes, got %d", numClasses)
	}
	if imageSize < 4 || imageSize%4 != 0 {
		return nil, errors.Errorf("image size must be a positive multiple of 4, got %d", imageSize)
	}

	spec, err := NewModelBuilder([]int{1, 3, imageSize, imageSize}).
		AddConv2D(8, 3, 1, 1, true, "conv1").
		AddReLU("relu1").
		AddMaxPool2D(2, 2, "pool1").
		AddConv2D(16, 3, 1, 1, true, "conv2").
		AddReLU("relu2").
		AddMaxPool2D(2, 2, "pool2").
		AddDense(32, true, "fc1").
		AddReLU("relu3").
		AddDropout(0.25, "drop1").
		AddDense(numClasses, true, "fc2").
		Compile()
	if err != nil {
		return nil, err
	}
	return NewSequential(spec, seed)
}

// Forward runs the batch through every layer
func (m *Sequential) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	want := m.spec.InputShape
	if x.Rank() != len(want) || !tensor.SameShape(x.Shape[1:], want[1:]) {
		return nil, errors.Errorf("input shape %v does not match model input [N %v]", x.Shape, want[1:])
	}

	out := x
	for i, l := range m.layers {
		var err error
		out, err = l.forward(out, m.training)
		if err != nil {
			return nil, errors.Wrapf(err, "forward through %s", m.spec.Layers[i].Name)
		}
	}
	return out, nil
}

// Backward propagates grad from the output back to the first layer
func (m *Sequential) Backward(grad *tensor.Tensor) error {
	g := grad
	for i := len(m.layers) - 1; i >= 0; i-- {
		var err error
		g, err = m.layers[i].backward(g)
		if err != nil {
			return errors.Wrapf(err, "backward through %s", m.spec.Layers[i].Name)
		}
	}
	return nil
}

// Parameters returns all learnable parameters in layer order
func (m *Sequential) Parameters() []*Parameter {
	var params []*Parameter
	for _, l := range m.layers {
		params = append(params, l.params()...)
	}
	return params
}

func (m *Sequential) SetTraining(training bool) { m.training = training }

func (m *Sequential) IsTraining() bool { return m.training }

func (m *Sequential) InputShape() []int { return append([]int(nil), m.spec.InputShape...) }

func (m *Sequential) Spec() *ModelSpec { return m.spec }
