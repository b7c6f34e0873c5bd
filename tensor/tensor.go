package tensor

import (
	"fmt"

	"github.com/pkg/errors"
)

// DeviceType identifies where a tensor's data lives
type DeviceType int

const (
	CPU DeviceType = iota
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	default:
		return "Unknown"
	}
}

// Tensor is a dense row-major float64 tensor
type Tensor struct {
	Shape    []int
	Strides  []int
	Device   DeviceType
	Data     []float64
	NumElems int
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, device=%s, elements=%d)", t.Shape, t.Device, t.NumElems)
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return errors.New("invalid shape: no dimensions")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return errors.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

// New wraps data in a tensor of the given shape. A nil data slice allocates zeros.
func New(shape []int, data []float64) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float64, numElems)
	}
	if len(data) != numElems {
		return nil, errors.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	return &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		Device:   CPU,
		Data:     data,
		NumElems: numElems,
	}, nil
}

// Zeros allocates a zero-filled tensor
func Zeros(shape ...int) *Tensor {
	t, err := New(shape, nil)
	if err != nil {
		panic(err)
	}
	return t
}

// ZerosLike allocates a zero-filled tensor with the shape of t
func ZerosLike(t *Tensor) *Tensor {
	return Zeros(t.Shape...)
}

// Dim returns the size of dimension i
func (t *Tensor) Dim(i int) int {
	return t.Shape[i]
}

// Rank returns the number of dimensions
func (t *Tensor) Rank() int {
	return len(t.Shape)
}

// Row returns a slice view over the i-th entry of the leading dimension
func (t *Tensor) Row(i int) []float64 {
	width := t.NumElems / t.Shape[0]
	return t.Data[i*width : (i+1)*width]
}

// At returns the element at the given coordinates
func (t *Tensor) At(coords ...int) float64 {
	idx := 0
	for i, c := range coords {
		idx += c * t.Strides[i]
	}
	return t.Data[idx]
}

// Reshape returns a tensor sharing t's data with a different shape.
// One dimension may be -1 and is inferred.
func (t *Tensor) Reshape(newShape ...int) (*Tensor, error) {
	shape := append([]int(nil), newShape...)
	known := 1
	inferred := -1

	for i, dim := range shape {
		switch {
		case dim == -1:
			if inferred >= 0 {
				return nil, errors.New("only one dimension can be -1")
			}
			inferred = i
		case dim <= 0:
			return nil, errors.Errorf("invalid dimension %d at index %d", dim, i)
		default:
			known *= dim
		}
	}

	if inferred >= 0 {
		if t.NumElems%known != 0 {
			return nil, errors.Errorf("cannot reshape tensor of size %d into shape %v", t.NumElems, newShape)
		}
		shape[inferred] = t.NumElems / known
		known *= shape[inferred]
	}

	if known != t.NumElems {
		return nil, errors.Errorf("cannot reshape tensor of size %d into shape %v (size %d)", t.NumElems, shape, known)
	}

	return &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		Device:   t.Device,
		Data:     t.Data,
		NumElems: t.NumElems,
	}, nil
}

// Clone deep-copies the tensor
func (t *Tensor) Clone() *Tensor {
	data := make([]float64, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Shape:    append([]int(nil), t.Shape...),
		Strides:  append([]int(nil), t.Strides...),
		Device:   t.Device,
		Data:     data,
		NumElems: t.NumElems,
	}
}

// Fill sets every element to v
func (t *Tensor) Fill(v float64) {
	for i := range t.Data {
		t.Data[i] = v
	}
}

// SameShape reports whether a and b have identical shapes
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
