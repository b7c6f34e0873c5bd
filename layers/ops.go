package layers

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/tsawler/go-trainer/tensor"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Parameter is a learnable tensor together with its accumulated gradient
type Parameter struct {
	Name  string // "<layer>.weight" or "<layer>.bias"
	Layer string
	Type  string // "weight", "bias"
	Value *tensor.Tensor
	Grad  *tensor.Tensor
}

func newParameter(layerName, kind string, shape []int) *Parameter {
	return &Parameter{
		Name:  layerName + "." + kind,
		Layer: layerName,
		Type:  kind,
		Value: tensor.Zeros(shape...),
		Grad:  tensor.Zeros(shape...),
	}
}

// heInit fills p with N(0, 2/fanIn) samples
func heInit(p *Parameter, fanIn int, rng *rand.Rand) {
	std := math.Sqrt(2.0 / float64(fanIn))
	for i := range p.Value.Data {
		p.Value.Data[i] = rng.NormFloat64() * std
	}
}

// layer is the executable counterpart of a LayerSpec
type layer interface {
	forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error)
	backward(grad *tensor.Tensor) (*tensor.Tensor, error)
	params() []*Parameter
}

var errNoForward = errors.New("backward called before forward")

// denseLayer computes y = x·W + b with x flattened to [batch, inSize]
type denseLayer struct {
	inSize, outSize int
	weight, bias    *Parameter

	input   *mat.Dense
	inShape []int
}

func newDenseLayer(spec LayerSpec, rng *rand.Rand) (*denseLayer, error) {
	inSize, _ := spec.IntParam("input_size", 0)
	outSize, _ := spec.IntParam("output_size", 0)
	if inSize <= 0 || outSize <= 0 {
		return nil, errors.Errorf("dense layer %s is not compiled", spec.Name)
	}

	l := &denseLayer{
		inSize:  inSize,
		outSize: outSize,
		weight:  newParameter(spec.Name, "weight", []int{inSize, outSize}),
	}
	heInit(l.weight, inSize, rng)
	if spec.BoolParam("use_bias", true) {
		l.bias = newParameter(spec.Name, "bias", []int{outSize})
	}
	return l, nil
}

func (l *denseLayer) forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	n := x.Shape[0]
	if x.NumElems != n*l.inSize {
		return nil, errors.Errorf("dense: expected %d features per sample, got %d", l.inSize, x.NumElems/n)
	}

	l.inShape = append(l.inShape[:0], x.Shape...)
	l.input = mat.NewDense(n, l.inSize, x.Data)

	out := tensor.Zeros(n, l.outSize)
	y := mat.NewDense(n, l.outSize, out.Data)
	y.Mul(l.input, mat.NewDense(l.inSize, l.outSize, l.weight.Value.Data))

	if l.bias != nil {
		for i := 0; i < n; i++ {
			floats.Add(out.Row(i), l.bias.Value.Data)
		}
	}
	return out, nil
}

func (l *denseLayer) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if l.input == nil {
		return nil, errNoForward
	}
	n, _ := l.input.Dims()
	if grad.NumElems != n*l.outSize {
		return nil, errors.Errorf("dense: gradient size %d, expected %d", grad.NumElems, n*l.outSize)
	}

	dy := mat.NewDense(n, l.outSize, grad.Data)

	var dw mat.Dense
	dw.Mul(l.input.T(), dy)
	floats.Add(l.weight.Grad.Data, dw.RawMatrix().Data)

	if l.bias != nil {
		for i := 0; i < n; i++ {
			floats.Add(l.bias.Grad.Data, grad.Row(i))
		}
	}

	dx := tensor.Zeros(l.inShape...)
	dxm := mat.NewDense(n, l.inSize, dx.Data)
	dxm.Mul(dy, mat.NewDense(l.inSize, l.outSize, l.weight.Value.Data).T())
	return dx, nil
}

func (l *denseLayer) params() []*Parameter {
	if l.bias == nil {
		return []*Parameter{l.weight}
	}
	return []*Parameter{l.weight, l.bias}
}

// conv2DLayer is a square-kernel convolution lowered to a matrix product
// through im2col.
type conv2DLayer struct {
	inC, outC, k, stride, pad int
	weight, bias              *Parameter

	inShape    []int
	outH, outW int
	cols       []*mat.Dense
}

func newConv2DLayer(spec LayerSpec, rng *rand.Rand) (*conv2DLayer, error) {
	inC, _ := spec.IntParam("input_channels", 0)
	outC, _ := spec.IntParam("output_channels", 0)
	k, _ := spec.IntParam("kernel_size", 0)
	stride, _ := spec.IntParam("stride", 1)
	pad, _ := spec.IntParam("padding", 0)
	if inC <= 0 || outC <= 0 || k <= 0 {
		return nil, errors.Errorf("conv2d layer %s is not compiled", spec.Name)
	}

	l := &conv2DLayer{
		inC:    inC,
		outC:   outC,
		k:      k,
		stride: stride,
		pad:    pad,
		weight: newParameter(spec.Name, "weight", []int{outC, inC, k, k}),
	}
	heInit(l.weight, inC*k*k, rng)
	if spec.BoolParam("use_bias", true) {
		l.bias = newParameter(spec.Name, "bias", []int{outC})
	}
	return l, nil
}

func (l *conv2DLayer) forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if x.Rank() != 4 || x.Shape[1] != l.inC {
		return nil, errors.Errorf("conv2d: expected [batch, %d, h, w] input, got %v", l.inC, x.Shape)
	}
	n, h, w := x.Shape[0], x.Shape[2], x.Shape[3]

	l.inShape = append(l.inShape[:0], x.Shape...)
	l.outH = (h+2*l.pad-l.k)/l.stride + 1
	l.outW = (w+2*l.pad-l.k)/l.stride + 1
	if l.outH <= 0 || l.outW <= 0 {
		return nil, errors.Errorf("conv2d: kernel %d does not fit input %dx%d", l.k, h, w)
	}

	plane := l.outH * l.outW
	wm := mat.NewDense(l.outC, l.inC*l.k*l.k, l.weight.Value.Data)
	out := tensor.Zeros(n, l.outC, l.outH, l.outW)
	l.cols = make([]*mat.Dense, n)

	for b := 0; b < n; b++ {
		col := l.im2col(x.Row(b), h, w)
		l.cols[b] = col

		ob := mat.NewDense(l.outC, plane, out.Row(b))
		ob.Mul(wm, col)

		if l.bias != nil {
			row := out.Row(b)
			for oc := 0; oc < l.outC; oc++ {
				floats.AddConst(l.bias.Value.Data[oc], row[oc*plane:(oc+1)*plane])
			}
		}
	}
	return out, nil
}

func (l *conv2DLayer) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if l.cols == nil {
		return nil, errNoForward
	}
	n := l.inShape[0]
	plane := l.outH * l.outW
	if grad.NumElems != n*l.outC*plane {
		return nil, errors.Errorf("conv2d: gradient size %d, expected %d", grad.NumElems, n*l.outC*plane)
	}

	wm := mat.NewDense(l.outC, l.inC*l.k*l.k, l.weight.Value.Data)
	dx := tensor.Zeros(l.inShape...)

	for b := 0; b < n; b++ {
		gb := mat.NewDense(l.outC, plane, grad.Row(b))

		var dw mat.Dense
		dw.Mul(gb, l.cols[b].T())
		floats.Add(l.weight.Grad.Data, dw.RawMatrix().Data)

		if l.bias != nil {
			row := grad.Row(b)
			for oc := 0; oc < l.outC; oc++ {
				l.bias.Grad.Data[oc] += floats.Sum(row[oc*plane : (oc+1)*plane])
			}
		}

		var dcol mat.Dense
		dcol.Mul(wm.T(), gb)
		l.col2im(&dcol, dx.Row(b), l.inShape[2], l.inShape[3])
	}
	return dx, nil
}

// im2col unrolls every receptive field of one [C, H, W] sample into a column
func (l *conv2DLayer) im2col(src []float64, h, w int) *mat.Dense {
	plane := l.outH * l.outW
	col := mat.NewDense(l.inC*l.k*l.k, plane, nil)
	raw := col.RawMatrix()

	for c := 0; c < l.inC; c++ {
		for ki := 0; ki < l.k; ki++ {
			for kj := 0; kj < l.k; kj++ {
				r := (c*l.k+ki)*l.k + kj
				dst := raw.Data[r*raw.Stride : r*raw.Stride+plane]
				for oy := 0; oy < l.outH; oy++ {
					iy := oy*l.stride + ki - l.pad
					if iy < 0 || iy >= h {
						continue
					}
					for ox := 0; ox < l.outW; ox++ {
						ix := ox*l.stride + kj - l.pad
						if ix < 0 || ix >= w {
							continue
						}
						dst[oy*l.outW+ox] = src[(c*h+iy)*w+ix]
					}
				}
			}
		}
	}
	return col
}

// col2im scatters column gradients back onto one [C, H, W] sample
func (l *conv2DLayer) col2im(col *mat.Dense, dst []float64, h, w int) {
	raw := col.RawMatrix()

	for c := 0; c < l.inC; c++ {
		for ki := 0; ki < l.k; ki++ {
			for kj := 0; kj < l.k; kj++ {
				r := (c*l.k+ki)*l.k + kj
				src := raw.Data[r*raw.Stride:]
				for oy := 0; oy < l.outH; oy++ {
					iy := oy*l.stride + ki - l.pad
					if iy < 0 || iy >= h {
						continue
					}
					for ox := 0; ox < l.outW; ox++ {
						ix := ox*l.stride + kj - l.pad
						if ix < 0 || ix >= w {
							continue
						}
						dst[(c*h+iy)*w+ix] += src[oy*l.outW+ox]
					}
				}
			}
		}
	}
}

func (l *conv2DLayer) params() []*Parameter {
	if l.bias == nil {
		return []*Parameter{l.weight}
	}
	return []*Parameter{l.weight, l.bias}
}

type reluLayer struct {
	mask []bool
}

func (l *reluLayer) forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	out := x.Clone()
	if cap(l.mask) < len(out.Data) {
		l.mask = make([]bool, len(out.Data))
	}
	l.mask = l.mask[:len(out.Data)]
	for i, v := range out.Data {
		l.mask[i] = v > 0
		if v <= 0 {
			out.Data[i] = 0
		}
	}
	return out, nil
}

func (l *reluLayer) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if len(l.mask) != grad.NumElems {
		return nil, errNoForward
	}
	dx := grad.Clone()
	for i, keep := range l.mask {
		if !keep {
			dx.Data[i] = 0
		}
	}
	return dx, nil
}

func (l *reluLayer) params() []*Parameter { return nil }

type maxPool2DLayer struct {
	size, stride int

	inShape []int
	argmax  []int
}

func (l *maxPool2DLayer) forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if x.Rank() != 4 {
		return nil, errors.Errorf("maxpool2d: expected 4D input, got %v", x.Shape)
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	outH := (h-l.size)/l.stride + 1
	outW := (w-l.size)/l.stride + 1
	if outH <= 0 || outW <= 0 {
		return nil, errors.Errorf("maxpool2d: window %d does not fit input %dx%d", l.size, h, w)
	}

	l.inShape = append(l.inShape[:0], x.Shape...)
	out := tensor.Zeros(n, c, outH, outW)
	l.argmax = make([]int, out.NumElems)

	o := 0
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			base := (b*c + ch) * h * w
			for oy := 0; oy < outH; oy++ {
				for ox := 0; ox < outW; ox++ {
					best := math.Inf(-1)
					bestIdx := -1
					for ky := 0; ky < l.size; ky++ {
						for kx := 0; kx < l.size; kx++ {
							idx := base + (oy*l.stride+ky)*w + ox*l.stride + kx
							if x.Data[idx] > best {
								best = x.Data[idx]
								bestIdx = idx
							}
						}
					}
					out.Data[o] = best
					l.argmax[o] = bestIdx
					o++
				}
			}
		}
	}
	return out, nil
}

func (l *maxPool2DLayer) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if len(l.argmax) != grad.NumElems {
		return nil, errNoForward
	}
	dx := tensor.Zeros(l.inShape...)
	for i, idx := range l.argmax {
		dx.Data[idx] += grad.Data[i]
	}
	return dx, nil
}

func (l *maxPool2DLayer) params() []*Parameter { return nil }

// dropoutLayer uses inverted dropout: kept activations are scaled by
// 1/(1-rate) during training so evaluation is the identity.
type dropoutLayer struct {
	rate float64
	rng  *rand.Rand

	scale []float64
}

func (l *dropoutLayer) forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	out := x.Clone()
	if !training || l.rate == 0 {
		l.scale = nil
		return out, nil
	}

	keep := 1 - l.rate
	l.scale = make([]float64, len(out.Data))
	for i := range out.Data {
		if l.rng.Float64() < keep {
			l.scale[i] = 1 / keep
		}
		out.Data[i] *= l.scale[i]
	}
	return out, nil
}

func (l *dropoutLayer) backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	dx := grad.Clone()
	if l.scale == nil {
		return dx, nil
	}
	if len(l.scale) != grad.NumElems {
		return nil, errNoForward
	}
	floats.Mul(dx.Data, l.scale)
	return dx, nil
}

func (l *dropoutLayer) params() []*Parameter { return nil }
