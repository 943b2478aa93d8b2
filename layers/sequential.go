package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-rhythm/tensor"
)

// Regressor maps each clip of a video to one heart-rate estimate.
//
// Forward keeps what Backward needs, so a Backward call always refers to
// the most recent Forward. Gradients accumulate into the Parameters'
// gradient buffers until the caller zeroes them.
type Regressor interface {
	Name() string
	Forward(clips []*tensor.Tensor) ([]float64, error)
	Backward(gradOut []float64) error
	Parameters() []*tensor.Tensor
	ParameterNames() []string
}

// layer is one executable stage of a Sequential.
type layer interface {
	forward(in []float32) []float32
	backward(in, out, gradOut []float32) ([]float32, error)
	params() []*tensor.Tensor
}

// Sequential runs a compiled ModelSpec on the CPU.
type Sequential struct {
	spec   *ModelSpec
	layers []layer
	names  []string

	// activations[c][l] is the input of layer l for clip c; the last entry
	// is the model output.
	activations [][][]float32
}

// Build instantiates a compiled spec. Weights are drawn from rng with He
// scaling; biases start at zero.
func Build(spec *ModelSpec, device tensor.Device, rng *rand.Rand) (*Sequential, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model spec must be compiled before building")
	}
	if rng == nil {
		return nil, fmt.Errorf("random source cannot be nil")
	}

	seq := &Sequential{spec: spec}
	for _, ls := range spec.Layers {
		var l layer
		switch ls.Type {
		case Dense:
			d, err := newDenseLayer(ls, device, rng)
			if err != nil {
				return nil, fmt.Errorf("layer %s: %v", ls.Name, err)
			}
			seq.names = append(seq.names, ls.Name+".weight")
			if d.bias != nil {
				seq.names = append(seq.names, ls.Name+".bias")
			}
			l = d
		case ReLU:
			l = reluLayer{}
		case Tanh:
			l = tanhLayer{}
		case TemporalMeanPool:
			l = meanPoolLayer{frames: ls.InputShape[0], features: ls.InputShape[1]}
		case Flatten:
			l = flattenLayer{}
		default:
			return nil, fmt.Errorf("unsupported layer type %v", ls.Type)
		}
		seq.layers = append(seq.layers, l)
	}
	return seq, nil
}

// Name returns the model name.
func (s *Sequential) Name() string {
	return s.spec.Name
}

// Spec returns the compiled spec the model was built from.
func (s *Sequential) Spec() *ModelSpec {
	return s.spec
}

// Parameters returns the trainable tensors in layer order.
func (s *Sequential) Parameters() []*tensor.Tensor {
	var ps []*tensor.Tensor
	for _, l := range s.layers {
		ps = append(ps, l.params()...)
	}
	return ps
}

// ParameterNames returns "<layer>.weight" / "<layer>.bias", aligned with
// Parameters.
func (s *Sequential) ParameterNames() []string {
	return append([]string(nil), s.names...)
}

// Forward estimates one value per clip, in clip order.
func (s *Sequential) Forward(clips []*tensor.Tensor) ([]float64, error) {
	s.activations = make([][][]float32, len(clips))
	out := make([]float64, len(clips))

	for c, clip := range clips {
		if !tensor.SameShape(clip.Shape, s.spec.InputShape) {
			return nil, fmt.Errorf("clip %d has shape %v, model expects %v", c, clip.Shape, s.spec.InputShape)
		}
		acts := make([][]float32, 0, len(s.layers)+1)
		x := clip.Data
		acts = append(acts, x)
		for _, l := range s.layers {
			x = l.forward(x)
			acts = append(acts, x)
		}
		s.activations[c] = acts
		out[c] = float64(x[0])
	}
	return out, nil
}

// Backward propagates dLoss/dOutput for every clip of the last Forward and
// accumulates parameter gradients.
func (s *Sequential) Backward(gradOut []float64) error {
	if len(gradOut) != len(s.activations) {
		return fmt.Errorf("got %d output gradients for %d clips", len(gradOut), len(s.activations))
	}
	for c, acts := range s.activations {
		g := []float32{float32(gradOut[c])}
		for l := len(s.layers) - 1; l >= 0; l-- {
			var err error
			g, err = s.layers[l].backward(acts[l], acts[l+1], g)
			if err != nil {
				return fmt.Errorf("clip %d: %v", c, err)
			}
		}
	}
	return nil
}

// denseLayer applies y = W·x + b over the last dimension of its input.
type denseLayer struct {
	weight *tensor.Tensor // [out, in]
	bias   *tensor.Tensor // [out], nil without bias
	in     int
	out    int
}

func newDenseLayer(ls LayerSpec, device tensor.Device, rng *rand.Rand) (*denseLayer, error) {
	in := ls.InputShape[len(ls.InputShape)-1]
	out := ls.OutputShape[len(ls.OutputShape)-1]

	std := float32(math.Sqrt(2 / float64(in)))
	w, err := tensor.RandomNormal([]int{out, in}, 0, std, device, rng)
	if err != nil {
		return nil, err
	}
	w.SetRequiresGrad(true)

	d := &denseLayer{weight: w, in: in, out: out}
	if getBoolParam(ls.Parameters, "use_bias", true) {
		b, err := tensor.Zeros([]int{out}, device)
		if err != nil {
			return nil, err
		}
		b.SetRequiresGrad(true)
		d.bias = b
	}
	return d, nil
}

func (d *denseLayer) forward(x []float32) []float32 {
	rows := len(x) / d.in
	y := make([]float32, rows*d.out)
	w := d.weight.Data
	for r := 0; r < rows; r++ {
		xr := x[r*d.in : (r+1)*d.in]
		for o := 0; o < d.out; o++ {
			var sum float32
			if d.bias != nil {
				sum = d.bias.Data[o]
			}
			wo := w[o*d.in : (o+1)*d.in]
			for i, v := range xr {
				sum += wo[i] * v
			}
			y[r*d.out+o] = sum
		}
	}
	return y
}

func (d *denseLayer) backward(x, _, gradOut []float32) ([]float32, error) {
	rows := len(x) / d.in
	gradW := make([]float32, d.out*d.in)
	gradIn := make([]float32, len(x))
	var gradB []float32
	if d.bias != nil {
		gradB = make([]float32, d.out)
	}

	w := d.weight.Data
	for r := 0; r < rows; r++ {
		xr := x[r*d.in : (r+1)*d.in]
		for o := 0; o < d.out; o++ {
			g := gradOut[r*d.out+o]
			if g == 0 {
				continue
			}
			if gradB != nil {
				gradB[o] += g
			}
			for i, v := range xr {
				gradW[o*d.in+i] += g * v
				gradIn[r*d.in+i] += g * w[o*d.in+i]
			}
		}
	}

	if err := d.weight.AccumulateGrad(gradW); err != nil {
		return nil, err
	}
	if gradB != nil {
		if err := d.bias.AccumulateGrad(gradB); err != nil {
			return nil, err
		}
	}
	return gradIn, nil
}

func (d *denseLayer) params() []*tensor.Tensor {
	if d.bias == nil {
		return []*tensor.Tensor{d.weight}
	}
	return []*tensor.Tensor{d.weight, d.bias}
}

type reluLayer struct{}

func (reluLayer) forward(x []float32) []float32 {
	y := make([]float32, len(x))
	for i, v := range x {
		if v > 0 {
			y[i] = v
		}
	}
	return y
}

func (reluLayer) backward(_, y, gradOut []float32) ([]float32, error) {
	g := make([]float32, len(y))
	for i, v := range y {
		if v > 0 {
			g[i] = gradOut[i]
		}
	}
	return g, nil
}

func (reluLayer) params() []*tensor.Tensor { return nil }

type tanhLayer struct{}

func (tanhLayer) forward(x []float32) []float32 {
	y := make([]float32, len(x))
	for i, v := range x {
		y[i] = float32(math.Tanh(float64(v)))
	}
	return y
}

func (tanhLayer) backward(_, y, gradOut []float32) ([]float32, error) {
	g := make([]float32, len(y))
	for i, v := range y {
		g[i] = gradOut[i] * (1 - v*v)
	}
	return g, nil
}

func (tanhLayer) params() []*tensor.Tensor { return nil }

// meanPoolLayer averages [frames, features] over frames.
type meanPoolLayer struct {
	frames   int
	features int
}

func (m meanPoolLayer) forward(x []float32) []float32 {
	y := make([]float32, m.features)
	for f := 0; f < m.frames; f++ {
		row := x[f*m.features : (f+1)*m.features]
		for j, v := range row {
			y[j] += v
		}
	}
	scale := 1 / float32(m.frames)
	for j := range y {
		y[j] *= scale
	}
	return y
}

func (m meanPoolLayer) backward(_, _, gradOut []float32) ([]float32, error) {
	g := make([]float32, m.frames*m.features)
	scale := 1 / float32(m.frames)
	for f := 0; f < m.frames; f++ {
		for j := 0; j < m.features; j++ {
			g[f*m.features+j] = gradOut[j] * scale
		}
	}
	return g, nil
}

func (meanPoolLayer) params() []*tensor.Tensor { return nil }

type flattenLayer struct{}

func (flattenLayer) forward(x []float32) []float32 { return x }

func (flattenLayer) backward(_, _, gradOut []float32) ([]float32, error) {
	return gradOut, nil
}

func (flattenLayer) params() []*tensor.Tensor { return nil }
