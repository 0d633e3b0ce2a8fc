package netdesc

import (
	"fmt"
	"math"
)

// Evaluate runs one batch item through the graph in float64 on the host and
// returns every output tensor. It is the reference the accelerated paths are
// measured against.
func Evaluate(m *Model, input []float32) (map[string][]float64, error) {
	shapes, err := m.Shapes()
	if err != nil {
		return nil, err
	}
	if want := volume(shapes[m.Graph.Input.Name]); len(input) != want {
		return nil, fmt.Errorf("input has %d elements, want %d", len(input), want)
	}
	outs := make(map[string]bool)
	for _, o := range m.Graph.OutputNames() {
		outs[o] = true
	}

	cur := make([]float64, len(input))
	for i, v := range input {
		cur[i] = float64(v)
	}
	result := make(map[string][]float64, len(outs))
	for _, l := range m.Graph.Layers {
		cur = ApplyLayer(m, l, cur)
		if outs[l.Name] {
			result[l.Name] = append([]float64(nil), cur...)
		}
	}
	return result, nil
}

// ApplyLayer evaluates a single layer. The model must already be validated.
func ApplyLayer(m *Model, l Layer, x []float64) []float64 {
	switch l.Op {
	case OpDense:
		w := m.Tensors[WeightName(l.Name)]
		b := m.Tensors[BiasName(l.Name)]
		out, in := w.Shape[0], w.Shape[1]
		y := make([]float64, out)
		for o := 0; o < out; o++ {
			sum := float64(b.Data[o])
			row := w.Data[o*in : (o+1)*in]
			for i, wv := range row {
				sum += float64(wv) * x[i]
			}
			y[o] = sum
		}
		return y
	case OpSoftmax:
		return Softmax(x)
	}
	y := make([]float64, len(x))
	for i, v := range x {
		y[i] = Elementwise(l.Op, v, l.Attr("scale", 1), l.Attr("shift", 0))
	}
	return y
}

// Elementwise applies a pointwise op to v.
func Elementwise(op string, v, scale, shift float64) float64 {
	switch op {
	case OpReLU:
		return math.Max(0, v)
	case OpSigmoid:
		return 1 / (1 + math.Exp(-v))
	case OpTanh:
		return math.Tanh(v)
	case OpScale:
		return v*scale + shift
	default:
		return v
	}
}

// Softmax is numerically stable over the whole vector.
func Softmax(x []float64) []float64 {
	if len(x) == 0 {
		return nil
	}
	mx := x[0]
	for _, v := range x[1:] {
		mx = math.Max(mx, v)
	}
	y := make([]float64, len(x))
	var sum float64
	for i, v := range x {
		y[i] = math.Exp(v - mx)
		sum += y[i]
	}
	for i := range y {
		y[i] /= sum
	}
	return y
}
