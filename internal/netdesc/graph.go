// Package netdesc reads and writes network descriptions: a sequential layer
// graph plus its float32 weights, stored in a safetensors-layout file.
//
// File layout:
//
//	[8 bytes]  little-endian uint64 header length N
//	[N bytes]  JSON header: tensor entries {dtype, shape, data_offsets} and
//	           "__metadata__": {"format": "netdesc", "graph": "<graph JSON>"}
//	[...]      raw tensor data, little-endian
package netdesc

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidGraph  = errors.New("invalid graph")
	ErrMissingTensor = errors.New("missing tensor")
)

// Op names understood by the graph.
const (
	OpDense   = "dense"
	OpReLU    = "relu"
	OpSigmoid = "sigmoid"
	OpTanh    = "tanh"
	OpSoftmax = "softmax"
	OpScale   = "scale"
)

var knownOps = map[string]bool{
	OpDense: true, OpReLU: true, OpSigmoid: true, OpTanh: true, OpSoftmax: true, OpScale: true,
}

// Input is the single input tensor of a graph. Dims exclude the batch dimension.
type Input struct {
	Name string `json:"name"`
	Dims []int  `json:"dims"`
}

// Layer consumes the output of the previous layer (or the input for the first one)
// and produces a tensor named after itself.
type Layer struct {
	Name  string             `json:"name"`
	Op    string             `json:"op"`
	Attrs map[string]float64 `json:"attrs,omitempty"`
}

// Attr returns the named attribute or def when unset.
func (l Layer) Attr(name string, def float64) float64 {
	if v, ok := l.Attrs[name]; ok {
		return v
	}
	return def
}

type Graph struct {
	Input  Input   `json:"input"`
	Layers []Layer `json:"layers"`
	// Outputs lists the tensors exposed as output bindings. Empty means the last layer.
	Outputs []string `json:"outputs,omitempty"`
}

// OutputNames resolves the default output.
func (g Graph) OutputNames() []string {
	if len(g.Outputs) > 0 {
		return g.Outputs
	}
	if len(g.Layers) == 0 {
		return nil
	}
	return []string{g.Layers[len(g.Layers)-1].Name}
}

// Tensor is a dense float32 array in row-major order.
type Tensor struct {
	Shape []int
	Data  []float32
}

func (t Tensor) NumElements() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Model is a graph with its weights.
type Model struct {
	Graph   Graph
	Tensors map[string]Tensor
}

// WeightName and BiasName are the tensor keys of a dense layer.
func WeightName(layer string) string { return layer + ".weight" }
func BiasName(layer string) string   { return layer + ".bias" }

// Shapes validates the model and returns the per-batch dims of every tensor the
// graph produces, keyed by tensor name.
func (m *Model) Shapes() (map[string][]int, error) {
	g := m.Graph
	if g.Input.Name == "" {
		return nil, fmt.Errorf("%w: input has no name", ErrInvalidGraph)
	}
	if len(g.Input.Dims) == 0 {
		return nil, fmt.Errorf("%w: input %q has no dims", ErrInvalidGraph, g.Input.Name)
	}
	for _, d := range g.Input.Dims {
		if d <= 0 {
			return nil, fmt.Errorf("%w: input %q has non-positive dim %d", ErrInvalidGraph, g.Input.Name, d)
		}
	}
	if len(g.Layers) == 0 {
		return nil, fmt.Errorf("%w: no layers", ErrInvalidGraph)
	}

	shapes := map[string][]int{g.Input.Name: append([]int(nil), g.Input.Dims...)}
	cur := shapes[g.Input.Name]
	for i, l := range g.Layers {
		if l.Name == "" {
			return nil, fmt.Errorf("%w: layer %d has no name", ErrInvalidGraph, i)
		}
		if _, dup := shapes[l.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate tensor name %q", ErrInvalidGraph, l.Name)
		}
		if !knownOps[l.Op] {
			return nil, fmt.Errorf("%w: layer %q: unsupported op %q", ErrInvalidGraph, l.Name, l.Op)
		}
		if l.Op == OpDense {
			in := volume(cur)
			w, ok := m.Tensors[WeightName(l.Name)]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrMissingTensor, WeightName(l.Name))
			}
			b, ok := m.Tensors[BiasName(l.Name)]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrMissingTensor, BiasName(l.Name))
			}
			if len(w.Shape) != 2 || w.Shape[1] != in || len(w.Data) != w.NumElements() {
				return nil, fmt.Errorf("%w: layer %q: weight shape %v does not accept %d inputs", ErrInvalidGraph, l.Name, w.Shape, in)
			}
			if len(b.Shape) != 1 || b.Shape[0] != w.Shape[0] || len(b.Data) != b.NumElements() {
				return nil, fmt.Errorf("%w: layer %q: bias shape %v, want [%d]", ErrInvalidGraph, l.Name, b.Shape, w.Shape[0])
			}
			cur = []int{w.Shape[0]}
		}
		shapes[l.Name] = append([]int(nil), cur...)
	}

	outs := g.OutputNames()
	seen := make(map[string]bool, len(outs))
	for _, o := range outs {
		if o == g.Input.Name {
			return nil, fmt.Errorf("%w: output %q is the input tensor", ErrInvalidGraph, o)
		}
		if _, ok := shapes[o]; !ok {
			return nil, fmt.Errorf("%w: unknown output tensor %q", ErrInvalidGraph, o)
		}
		if seen[o] {
			return nil, fmt.Errorf("%w: duplicate output %q", ErrInvalidGraph, o)
		}
		seen[o] = true
	}
	return shapes, nil
}

// Validate reports whether the model is well formed.
func (m *Model) Validate() error {
	_, err := m.Shapes()
	return err
}

func volume(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}
