// Package netdesctest builds small deterministic models for tests.
package netdesctest

import (
	"math/rand"
	"path/filepath"
	"testing"

	"engined/internal/netdesc"
)

// Classifier returns input -> dense(hidden) -> relu -> dense(classes) -> softmax.
// Weights are drawn from a seeded source so results are reproducible.
func Classifier(inputName, outputName string, inDims []int, hidden, classes int, seed int64) *netdesc.Model {
	rng := rand.New(rand.NewSource(seed))
	in := 1
	for _, d := range inDims {
		in *= d
	}
	m := &netdesc.Model{
		Graph: netdesc.Graph{
			Input: netdesc.Input{Name: inputName, Dims: append([]int(nil), inDims...)},
			Layers: []netdesc.Layer{
				{Name: "fc1", Op: netdesc.OpDense},
				{Name: "act1", Op: netdesc.OpReLU},
				{Name: "fc2", Op: netdesc.OpDense},
				{Name: outputName, Op: netdesc.OpSoftmax},
			},
		},
		Tensors: map[string]netdesc.Tensor{},
	}
	addDense(m, rng, "fc1", in, hidden)
	addDense(m, rng, "fc2", hidden, classes)
	return m
}

// Regressor returns input -> dense(1) -> scale, a single-output model with no
// saturating activation.
func Regressor(inputName, outputName string, in int, seed int64) *netdesc.Model {
	rng := rand.New(rand.NewSource(seed))
	m := &netdesc.Model{
		Graph: netdesc.Graph{
			Input: netdesc.Input{Name: inputName, Dims: []int{in}},
			Layers: []netdesc.Layer{
				{Name: "fc", Op: netdesc.OpDense},
				{Name: outputName, Op: netdesc.OpScale, Attrs: map[string]float64{"scale": 2, "shift": 0.5}},
			},
		},
		Tensors: map[string]netdesc.Tensor{},
	}
	addDense(m, rng, "fc", in, 1)
	return m
}

func addDense(m *netdesc.Model, rng *rand.Rand, name string, in, out int) {
	w := make([]float32, in*out)
	for i := range w {
		w[i] = float32(rng.NormFloat64() * 0.2)
	}
	b := make([]float32, out)
	for i := range b {
		b[i] = float32(rng.NormFloat64() * 0.05)
	}
	m.Tensors[netdesc.WeightName(name)] = netdesc.Tensor{Shape: []int{out, in}, Data: w}
	m.Tensors[netdesc.BiasName(name)] = netdesc.Tensor{Shape: []int{out}, Data: b}
}

// Input returns a deterministic input vector of n elements in [-1, 1).
func Input(n int, seed int64) []float32 {
	rng := rand.New(rand.NewSource(seed))
	v := make([]float32, n)
	for i := range v {
		v[i] = float32(rng.Float64()*2 - 1)
	}
	return v
}

// WriteModel writes m under t.TempDir() and returns the path.
func WriteModel(t testing.TB, name string, m *netdesc.Model) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := netdesc.WriteFile(p, m); err != nil {
		t.Fatalf("write model: %v", err)
	}
	return p
}
