package netdesc_test

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"testing"

	"engined/internal/netdesc"
	"engined/internal/netdesc/netdesctest"
)

func TestEncodeDecode(t *testing.T) {
	m := netdesctest.Classifier("input", "output", []int{3, 4, 4}, 8, 5, 1)
	var buf bytes.Buffer
	if err := netdesc.Encode(&buf, m); err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := netdesc.Decode(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Graph.Input.Name != "input" || len(got.Graph.Layers) != 4 {
		t.Fatalf("unexpected graph: %+v", got.Graph)
	}
	w := got.Tensors[netdesc.WeightName("fc1")]
	if len(w.Shape) != 2 || w.Shape[0] != 8 || w.Shape[1] != 48 {
		t.Fatalf("fc1 weight shape: %v", w.Shape)
	}
	want := m.Tensors[netdesc.WeightName("fc1")].Data
	for i := range want {
		if w.Data[i] != want[i] {
			t.Fatalf("weight %d: got %v want %v", i, w.Data[i], want[i])
		}
	}
}

func TestShapes(t *testing.T) {
	m := netdesctest.Classifier("input", "probs", []int{2, 3}, 4, 3, 1)
	shapes, err := m.Shapes()
	if err != nil {
		t.Fatalf("shapes: %v", err)
	}
	if got := shapes["fc1"]; len(got) != 1 || got[0] != 4 {
		t.Fatalf("fc1 dims: %v", got)
	}
	if got := shapes["probs"]; len(got) != 1 || got[0] != 3 {
		t.Fatalf("probs dims: %v", got)
	}
	if got := shapes["input"]; len(got) != 2 {
		t.Fatalf("input dims: %v", got)
	}
}

func TestValidateErrors(t *testing.T) {
	cases := map[string]func(m *netdesc.Model){
		"unknown op":     func(m *netdesc.Model) { m.Graph.Layers[1].Op = "conv" },
		"missing weight": func(m *netdesc.Model) { delete(m.Tensors, netdesc.WeightName("fc2")) },
		"wrong fan-in":   func(m *netdesc.Model) { m.Graph.Input.Dims = []int{7} },
		"unknown output": func(m *netdesc.Model) { m.Graph.Outputs = []string{"nope"} },
		"input output":   func(m *netdesc.Model) { m.Graph.Outputs = []string{"input"} },
		"duplicate name": func(m *netdesc.Model) { m.Graph.Layers[1].Name = "fc1" },
		"no layers":      func(m *netdesc.Model) { m.Graph.Layers = nil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			m := netdesctest.Classifier("input", "output", []int{6}, 4, 2, 1)
			mutate(m)
			if err := m.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := netdesc.Decode(bytes.NewReader([]byte("not a model at all"))); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := netdesc.Decode(bytes.NewReader(nil)); !errors.Is(err, netdesc.ErrInvalidHeader) {
		t.Fatalf("expected ErrInvalidHeader, got %v", err)
	}
}

// rawFile builds a netdesc byte stream with the given tensor header entries.
func rawFile(t *testing.T, tensors map[string]any, data []byte) []byte {
	t.Helper()
	header := map[string]any{"__metadata__": map[string]string{"format": "netdesc", "graph": "{}"}}
	for k, v := range tensors {
		header[k] = v
	}
	hb, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, uint64(len(hb)))
	buf.Write(hb)
	buf.Write(data)
	return buf.Bytes()
}

func TestDecodeRejectsBadTensorTable(t *testing.T) {
	f32 := func(shape []int, off0, off1 int64) map[string]any {
		return map[string]any{"dtype": "F32", "shape": shape, "data_offsets": []int64{off0, off1}}
	}
	cases := map[string]struct {
		tensors map[string]any
		data    []byte
		want    error
	}{
		"negative dim":   {map[string]any{"fc.bias": f32([]int{-1}, 0, -4)}, nil, netdesc.ErrInvalidHeader},
		"zero dim":       {map[string]any{"fc.bias": f32([]int{0}, 0, 0)}, nil, netdesc.ErrInvalidHeader},
		"empty shape":    {map[string]any{"fc.bias": f32(nil, 0, 0)}, nil, netdesc.ErrInvalidHeader},
		"overflow shape": {map[string]any{"fc.bias": f32([]int{1 << 31, 1 << 31}, 0, 0)}, nil, netdesc.ErrInvalidHeader},
		"size mismatch":  {map[string]any{"fc.bias": f32([]int{2}, 0, 4)}, make([]byte, 4), netdesc.ErrDataSizeMismatch},
		"overlap": {map[string]any{
			"a": f32([]int{2}, 0, 8),
			"b": f32([]int{2}, 4, 12),
		}, make([]byte, 12), netdesc.ErrDataSizeMismatch},
		"gap":       {map[string]any{"a": f32([]int{1}, 4, 8)}, make([]byte, 8), netdesc.ErrDataSizeMismatch},
		"truncated": {map[string]any{"a": f32([]int{1 << 28}, 0, 1 << 30)}, make([]byte, 16), netdesc.ErrDataSizeMismatch},
	}
	for name, c := range cases {
		_, err := netdesc.Decode(bytes.NewReader(rawFile(t, c.tensors, c.data)))
		if !errors.Is(err, c.want) {
			t.Fatalf("%s: expected %v, got %v", name, c.want, err)
		}
	}
}
