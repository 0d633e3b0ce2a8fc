package sim

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"

	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/x448/float16"

	"engined/internal/accel"
	"engined/internal/netdesc"
)

var (
	ErrCorruptPlan       = errors.New("corrupt engine plan")
	ErrPlanMismatch      = errors.New("engine plan incompatible with runtime")
	ErrWorkspaceTooSmall = errors.New("workspace too small")
	ErrUnsupportedOnDLA  = errors.New("layer not supported on DLA")
	ErrMissingRange      = errors.New("missing dynamic range")
)

const (
	planMagic         = "SIMPLAN\x00"
	planFormatVersion = uint32(3)
	planHeaderSize    = len(planMagic) + 16
	flagLZ4           = uint32(1)
)

const (
	unitGPU = "gpu"
	unitDLA = "dla"
)

// step is one fused kernel of the optimized plan.
type step struct {
	Op     string    `msgpack:"op"`
	Act    string    `msgpack:"act,omitempty"`
	Tensor string    `msgpack:"tensor"`
	In     int       `msgpack:"in"`
	Out    int       `msgpack:"out"`
	W      []float32 `msgpack:"w,omitempty"`
	W16    []uint16  `msgpack:"w16,omitempty"`
	W8     []int8    `msgpack:"w8,omitempty"`
	WScale float32   `msgpack:"wscale,omitempty"`
	Bias   []float32 `msgpack:"bias,omitempty"`
	Scale  float32   `msgpack:"scale,omitempty"`
	Shift  float32   `msgpack:"shift,omitempty"`
	// InRange is the absolute dynamic range of the step input (int8 plans).
	InRange float32 `msgpack:"in_range,omitempty"`
	Unit    string  `msgpack:"unit"`
}

type planBinding struct {
	Name  string `msgpack:"name"`
	Input bool   `msgpack:"input"`
	Dims  []int  `msgpack:"dims"`
}

type plan struct {
	Toolchain string          `msgpack:"toolchain"`
	Precision accel.Precision `msgpack:"precision"`
	MaxBatch  int             `msgpack:"max_batch"`
	Workspace int64           `msgpack:"workspace"`
	DLACore   int             `msgpack:"dla_core"`
	Bindings  []planBinding   `msgpack:"bindings"`
	Steps     []step          `msgpack:"steps"`
}

func (p *plan) binding(i int) accel.BindingInfo {
	b := p.Bindings[i]
	return accel.BindingInfo{Name: b.Name, IsInput: b.Input, Dims: append([]int(nil), b.Dims...)}
}

func (p *plan) volume(i int) int {
	n := 1
	for _, d := range p.Bindings[i].Dims {
		n *= d
	}
	return n
}

func dlaSupports(op, act string) bool {
	switch op {
	case netdesc.OpDense:
		return act == "" || act == netdesc.OpReLU
	case netdesc.OpReLU, netdesc.OpScale:
		return true
	}
	return false
}

func isActivation(op string) bool {
	return op == netdesc.OpReLU || op == netdesc.OpSigmoid || op == netdesc.OpTanh
}

// lower turns a parsed network into an optimized plan under cfg.
func lower(n *network, cfg accel.BuildConfig, toolchain string) (*plan, error) {
	m := n.model
	shapes, err := m.Shapes()
	if err != nil {
		return nil, err
	}
	outputs := m.Graph.OutputNames()
	isOutput := make(map[string]bool, len(outputs))
	for _, o := range outputs {
		isOutput[o] = true
	}

	p := &plan{
		Toolchain: toolchain,
		Precision: cfg.Precision,
		MaxBatch:  cfg.MaxBatchSize,
		Workspace: cfg.WorkspaceBytes,
		DLACore:   cfg.DLACore,
	}
	p.Bindings = append(p.Bindings, planBinding{Name: m.Graph.Input.Name, Input: true, Dims: shapes[m.Graph.Input.Name]})
	for _, o := range outputs {
		p.Bindings = append(p.Bindings, planBinding{Name: o, Dims: shapes[o]})
	}

	widest := 0
	for _, dims := range shapes {
		if v := volumeOf(dims); v > widest {
			widest = v
		}
	}
	need := int64(cfg.MaxBatchSize) * int64(widest) * 4 * 2
	if need > cfg.WorkspaceBytes {
		return nil, fmt.Errorf("%w: need %d bytes, limit %d", ErrWorkspaceTooSmall, need, cfg.WorkspaceBytes)
	}

	prev := m.Graph.Input.Name
	layers := m.Graph.Layers
	for i := 0; i < len(layers); i++ {
		l := layers[i]
		s := step{Op: l.Op, Tensor: l.Name, In: volumeOf(shapes[prev]), Out: volumeOf(shapes[l.Name])}
		switch l.Op {
		case netdesc.OpDense:
			w := m.Tensors[netdesc.WeightName(l.Name)]
			b := m.Tensors[netdesc.BiasName(l.Name)]
			s.W = append([]float32(nil), w.Data...)
			s.Bias = append([]float32(nil), b.Data...)
			if i+1 < len(layers) && isActivation(layers[i+1].Op) && !isOutput[l.Name] {
				s.Act = layers[i+1].Op
				s.Tensor = layers[i+1].Name
				i++
			}
		case netdesc.OpScale:
			s.Scale = float32(l.Attr("scale", 1))
			s.Shift = float32(l.Attr("shift", 0))
			// fold consecutive affine layers
			for i+1 < len(layers) && layers[i+1].Op == netdesc.OpScale && !isOutput[s.Tensor] {
				nx := layers[i+1]
				a, c := float32(nx.Attr("scale", 1)), float32(nx.Attr("shift", 0))
				s.Scale, s.Shift = a*s.Scale, a*s.Shift+c
				s.Tensor = nx.Name
				i++
			}
		}

		s.Unit = unitGPU
		if cfg.DLACore >= 0 {
			switch {
			case dlaSupports(s.Op, s.Act):
				s.Unit = unitDLA
			case !cfg.GPUFallback:
				return nil, fmt.Errorf("%w: %s (%s) and GPU fallback is disabled", ErrUnsupportedOnDLA, s.Tensor, s.Op)
			}
		}

		if cfg.Precision == accel.Quantized8 {
			r, ok := n.ranges[prev]
			if !ok {
				return nil, fmt.Errorf("%w for tensor %q", ErrMissingRange, prev)
			}
			s.InRange = r
		}
		applyWeightPrecision(&s, cfg.Precision)
		p.Steps = append(p.Steps, s)
		prev = s.Tensor
	}
	return p, nil
}

func applyWeightPrecision(s *step, prec accel.Precision) {
	if len(s.W) == 0 {
		return
	}
	switch prec {
	case accel.Reduced16:
		s.W16 = make([]uint16, len(s.W))
		for i, v := range s.W {
			s.W16[i] = float16.Fromfloat32(v).Bits()
		}
		s.W = nil
	case accel.Quantized8:
		var mx float32
		for _, v := range s.W {
			mx = float32(math.Max(float64(mx), math.Abs(float64(v))))
		}
		if mx == 0 {
			mx = 1
		}
		s.WScale = mx / 127
		s.W8 = make([]int8, len(s.W))
		for i, v := range s.W {
			s.W8[i] = int8(clamp(math.Round(float64(v/s.WScale)), -127, 127))
		}
		s.W = nil
	}
}

// weight returns the dequantized weight at index i.
func (s *step) weight(i int) float32 {
	switch {
	case s.W16 != nil:
		return float16.Frombits(s.W16[i]).Float32()
	case s.W8 != nil:
		return float32(s.W8[i]) * s.WScale
	default:
		return s.W[i]
	}
}

// run evaluates one batch item. outputs receives the tensors exposed as bindings.
func (p *plan) run(x []float32, outputs map[string][]float32) {
	cur := x
	for si := range p.Steps {
		s := &p.Steps[si]
		in := cur
		if p.Precision == accel.Quantized8 {
			in = fakeQuant(cur, s.InRange)
		}
		var y []float32
		switch s.Op {
		case netdesc.OpDense:
			y = make([]float32, s.Out)
			for o := 0; o < s.Out; o++ {
				sum := s.Bias[o]
				base := o * s.In
				for i := 0; i < s.In; i++ {
					sum += s.weight(base+i) * in[i]
				}
				y[o] = sum
			}
			if s.Act != "" {
				for i, v := range y {
					y[i] = float32(netdesc.Elementwise(s.Act, float64(v), 1, 0))
				}
			}
		case netdesc.OpSoftmax:
			xs := make([]float64, len(in))
			for i, v := range in {
				xs[i] = float64(v)
			}
			sm := netdesc.Softmax(xs)
			y = make([]float32, len(sm))
			for i, v := range sm {
				y[i] = float32(v)
			}
		default:
			y = make([]float32, len(in))
			for i, v := range in {
				y[i] = float32(netdesc.Elementwise(s.Op, float64(v), float64(s.Scale), float64(s.Shift)))
			}
		}
		if p.Precision == accel.Reduced16 {
			for i, v := range y {
				y[i] = float16.Fromfloat32(v).Float32()
			}
		}
		if dst, ok := outputs[s.Tensor]; ok {
			copy(dst, y)
		}
		cur = y
	}
}

func fakeQuant(x []float32, r float32) []float32 {
	if r <= 0 {
		r = 1
	}
	q := float64(r) / 127
	y := make([]float32, len(x))
	for i, v := range x {
		y[i] = float32(clamp(math.Round(float64(v)/q), -127, 127) * q)
	}
	return y
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

func volumeOf(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

// encodePlan produces the serialized engine:
//
//	magic(8) | version(4) | flags(4) | crc32(4) | rawLen(4) | body
//
// body is the msgpack plan, LZ4 block compressed when that saves space.
func encodePlan(p *plan) ([]byte, error) {
	raw, err := msgpack.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode plan: %w", err)
	}
	body := raw
	flags := uint32(0)
	compressed := make([]byte, lz4.CompressBlockBound(len(raw)))
	n, err := lz4.CompressBlock(raw, compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("compress plan: %w", err)
	}
	if n > 0 && n < len(raw) {
		body = compressed[:n]
		flags |= flagLZ4
	}

	var buf bytes.Buffer
	buf.Grow(planHeaderSize + len(body))
	buf.WriteString(planMagic)
	var hdr [16]byte
	binary.LittleEndian.PutUint32(hdr[0:], planFormatVersion)
	binary.LittleEndian.PutUint32(hdr[4:], flags)
	binary.LittleEndian.PutUint32(hdr[8:], crc32.ChecksumIEEE(raw))
	binary.LittleEndian.PutUint32(hdr[12:], uint32(len(raw)))
	buf.Write(hdr[:])
	buf.Write(body)
	return buf.Bytes(), nil
}

func decodePlan(blob []byte) (*plan, error) {
	if len(blob) < planHeaderSize || string(blob[:len(planMagic)]) != planMagic {
		return nil, fmt.Errorf("%w: not an engine plan", ErrCorruptPlan)
	}
	hdr := blob[len(planMagic):planHeaderSize]
	version := binary.LittleEndian.Uint32(hdr[0:])
	if version != planFormatVersion {
		return nil, fmt.Errorf("%w: plan format v%d, runtime reads v%d", ErrPlanMismatch, version, planFormatVersion)
	}
	flags := binary.LittleEndian.Uint32(hdr[4:])
	sum := binary.LittleEndian.Uint32(hdr[8:])
	rawLen := binary.LittleEndian.Uint32(hdr[12:])

	body := blob[planHeaderSize:]
	raw := body
	if flags&flagLZ4 != 0 {
		if uint64(rawLen) > maxLZ4Ratio*uint64(len(body)) {
			return nil, fmt.Errorf("%w: %d compressed bytes cannot expand to %d", ErrCorruptPlan, len(body), rawLen)
		}
		raw = make([]byte, rawLen)
		n, err := lz4.UncompressBlock(body, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptPlan, err)
		}
		raw = raw[:n]
	}
	if uint32(len(raw)) != rawLen || crc32.ChecksumIEEE(raw) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptPlan)
	}
	var p plan
	if err := msgpack.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPlan, err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPlan, err)
	}
	return &p, nil
}

// maxLZ4Ratio is the largest expansion an LZ4 block can encode.
const maxLZ4Ratio = 255

// maxVolume bounds one binding or layer width.
const maxVolume = 1 << 30

// validate checks that a decoded plan can execute: positive dims, steps that
// chain in width, and weight tables sized In*Out.
func (p *plan) validate() error {
	if len(p.Bindings) < 2 || len(p.Steps) == 0 || p.MaxBatch < 1 {
		return fmt.Errorf("incomplete plan")
	}
	vols := make(map[string]int, len(p.Bindings))
	for i, b := range p.Bindings {
		if b.Input != (i == 0) {
			return fmt.Errorf("binding %d (%q): only the first binding is an input", i, b.Name)
		}
		if len(b.Dims) == 0 {
			return fmt.Errorf("binding %q has no dims", b.Name)
		}
		v := 1
		for _, d := range b.Dims {
			if d <= 0 || d > maxVolume || v*d > maxVolume {
				return fmt.Errorf("binding %q has invalid dims %v", b.Name, b.Dims)
			}
			v *= d
		}
		vols[b.Name] = v
	}

	width := vols[p.Bindings[0].Name]
	produced := make(map[string]int, len(p.Steps))
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.In != width || s.Out <= 0 || s.Out > maxVolume {
			return fmt.Errorf("step %q: width %d -> %d, previous step produced %d", s.Tensor, s.In, s.Out, width)
		}
		switch s.Op {
		case netdesc.OpDense:
			if s.In > maxVolume/s.Out {
				return fmt.Errorf("step %q: %dx%d weights too large", s.Tensor, s.Out, s.In)
			}
			n := s.In * s.Out
			tables := 0
			for _, l := range []int{len(s.W), len(s.W16), len(s.W8)} {
				if l == 0 {
					continue
				}
				if l != n {
					return fmt.Errorf("step %q: %d weights, want %d", s.Tensor, l, n)
				}
				tables++
			}
			if tables != 1 {
				return fmt.Errorf("step %q: %d weight tables, want 1", s.Tensor, tables)
			}
			if len(s.Bias) != s.Out {
				return fmt.Errorf("step %q: %d biases, want %d", s.Tensor, len(s.Bias), s.Out)
			}
			if s.Act != "" && !isActivation(s.Act) {
				return fmt.Errorf("step %q: unknown activation %q", s.Tensor, s.Act)
			}
		case netdesc.OpSoftmax, netdesc.OpScale, netdesc.OpReLU, netdesc.OpSigmoid, netdesc.OpTanh:
			if s.Out != s.In {
				return fmt.Errorf("step %q: %s must keep width %d, got %d", s.Tensor, s.Op, s.In, s.Out)
			}
		default:
			return fmt.Errorf("step %q: unknown op %q", s.Tensor, s.Op)
		}
		produced[s.Tensor] = s.Out
		width = s.Out
	}
	for _, b := range p.Bindings[1:] {
		if produced[b.Name] != vols[b.Name] {
			return fmt.Errorf("output %q of %d elements is not produced by any step", b.Name, vols[b.Name])
		}
	}
	return nil
}
