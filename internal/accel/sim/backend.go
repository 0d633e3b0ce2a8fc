// Package sim is a pure-Go accelerator. It parses netdesc model descriptions,
// optimizes them into fused plans (fp32, fp16 or int8), serializes plans into
// versioned engine blobs and executes them against emulated device memory with
// asynchronous in-order streams.
package sim

import (
	"errors"
	"fmt"
	"sync"

	"engined/internal/accel"
	"engined/internal/netdesc"
)

// DefaultToolchain is the plan producer version stamped into every engine.
const DefaultToolchain = "sim-8.6.1"

// Options configure a Backend. Zero values take the defaults below.
type Options struct {
	// Toolchain identifies the optimizer; runtimes only load plans from the same toolchain.
	Toolchain string
	// DeviceMemory is the emulated device capacity in bytes (default 1GiB).
	DeviceMemory int64
	// DLACores is the number of fixed-function cores (default 2, negative for none).
	DLACores int
	// FailBuilder makes NewBuilder fail, for exercising initialization errors.
	FailBuilder bool
	// FailRuntime makes NewRuntime fail.
	FailRuntime bool
	// FailContext makes CreateExecutionContext fail.
	FailContext bool
}

var (
	ErrBuilderUnavailable = errors.New("builder unavailable")
	ErrRuntimeUnavailable = errors.New("runtime unavailable")
	ErrContextUnavailable = errors.New("cannot allocate execution context")
	ErrClosed             = errors.New("object already destroyed")
)

type Backend struct {
	opts Options
	dev  *Device
}

// New creates a backend with its own device.
func New(opts Options) *Backend {
	if opts.Toolchain == "" {
		opts.Toolchain = DefaultToolchain
	}
	if opts.DeviceMemory <= 0 {
		opts.DeviceMemory = 1 << 30
	}
	switch {
	case opts.DLACores == 0:
		opts.DLACores = 2
	case opts.DLACores < 0:
		opts.DLACores = 0
	}
	return &Backend{opts: opts, dev: NewDevice(opts.DeviceMemory)}
}

func (b *Backend) Name() string { return "sim" }

func (b *Backend) Device() accel.Device { return b.dev }

// SimDevice exposes the concrete device for statistics.
func (b *Backend) SimDevice() *Device { return b.dev }

func (b *Backend) NewBuilder() (accel.Builder, error) {
	if b.opts.FailBuilder {
		return nil, ErrBuilderUnavailable
	}
	return &builder{backend: b}, nil
}

func (b *Backend) NewRuntime(opts accel.RuntimeOptions) (accel.Runtime, error) {
	if b.opts.FailRuntime {
		return nil, ErrRuntimeUnavailable
	}
	return &runtime{backend: b, opts: opts, dlaCore: -1}, nil
}

type builder struct {
	backend *Backend
	closed  bool
}

func (b *builder) CreateNetwork(maxBatch int) (accel.Network, error) {
	if b.closed {
		return nil, ErrClosed
	}
	if maxBatch < 1 {
		return nil, fmt.Errorf("invalid max batch %d", maxBatch)
	}
	return &network{maxBatch: maxBatch, ranges: make(map[string]float32)}, nil
}

func (b *builder) CreateParser(n accel.Network) (accel.Parser, error) {
	nw, ok := n.(*network)
	if !ok {
		return nil, fmt.Errorf("network %T was not created by this builder", n)
	}
	return &parser{network: nw}, nil
}

func (b *builder) Build(n accel.Network, cfg accel.BuildConfig) (accel.Engine, error) {
	if b.closed {
		return nil, ErrClosed
	}
	nw, ok := n.(*network)
	if !ok || nw.model == nil {
		return nil, errors.New("network is empty")
	}
	if cfg.MaxBatchSize < 1 || cfg.MaxBatchSize > nw.maxBatch {
		return nil, fmt.Errorf("max batch %d outside network limit %d", cfg.MaxBatchSize, nw.maxBatch)
	}
	if cfg.DLACore >= 0 {
		if cfg.DLACore >= b.backend.opts.DLACores {
			return nil, fmt.Errorf("DLA core %d requested, device has %d", cfg.DLACore, b.backend.opts.DLACores)
		}
		// DLA runs reduced precision only.
		if cfg.Precision == accel.Full {
			cfg.Precision = accel.Reduced16
		}
	}
	p, err := lower(nw, cfg, b.backend.opts.Toolchain)
	if err != nil {
		return nil, err
	}
	return &engine{backend: b.backend, plan: p}, nil
}

func (b *builder) Close() error {
	if b.closed {
		return ErrClosed
	}
	b.closed = true
	return nil
}

type network struct {
	maxBatch int
	model    *netdesc.Model
	ranges   map[string]float32
	closed   bool
}

func (n *network) TensorNames() []string {
	if n.model == nil {
		return nil
	}
	names := []string{n.model.Graph.Input.Name}
	for _, l := range n.model.Graph.Layers {
		names = append(names, l.Name)
	}
	return names
}

// SetDynamicRange records the symmetric range max(|min|, |max|) for tensor.
func (n *network) SetDynamicRange(tensor string, min, max float32) error {
	if min > max {
		return fmt.Errorf("dynamic range for %q: min %v > max %v", tensor, min, max)
	}
	known := false
	for _, t := range n.TensorNames() {
		if t == tensor {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("dynamic range for unknown tensor %q", tensor)
	}
	r := max
	if -min > r {
		r = -min
	}
	n.ranges[tensor] = r
	return nil
}

func (n *network) Close() error {
	if n.closed {
		return ErrClosed
	}
	n.closed = true
	n.model = nil
	return nil
}

type parser struct {
	network *network
	closed  bool
}

func (p *parser) ParseFile(path string, _ accel.Severity) error {
	if p.closed {
		return ErrClosed
	}
	m, err := netdesc.ReadFile(path)
	if err != nil {
		sev := accel.SeverityError
		if errors.Is(err, netdesc.ErrInvalidHeader) || errors.Is(err, netdesc.ErrHeaderTooLarge) {
			sev = accel.SeverityInternalError
		}
		return &accel.ParseError{Severity: sev, Msg: err.Error()}
	}
	p.network.model = m
	return nil
}

func (p *parser) Close() error {
	if p.closed {
		return ErrClosed
	}
	p.closed = true
	return nil
}

type runtime struct {
	backend *Backend
	opts    accel.RuntimeOptions
	dlaCore int
	closed  bool
}

func (r *runtime) SetDLACore(core int) error {
	if core < 0 || core >= r.backend.opts.DLACores {
		return fmt.Errorf("DLA core %d not available (device has %d)", core, r.backend.opts.DLACores)
	}
	r.dlaCore = core
	return nil
}

func (r *runtime) Deserialize(blob []byte) (accel.Engine, error) {
	if r.closed {
		return nil, ErrClosed
	}
	p, err := decodePlan(blob)
	if err != nil {
		return nil, err
	}
	if p.Toolchain != r.backend.opts.Toolchain {
		return nil, fmt.Errorf("%w: built by %s, runtime is %s", ErrPlanMismatch, p.Toolchain, r.backend.opts.Toolchain)
	}
	if r.opts.ExpectPrecision != accel.AnyPrecision && p.Precision != r.opts.ExpectPrecision {
		return nil, fmt.Errorf("%w: plan precision %s, runtime expects %s", ErrPlanMismatch, p.Precision, r.opts.ExpectPrecision)
	}
	if r.opts.ExpectMaxBatch > 0 && p.MaxBatch != r.opts.ExpectMaxBatch {
		return nil, fmt.Errorf("%w: plan max batch %d, runtime expects %d", ErrPlanMismatch, p.MaxBatch, r.opts.ExpectMaxBatch)
	}
	if p.DLACore >= 0 && r.dlaCore >= 0 && p.DLACore != r.dlaCore {
		return nil, fmt.Errorf("%w: plan targets DLA core %d, runtime bound to %d", ErrPlanMismatch, p.DLACore, r.dlaCore)
	}
	return &engine{backend: r.backend, plan: p}, nil
}

func (r *runtime) Close() error {
	if r.closed {
		return ErrClosed
	}
	r.closed = true
	return nil
}

type engine struct {
	backend *Backend
	plan    *plan
	closed  bool
}

func (e *engine) NumBindings() int { return len(e.plan.Bindings) }

func (e *engine) BindingIndex(name string) int {
	for i, b := range e.plan.Bindings {
		if b.Name == name {
			return i
		}
	}
	return -1
}

func (e *engine) Binding(i int) accel.BindingInfo { return e.plan.binding(i) }

func (e *engine) Serialize() ([]byte, error) {
	if e.closed {
		return nil, ErrClosed
	}
	return encodePlan(e.plan)
}

func (e *engine) CreateExecutionContext() (accel.ExecutionContext, error) {
	if e.closed {
		return nil, ErrClosed
	}
	if e.backend.opts.FailContext {
		return nil, ErrContextUnavailable
	}
	return &execContext{engine: e}, nil
}

func (e *engine) Close() error {
	if e.closed {
		return ErrClosed
	}
	e.closed = true
	return nil
}

// Units reports how many plan steps run on each compute unit.
func Units(e accel.Engine) map[string]int {
	se, ok := e.(*engine)
	if !ok {
		return nil
	}
	out := map[string]int{}
	for _, s := range se.plan.Steps {
		out[s.Unit]++
	}
	return out
}

// Describe lists the fused steps of an engine, one line per step.
func Describe(e accel.Engine) []string {
	se, ok := e.(*engine)
	if !ok {
		return nil
	}
	lines := make([]string, 0, len(se.plan.Steps))
	for _, s := range se.plan.Steps {
		op := s.Op
		if s.Act != "" {
			op += "+" + s.Act
		}
		lines = append(lines, fmt.Sprintf("%-12s %-14s %4d -> %-4d [%s]", s.Tensor, op, s.In, s.Out, s.Unit))
	}
	return lines
}

type execContext struct {
	engine *engine
	mu     sync.Mutex
	closed bool
}

func (c *execContext) Engine() accel.Engine { return c.engine }

func (c *execContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.closed = true
	return nil
}
