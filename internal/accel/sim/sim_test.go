package sim

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"unsafe"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"

	"engined/internal/accel"
	"engined/internal/netdesc"
	"engined/internal/netdesc/netdesctest"
)

func f32bytes(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), len(v)*4)
}

func TestDeviceMallocFree(t *testing.T) {
	d := NewDevice(1024)
	p1 := must.M1(d.Malloc(512))
	p2 := must.M1(d.Malloc(512))
	require.NotEqual(t, p1, p2)

	_, err := d.Malloc(1)
	require.ErrorIs(t, err, accel.ErrOutOfMemory)

	require.NoError(t, d.Free(p1))
	require.ErrorIs(t, d.Free(p1), accel.ErrInvalidPointer)
	require.NoError(t, d.Free(p2))

	st := d.Stats()
	require.Equal(t, int64(2), st.Allocs)
	require.Equal(t, int64(2), st.Frees)
	require.Zero(t, st.LiveAllocations)
	require.Zero(t, st.BytesInUse)
}

func TestStreamOrdering(t *testing.T) {
	d := NewDevice(1 << 20)
	p := must.M1(d.Malloc(16))
	s := must.M1(d.CreateStream())

	src := []float32{1, 2, 3, 4}
	dst := make([]float32, 4)
	require.NoError(t, s.CopyHostToDevice(p, f32bytes(src)))
	require.NoError(t, s.CopyDeviceToHost(f32bytes(dst), p))
	require.NoError(t, s.Synchronize())
	require.Equal(t, src, dst)

	require.NoError(t, s.Destroy())
	require.ErrorIs(t, s.Destroy(), accel.ErrStreamDestroyed)
	require.ErrorIs(t, s.CopyHostToDevice(p, f32bytes(src)), accel.ErrStreamDestroyed)
	require.NoError(t, d.Free(p))

	st := d.Stats()
	require.Equal(t, st.StreamsCreated, st.StreamsDestroyed)
}

func TestStreamStickyError(t *testing.T) {
	d := NewDevice(1 << 20)
	s := must.M1(d.CreateStream()).(*stream)
	defer s.Destroy()

	ran := false
	require.NoError(t, s.enqueue(func() error { return errors.New("kernel fault") }))
	require.NoError(t, s.enqueue(func() error { ran = true; return nil }))
	require.EqualError(t, s.Synchronize(), "kernel fault")
	require.False(t, ran, "operations after a fault must be skipped")
}

func TestCopyBoundsChecked(t *testing.T) {
	d := NewDevice(1 << 20)
	p := must.M1(d.Malloc(8))
	s := must.M1(d.CreateStream())
	defer s.Destroy()
	require.ErrorIs(t, s.CopyHostToDevice(p, make([]byte, 16)), accel.ErrInvalidPointer)
	require.ErrorIs(t, s.CopyHostToDevice(p+1, make([]byte, 4)), accel.ErrInvalidPointer)
}

// build parses path into an engine with cfg on b.
func build(t *testing.T, b *Backend, path string, cfg accel.BuildConfig, ranges map[string]float32) accel.Engine {
	t.Helper()
	bl := must.M1(b.NewBuilder())
	defer bl.Close()
	n := must.M1(bl.CreateNetwork(cfg.MaxBatchSize))
	defer n.Close()
	p := must.M1(bl.CreateParser(n))
	defer p.Close()
	require.NoError(t, p.ParseFile(path, accel.SeverityWarning))
	for name, r := range ranges {
		require.NoError(t, n.SetDynamicRange(name, -r, r))
	}
	e, err := bl.Build(n, cfg)
	require.NoError(t, err)
	return e
}

func defaultCfg() accel.BuildConfig {
	return accel.BuildConfig{MaxBatchSize: 4, WorkspaceBytes: 1 << 20, Precision: accel.Full, DLACore: -1}
}

func runOnce(t *testing.T, b *Backend, e accel.Engine, input []float32, outVol int) []float32 {
	t.Helper()
	ctx := must.M1(e.CreateExecutionContext())
	defer ctx.Close()
	dev := b.Device()
	in := must.M1(dev.Malloc(len(input) * 4))
	defer dev.Free(in)
	out := must.M1(dev.Malloc(outVol * 4))
	defer dev.Free(out)
	s := must.M1(dev.CreateStream())
	defer s.Destroy()

	res := make([]float32, outVol)
	require.NoError(t, s.CopyHostToDevice(in, f32bytes(input)))
	require.NoError(t, ctx.Enqueue([]accel.DevicePtr{in, out}, s))
	require.NoError(t, s.CopyDeviceToHost(f32bytes(res), out))
	require.NoError(t, s.Synchronize())
	return res
}

func maxAbsDiff(got []float32, want []float64) float64 {
	var mx float64
	for i := range want {
		mx = math.Max(mx, math.Abs(float64(got[i])-want[i]))
	}
	return mx
}

func TestPlanMatchesReference(t *testing.T) {
	m := netdesctest.Classifier("input", "output", []int{3, 4, 4}, 16, 10, 7)
	path := netdesctest.WriteModel(t, "clf.netdesc", m)
	x := netdesctest.Input(48, 3)
	ref := must.M1(netdesc.Evaluate(m, x))["output"]

	ranges := map[string]float32{"input": 1, "act1": 4, "fc2": 4}

	cases := []struct {
		prec accel.Precision
		tol  float64
	}{
		{accel.Full, 1e-5},
		{accel.Reduced16, 5e-3},
		{accel.Quantized8, 5e-2},
	}
	for _, tc := range cases {
		t.Run(tc.prec.String(), func(t *testing.T) {
			b := New(Options{})
			cfg := defaultCfg()
			cfg.Precision = tc.prec
			e := build(t, b, path, cfg, ranges)
			defer e.Close()
			got := runOnce(t, b, e, x, 10)
			require.LessOrEqual(t, maxAbsDiff(got, ref), tc.tol)
		})
	}
}

func TestBatchExecution(t *testing.T) {
	m := netdesctest.Regressor("x", "y", 5, 1)
	path := netdesctest.WriteModel(t, "reg.netdesc", m)
	b := New(Options{})
	e := build(t, b, path, defaultCfg(), nil)
	defer e.Close()

	x := netdesctest.Input(15, 9) // batch of 3
	got := runOnce(t, b, e, x, 3)
	for i := 0; i < 3; i++ {
		want := must.M1(netdesc.Evaluate(m, x[i*5:(i+1)*5]))["y"]
		require.InDelta(t, want[0], float64(got[i]), 1e-5)
	}
}

func TestFusionAndDLAPlacement(t *testing.T) {
	m := netdesctest.Classifier("input", "output", []int{8}, 4, 3, 1)
	path := netdesctest.WriteModel(t, "clf.netdesc", m)
	b := New(Options{})

	e := build(t, b, path, defaultCfg(), nil)
	lines := Describe(e)
	require.Len(t, lines, 3, "dense+relu should fuse: %v", lines)
	require.Equal(t, map[string]int{unitGPU: 3}, Units(e))

	cfg := defaultCfg()
	cfg.DLACore = 1
	cfg.GPUFallback = true
	e = build(t, b, path, cfg, nil)
	require.Equal(t, map[string]int{unitDLA: 2, unitGPU: 1}, Units(e))
	require.Equal(t, accel.Reduced16, e.(*engine).plan.Precision)

	bl := must.M1(b.NewBuilder())
	n := must.M1(bl.CreateNetwork(4))
	p := must.M1(bl.CreateParser(n))
	require.NoError(t, p.ParseFile(path, accel.SeverityWarning))
	cfg.GPUFallback = false
	_, err := bl.Build(n, cfg)
	require.ErrorIs(t, err, ErrUnsupportedOnDLA)

	cfg.DLACore = 5
	_, err = bl.Build(n, cfg)
	require.Error(t, err)
}

func TestWorkspaceLimit(t *testing.T) {
	m := netdesctest.Classifier("input", "output", []int{64}, 32, 4, 1)
	path := netdesctest.WriteModel(t, "clf.netdesc", m)
	b := New(Options{})
	bl := must.M1(b.NewBuilder())
	n := must.M1(bl.CreateNetwork(8))
	p := must.M1(bl.CreateParser(n))
	require.NoError(t, p.ParseFile(path, accel.SeverityWarning))
	cfg := defaultCfg()
	cfg.MaxBatchSize = 8
	cfg.WorkspaceBytes = 1024
	_, err := bl.Build(n, cfg)
	require.ErrorIs(t, err, ErrWorkspaceTooSmall)
}

func TestInt8RequiresRanges(t *testing.T) {
	m := netdesctest.Regressor("x", "y", 4, 1)
	path := netdesctest.WriteModel(t, "reg.netdesc", m)
	b := New(Options{})
	bl := must.M1(b.NewBuilder())
	n := must.M1(bl.CreateNetwork(1))
	p := must.M1(bl.CreateParser(n))
	require.NoError(t, p.ParseFile(path, accel.SeverityWarning))
	cfg := defaultCfg()
	cfg.MaxBatchSize = 1
	cfg.Precision = accel.Quantized8
	_, err := bl.Build(n, cfg)
	require.ErrorIs(t, err, ErrMissingRange)
	require.Error(t, n.SetDynamicRange("nope", -1, 1))
}

func TestSerializeRoundTrip(t *testing.T) {
	m := netdesctest.Classifier("input", "output", []int{6}, 8, 3, 2)
	path := netdesctest.WriteModel(t, "clf.netdesc", m)
	b := New(Options{})
	e := build(t, b, path, defaultCfg(), nil)
	blob := must.M1(e.Serialize())

	rt := must.M1(b.NewRuntime(accel.RuntimeOptions{ExpectPrecision: accel.AnyPrecision}))
	e2 := must.M1(rt.Deserialize(blob))
	require.Equal(t, 2, e2.NumBindings())
	require.Equal(t, 0, e2.BindingIndex("input"))
	require.Equal(t, 1, e2.BindingIndex("output"))
	require.Equal(t, -1, e2.BindingIndex("missing"))
	require.Equal(t, []int{3}, e2.Binding(1).Dims)

	x := netdesctest.Input(6, 1)
	require.Equal(t, runOnce(t, b, e, x, 3), runOnce(t, b, e2, x, 3))
}

func TestDeserializeRejects(t *testing.T) {
	m := netdesctest.Classifier("input", "output", []int{6}, 8, 3, 2)
	path := netdesctest.WriteModel(t, "clf.netdesc", m)
	b := New(Options{})
	blob := must.M1(build(t, b, path, defaultCfg(), nil).Serialize())

	loose := accel.RuntimeOptions{ExpectPrecision: accel.AnyPrecision}
	rt := must.M1(b.NewRuntime(loose))

	corrupt := append([]byte(nil), blob...)
	corrupt[len(corrupt)-1] ^= 0xff
	_, err := rt.Deserialize(corrupt)
	require.ErrorIs(t, err, ErrCorruptPlan)

	_, err = rt.Deserialize([]byte("garbage"))
	require.ErrorIs(t, err, ErrCorruptPlan)

	other := New(Options{Toolchain: "sim-9.0.0"})
	_, err = must.M1(other.NewRuntime(loose)).Deserialize(blob)
	require.ErrorIs(t, err, ErrPlanMismatch)

	strict := must.M1(b.NewRuntime(accel.RuntimeOptions{ExpectPrecision: accel.Reduced16}))
	_, err = strict.Deserialize(blob)
	require.ErrorIs(t, err, ErrPlanMismatch)

	batch := must.M1(b.NewRuntime(accel.RuntimeOptions{ExpectPrecision: accel.AnyPrecision, ExpectMaxBatch: 1}))
	_, err = batch.Deserialize(blob)
	require.ErrorIs(t, err, ErrPlanMismatch)
}

func TestEnqueueValidatesBuffers(t *testing.T) {
	m := netdesctest.Regressor("x", "y", 4, 1)
	path := netdesctest.WriteModel(t, "reg.netdesc", m)
	b := New(Options{})
	e := build(t, b, path, defaultCfg(), nil)
	ctx := must.M1(e.CreateExecutionContext())
	dev := b.Device()
	s := must.M1(dev.CreateStream())
	defer s.Destroy()

	in := must.M1(dev.Malloc(4 * 3)) // not a whole item
	out := must.M1(dev.Malloc(4))
	require.Error(t, ctx.Enqueue([]accel.DevicePtr{in, out}, s))
	require.Error(t, ctx.Enqueue([]accel.DevicePtr{in}, s))

	big := must.M1(dev.Malloc(4 * 4 * 5)) // batch 5 > max 4
	require.Error(t, ctx.Enqueue([]accel.DevicePtr{big, out}, s))

	require.NoError(t, ctx.Close())
	require.ErrorIs(t, ctx.Close(), ErrClosed)
}

func TestDecodePlanRejectsMalformedPlans(t *testing.T) {
	m := netdesctest.Classifier("input", "output", []int{6}, 8, 3, 2)
	path := netdesctest.WriteModel(t, "clf.netdesc", m)
	blob := must.M1(build(t, New(Options{}), path, defaultCfg(), nil).Serialize())

	cases := map[string]func(p *plan){
		"zero input dim":     func(p *plan) { p.Bindings[0].Dims = []int{0} },
		"negative dim":       func(p *plan) { p.Bindings[1].Dims = []int{-3} },
		"no dims":            func(p *plan) { p.Bindings[1].Dims = nil },
		"short weights":      func(p *plan) { p.Steps[0].W = p.Steps[0].W[:5] },
		"short bias":         func(p *plan) { p.Steps[0].Bias = p.Steps[0].Bias[:1] },
		"two weight tables":  func(p *plan) { p.Steps[0].W8 = make([]int8, len(p.Steps[0].W)) },
		"broken chain":       func(p *plan) { p.Steps[1].In++ },
		"unknown op":         func(p *plan) { p.Steps[len(p.Steps)-1].Op = "conv" },
		"output not made":    func(p *plan) { p.Bindings[1].Name = "elsewhere" },
		"second input":       func(p *plan) { p.Bindings[1].Input = true },
		"zero max batch":     func(p *plan) { p.MaxBatch = 0 },
		"softmax width":      func(p *plan) { p.Steps[len(p.Steps)-1].Out = 7 },
		"oversized layer":    func(p *plan) { p.Steps[0].Out = 1 << 31 },
		"activation unknown": func(p *plan) { p.Steps[0].Act = "gelu" },
	}
	for name, mutate := range cases {
		p := must.M1(decodePlan(blob))
		mutate(p)
		bad := must.M1(encodePlan(p))
		_, err := decodePlan(bad)
		require.ErrorIs(t, err, ErrCorruptPlan, name)
	}
}

func TestDecodePlanBoundsExpansion(t *testing.T) {
	blob := make([]byte, planHeaderSize+4)
	copy(blob, planMagic)
	hdr := blob[len(planMagic):]
	binary.LittleEndian.PutUint32(hdr[0:], planFormatVersion)
	binary.LittleEndian.PutUint32(hdr[4:], flagLZ4)
	binary.LittleEndian.PutUint32(hdr[12:], 0xffffffff)

	var err error
	require.NotPanics(t, func() { _, err = decodePlan(blob) })
	require.ErrorIs(t, err, ErrCorruptPlan)
	require.ErrorContains(t, err, "cannot expand")
}
