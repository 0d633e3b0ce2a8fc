//go:build tensorrt && cgo

package tensorrt

/*
#cgo CXXFLAGS: -std=c++17 -O2
#cgo LDFLAGS: -lnvinfer -lnvonnxparser -lcudart -lstdc++
#include <stdlib.h>
#include "shim.h"
*/
import "C"

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"engined/internal/accel"
)

// Available reports whether the native backend was compiled in.
const Available = true

const maxDims = 8

// cErr converts a shim status and message into a Go error, freeing the message.
func cErr(rc C.int, msg *C.char, what string) error {
	if rc == 0 {
		return nil
	}
	text := what + " failed"
	if msg != nil {
		text = what + ": " + C.GoString(msg)
		C.trt_free(unsafe.Pointer(msg))
	}
	if rc == C.TRT_ERR_OOM {
		return fmt.Errorf("%s: %w", text, accel.ErrOutOfMemory)
	}
	return errors.New(text)
}

type Backend struct {
	dev *device
}

// New initializes the native backend. The CUDA context is created lazily by
// the first runtime call.
func New(opts Options) (accel.Backend, error) {
	C.trt_set_verbosity(C.int(opts.Verbosity))
	return &Backend{dev: &device{}}, nil
}

func (b *Backend) Name() string { return "tensorrt" }

func (b *Backend) Device() accel.Device { return b.dev }

func (b *Backend) NewBuilder() (accel.Builder, error) {
	var out *C.trt_builder
	var msg *C.char
	if err := cErr(C.trt_builder_create(&out, &msg), msg, "create builder"); err != nil {
		return nil, err
	}
	return &builder{b: out}, nil
}

func (b *Backend) NewRuntime(opts accel.RuntimeOptions) (accel.Runtime, error) {
	var out *C.trt_runtime
	var msg *C.char
	if err := cErr(C.trt_runtime_create(&out, &msg), msg, "create runtime"); err != nil {
		return nil, err
	}
	return &trtRuntime{r: out, opts: opts}, nil
}

type builder struct {
	b    *C.trt_builder
	once sync.Once
}

func (b *builder) CreateNetwork(maxBatch int) (accel.Network, error) {
	var out *C.trt_network
	var msg *C.char
	if err := cErr(C.trt_network_create(b.b, C.int(maxBatch), &out, &msg), msg, "create network"); err != nil {
		return nil, err
	}
	return &network{n: out}, nil
}

func (b *builder) CreateParser(n accel.Network) (accel.Parser, error) {
	nw, ok := n.(*network)
	if !ok {
		return nil, fmt.Errorf("network %T was not created by this builder", n)
	}
	var out *C.trt_parser
	var msg *C.char
	if err := cErr(C.trt_parser_create(nw.n, &out, &msg), msg, "create parser"); err != nil {
		return nil, err
	}
	return &parser{p: out}, nil
}

func (b *builder) Build(n accel.Network, cfg accel.BuildConfig) (accel.Engine, error) {
	nw, ok := n.(*network)
	if !ok {
		return nil, fmt.Errorf("network %T was not created by this builder", n)
	}
	fallback := 0
	if cfg.GPUFallback {
		fallback = 1
	}
	cc := C.trt_build_config{
		max_batch:    C.int(cfg.MaxBatchSize),
		workspace:    C.int64_t(cfg.WorkspaceBytes),
		precision:    C.int(cfg.Precision),
		dla_core:     C.int(cfg.DLACore),
		gpu_fallback: C.int(fallback),
	}
	var out *C.trt_engine
	var msg *C.char
	if err := cErr(C.trt_build(b.b, nw.n, &cc, &out, &msg), msg, "build engine"); err != nil {
		return nil, err
	}
	return &engine{e: out}, nil
}

func (b *builder) Close() error {
	b.once.Do(func() { C.trt_builder_destroy(b.b) })
	return nil
}

type network struct {
	n    *C.trt_network
	once sync.Once
}

func (n *network) TensorNames() []string {
	count := int(C.trt_network_num_tensors(n.n))
	names := make([]string, 0, count)
	for i := 0; i < count; i++ {
		if s := C.trt_network_tensor_name(n.n, C.int(i)); s != nil {
			names = append(names, C.GoString(s))
		}
	}
	return names
}

func (n *network) SetDynamicRange(tensor string, min, max float32) error {
	cs := C.CString(tensor)
	defer C.free(unsafe.Pointer(cs))
	var msg *C.char
	return cErr(C.trt_network_set_dynamic_range(n.n, cs, C.float(min), C.float(max), &msg), msg, "set dynamic range")
}

func (n *network) Close() error {
	n.once.Do(func() { C.trt_network_destroy(n.n) })
	return nil
}

type parser struct {
	p    *C.trt_parser
	once sync.Once
}

func (p *parser) ParseFile(path string, verbosity accel.Severity) error {
	cs := C.CString(path)
	defer C.free(unsafe.Pointer(cs))
	var msg *C.char
	if rc := C.trt_parser_parse_file(p.p, cs, C.int(verbosity), &msg); rc != 0 {
		text := "parse failed"
		if msg != nil {
			text = C.GoString(msg)
			C.trt_free(unsafe.Pointer(msg))
		}
		return &accel.ParseError{Severity: accel.SeverityError, Msg: text}
	}
	return nil
}

func (p *parser) Close() error {
	p.once.Do(func() { C.trt_parser_destroy(p.p) })
	return nil
}

type trtRuntime struct {
	r    *C.trt_runtime
	opts accel.RuntimeOptions
	once sync.Once
}

func (r *trtRuntime) SetDLACore(core int) error {
	var msg *C.char
	return cErr(C.trt_runtime_set_dla_core(r.r, C.int(core), &msg), msg, "set DLA core")
}

// Deserialize checks the expected batch size; the plan's precision is not
// observable through the runtime API, so ExpectPrecision is not enforced here.
func (r *trtRuntime) Deserialize(blob []byte) (accel.Engine, error) {
	if len(blob) == 0 {
		return nil, errors.New("empty engine")
	}
	data := C.CBytes(blob)
	defer C.free(data)
	var out *C.trt_engine
	var msg *C.char
	if err := cErr(C.trt_runtime_deserialize(r.r, data, C.size_t(len(blob)), &out, &msg), msg, "deserialize"); err != nil {
		return nil, err
	}
	e := &engine{e: out}
	if want := r.opts.ExpectMaxBatch; want > 0 {
		if got := int(C.trt_engine_max_batch(out)); got != want {
			_ = e.Close()
			return nil, fmt.Errorf("engine max batch %d, runtime expects %d", got, want)
		}
	}
	return e, nil
}

func (r *trtRuntime) Close() error {
	r.once.Do(func() { C.trt_runtime_destroy(r.r) })
	return nil
}

type engine struct {
	e    *C.trt_engine
	once sync.Once
}

func (e *engine) NumBindings() int { return int(C.trt_engine_num_bindings(e.e)) }

func (e *engine) BindingIndex(name string) int {
	cs := C.CString(name)
	defer C.free(unsafe.Pointer(cs))
	return int(C.trt_engine_binding_index(e.e, cs))
}

// Binding drops the leading explicit batch dimension.
func (e *engine) Binding(i int) accel.BindingInfo {
	var dims [maxDims]C.int
	n := int(C.trt_engine_binding_dims(e.e, C.int(i), &dims[0], maxDims))
	info := accel.BindingInfo{
		Name:    C.GoString(C.trt_engine_binding_name(e.e, C.int(i))),
		IsInput: C.trt_engine_binding_is_input(e.e, C.int(i)) != 0,
	}
	for k := 1; k < n; k++ {
		info.Dims = append(info.Dims, int(dims[k]))
	}
	return info
}

func (e *engine) Serialize() ([]byte, error) {
	var data unsafe.Pointer
	var size C.size_t
	var msg *C.char
	if err := cErr(C.trt_engine_serialize(e.e, &data, &size, &msg), msg, "serialize"); err != nil {
		return nil, err
	}
	defer C.trt_free(data)
	return C.GoBytes(data, C.int(size)), nil
}

func (e *engine) CreateExecutionContext() (accel.ExecutionContext, error) {
	var out *C.trt_context
	var msg *C.char
	if err := cErr(C.trt_context_create(e.e, &out, &msg), msg, "create execution context"); err != nil {
		return nil, err
	}
	return &execContext{c: out, engine: e}, nil
}

func (e *engine) Close() error {
	e.once.Do(func() { C.trt_engine_destroy(e.e) })
	return nil
}

type execContext struct {
	c      *C.trt_context
	engine *engine
	once   sync.Once
}

func (c *execContext) Engine() accel.Engine { return c.engine }

func (c *execContext) Enqueue(bindings []accel.DevicePtr, s accel.Stream) error {
	st, ok := s.(*stream)
	if !ok {
		return fmt.Errorf("stream %T does not belong to this device", s)
	}
	if len(bindings) == 0 {
		return errors.New("enqueue: no bindings")
	}
	// The bindings array must live in C memory for the duration of the call.
	arr := (*[1 << 16]unsafe.Pointer)(C.malloc(C.size_t(len(bindings)) * C.size_t(unsafe.Sizeof(uintptr(0)))))
	defer C.free(unsafe.Pointer(arr))
	for i, p := range bindings {
		arr[i] = unsafe.Pointer(uintptr(p))
	}
	var msg *C.char
	return cErr(C.trt_context_enqueue(c.c, &arr[0], st.s, &msg), msg, "enqueue")
}

func (c *execContext) Close() error {
	c.once.Do(func() { C.trt_context_destroy(c.c) })
	return nil
}

type device struct{}

func (d *device) Malloc(bytes int) (accel.DevicePtr, error) {
	var p unsafe.Pointer
	var msg *C.char
	if err := cErr(C.trt_cuda_malloc(C.size_t(bytes), &p, &msg), msg, "cudaMalloc"); err != nil {
		return 0, err
	}
	return accel.DevicePtr(uintptr(p)), nil
}

func (d *device) Free(p accel.DevicePtr) error {
	var msg *C.char
	return cErr(C.trt_cuda_free(unsafe.Pointer(uintptr(p)), &msg), msg, "cudaFree")
}

func (d *device) CreateStream() (accel.Stream, error) {
	var s unsafe.Pointer
	var msg *C.char
	if err := cErr(C.trt_cuda_stream_create(&s, &msg), msg, "create stream"); err != nil {
		return nil, err
	}
	return &stream{s: s}, nil
}

// stream pins host buffers handed to async copies until the stream drains.
type stream struct {
	s         unsafe.Pointer
	pin       runtime.Pinner
	destroyed bool
}

func (s *stream) CopyHostToDevice(dst accel.DevicePtr, src []byte) error {
	if s.destroyed {
		return accel.ErrStreamDestroyed
	}
	if len(src) == 0 {
		return nil
	}
	s.pin.Pin(&src[0])
	var msg *C.char
	return cErr(C.trt_cuda_htod_async(unsafe.Pointer(uintptr(dst)), unsafe.Pointer(&src[0]), C.size_t(len(src)), s.s, &msg), msg, "copy to device")
}

func (s *stream) CopyDeviceToHost(dst []byte, src accel.DevicePtr) error {
	if s.destroyed {
		return accel.ErrStreamDestroyed
	}
	if len(dst) == 0 {
		return nil
	}
	s.pin.Pin(&dst[0])
	var msg *C.char
	return cErr(C.trt_cuda_dtoh_async(unsafe.Pointer(&dst[0]), unsafe.Pointer(uintptr(src)), C.size_t(len(dst)), s.s, &msg), msg, "copy to host")
}

func (s *stream) Synchronize() error {
	if s.destroyed {
		return accel.ErrStreamDestroyed
	}
	var msg *C.char
	err := cErr(C.trt_cuda_stream_sync(s.s, &msg), msg, "synchronize")
	s.pin.Unpin()
	return err
}

func (s *stream) Destroy() error {
	if s.destroyed {
		return accel.ErrStreamDestroyed
	}
	s.destroyed = true
	var msg *C.char
	_ = C.trt_cuda_stream_sync(s.s, nil)
	s.pin.Unpin()
	return cErr(C.trt_cuda_stream_destroy(s.s, &msg), msg, "destroy stream")
}
