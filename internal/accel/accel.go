// Package accel defines the capability interfaces of an accelerator toolchain:
// a builder that turns a model description into an optimized engine, a runtime
// that deserializes engines, and a device that owns memory and transfer streams.
//
// Two implementations exist:
//
//   - sim: a pure-Go reference accelerator, compiled by default and used by tests.
//   - tensorrt: a cgo bridge to TensorRT/CUDA, enabled with `-tags=tensorrt`.
//     A stub with the same constructor is compiled when the tag is not set.
package accel

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrOutOfMemory           = errors.New("device out of memory")
	ErrInvalidPointer        = errors.New("invalid device pointer")
	ErrStreamDestroyed       = errors.New("stream destroyed")
	ErrDependencyUnavailable = errors.New("accelerator runtime not available")
)

// DevicePtr is an opaque address in device memory. Zero is never a valid allocation.
type DevicePtr uintptr

// Precision selects the numeric path the builder optimizes for.
type Precision int

const (
	Full Precision = iota
	Reduced16
	Quantized8
)

func (p Precision) String() string {
	switch p {
	case Full:
		return "fp32"
	case Reduced16:
		return "fp16"
	case Quantized8:
		return "int8"
	case AnyPrecision:
		return "any"
	default:
		return fmt.Sprintf("precision(%d)", int(p))
	}
}

// ParsePrecision accepts fp32|full, fp16|half, int8.
func ParsePrecision(s string) (Precision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fp32", "full", "float32":
		return Full, nil
	case "fp16", "half", "reduced16":
		return Reduced16, nil
	case "int8", "quantized8":
		return Quantized8, nil
	default:
		return Full, fmt.Errorf("unknown precision %q (want fp32|fp16|int8)", s)
	}
}

// Severity is the diagnostic level a parser reports at or above.
type Severity int

const (
	SeverityInternalError Severity = iota
	SeverityError
	SeverityWarning
	SeverityInfo
	SeverityVerbose
)

func (s Severity) String() string {
	switch s {
	case SeverityInternalError:
		return "internal_error"
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	case SeverityInfo:
		return "info"
	case SeverityVerbose:
		return "verbose"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// ParseError is returned by Parser.ParseFile when the model description is rejected.
type ParseError struct {
	Severity Severity
	Msg      string
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse [%s]: %s", e.Severity, e.Msg) }

// BuildConfig carries the hard limits and flags applied by Builder.Build.
type BuildConfig struct {
	MaxBatchSize   int
	WorkspaceBytes int64
	Precision      Precision
	// DLACore selects a fixed-function core; -1 keeps everything on the general compute path.
	DLACore     int
	GPUFallback bool
}

// BindingInfo describes one input or output slot of an engine.
type BindingInfo struct {
	Name    string
	IsInput bool
	// Dims excludes the batch dimension.
	Dims []int
}

// Volume is the number of elements of one batch item.
func (b BindingInfo) Volume() int {
	if len(b.Dims) == 0 {
		return 0
	}
	n := 1
	for _, d := range b.Dims {
		n *= d
	}
	return n
}

// AnyPrecision disables the precision check of RuntimeOptions.
const AnyPrecision Precision = -1

// RuntimeOptions state what the caller expects of the engines a runtime
// deserializes. Engines that disagree are rejected at deserialization.
type RuntimeOptions struct {
	ExpectPrecision Precision
	// ExpectMaxBatch of 0 accepts any batch size.
	ExpectMaxBatch int
}

type Backend interface {
	Name() string
	NewBuilder() (Builder, error)
	NewRuntime(opts RuntimeOptions) (Runtime, error)
	Device() Device
}

type Builder interface {
	CreateNetwork(maxBatch int) (Network, error)
	CreateParser(n Network) (Parser, error)
	Build(n Network, cfg BuildConfig) (Engine, error)
	Close() error
}

type Network interface {
	// TensorNames lists every tensor the network produces, including its input.
	TensorNames() []string
	SetDynamicRange(tensor string, min, max float32) error
	Close() error
}

type Parser interface {
	// ParseFile populates the network the parser was created for. Diagnostics at or
	// above verbosity are reported; a rejected file yields a *ParseError.
	ParseFile(path string, verbosity Severity) error
	Close() error
}

type Runtime interface {
	SetDLACore(core int) error
	Deserialize(blob []byte) (Engine, error)
	Close() error
}

type Engine interface {
	NumBindings() int
	// BindingIndex returns -1 for an unknown name.
	BindingIndex(name string) int
	Binding(i int) BindingInfo
	Serialize() ([]byte, error)
	CreateExecutionContext() (ExecutionContext, error)
	Close() error
}

type ExecutionContext interface {
	Engine() Engine
	// Enqueue schedules execution on s. bindings is indexed by binding index.
	Enqueue(bindings []DevicePtr, s Stream) error
	Close() error
}

type Device interface {
	Malloc(bytes int) (DevicePtr, error)
	Free(p DevicePtr) error
	CreateStream() (Stream, error)
}

// Stream is an ordered queue of asynchronous device work. Host buffers passed to
// the copy methods must stay untouched until Synchronize returns.
type Stream interface {
	CopyHostToDevice(dst DevicePtr, src []byte) error
	CopyDeviceToHost(dst []byte, src DevicePtr) error
	Synchronize() error
	Destroy() error
}
