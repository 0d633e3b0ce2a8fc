// Package legacy keeps the status-code boundary of the first engine tooling:
// integer compile codes, nil-on-failure loads and an infer call without a
// result. New code should use package engine directly.
package legacy

import (
	"sync"

	"github.com/rs/zerolog"

	"engined/internal/accel"
	"engined/internal/accel/sim"
	"engined/internal/engine"
)

// Compile status codes.
const (
	OK              = 0
	CodeNotFound    = -1
	CodeBuilderInit = -2
	CodeParse       = -3
	CodeBuild       = -4
	CodeSerialize   = -5
)

// Options is the process-wide setup consulted by this package only.
type Options struct {
	// Backend defaults to a sim backend created on first use.
	Backend   accel.Backend
	Precision accel.Precision
	// Workspace is the optimizer budget in bytes (0 for engine.DefaultWorkspaceBytes).
	Workspace       int64
	DLACore         *int
	AllowFixedRange bool
	Runtime         engine.RuntimeConfig
}

// Defaults is set once at startup, before the first call into this package.
var Defaults = Options{Precision: accel.Full}

var (
	zlog = zerolog.Nop()

	fallbackOnce sync.Once
	fallback     accel.Backend
)

// SetLogger installs the logger used for failures that have no return channel.
func SetLogger(l zerolog.Logger) { zlog = l.With().Str("component", "legacy").Logger() }

func backend() accel.Backend {
	if Defaults.Backend != nil {
		return Defaults.Backend
	}
	fallbackOnce.Do(func() { fallback = sim.New(sim.Options{}) })
	return fallback
}

// Compile builds modelPath into an engine file at outputPath and returns 0 or
// a negative status code.
func Compile(modelPath, outputPath string, maxBatchSize int) int {
	cfg := engine.DefaultCompilationConfig(maxBatchSize)
	cfg.Precision = Defaults.Precision
	cfg.DLACore = Defaults.DLACore
	cfg.AllowFixedRange = Defaults.AllowFixedRange
	if Defaults.Workspace > 0 {
		cfg.WorkspaceBytes = Defaults.Workspace
	}
	err := engine.NewCompiler(backend()).CompileFile(modelPath, outputPath, cfg)
	code := StatusCode(err)
	if err != nil {
		zlog.Error().Err(err).Int("code", code).Msg("compile failed")
	}
	return code
}

// StatusCode maps an engine error onto the compile status codes.
func StatusCode(err error) int {
	if err == nil {
		return OK
	}
	switch engine.KindOf(err) {
	case engine.KindNotFound:
		return CodeNotFound
	case engine.KindBuilderInitFailed:
		return CodeBuilderInit
	case engine.KindParseFailed:
		return CodeParse
	case engine.KindSerializeFailed, engine.KindIOFailed:
		return CodeSerialize
	default:
		return CodeBuild
	}
}

// Load returns nil on any failure.
func Load(enginePath string) *engine.Handle {
	h, err := engine.Load(backend(), enginePath, Defaults.Runtime)
	if err != nil {
		zlog.Error().Err(err).Str("engine", enginePath).Msg("load failed")
		return nil
	}
	return h
}

// Release accepts nil and already released handles.
func Release(h *engine.Handle) {
	if h == nil {
		return
	}
	h.Release()
}

// Infer has no error channel. An engine without exactly one input and one
// output is a programming error and panics; other failures are logged.
func Infer(h *engine.Handle, inputName, outputName string, input, output []float32, inputCount, outputCount int) {
	if h == nil {
		zlog.Error().Msg("infer on nil handle")
		return
	}
	err := h.Infer(inputName, outputName, input, output, inputCount, outputCount)
	if err == nil {
		return
	}
	if engine.IsKind(err, engine.KindContractViolation) {
		panic(err)
	}
	zlog.Error().Err(err).Str("handle", h.ID()).Msg("infer failed")
}
