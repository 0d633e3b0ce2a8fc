package engine

import (
	"os"
	"time"

	"github.com/pkg/errors"

	"engined/internal/accel"
	"engined/internal/common/fsutil"
)

// Compiler turns model descriptions into engine blobs with one backend.
type Compiler struct {
	backend accel.Backend
}

func NewCompiler(b accel.Backend) *Compiler { return &Compiler{backend: b} }

// Compile parses modelPath, optimizes it under cfg and returns the serialized
// engine. The builder, network and parser are destroyed on every path.
func (c *Compiler) Compile(modelPath string, cfg CompilationConfig) (blob *Blob, err error) {
	const op = "compile"
	start := time.Now()
	defer func() {
		compileTotal.WithLabelValues(resultLabel(err)).Inc()
		ev := zlog.Info()
		if err != nil {
			ev = zlog.Error().Err(err)
		}
		ev.Str("model", modelPath).
			Str("precision", cfg.Precision.String()).
			Int("max_batch", cfg.MaxBatchSize).
			Dur("elapsed", time.Since(start)).
			Msg("compile")
	}()

	if err := cfg.Validate(); err != nil {
		return nil, newError(op, KindInvalidConfig, modelPath, err)
	}
	if err := fsutil.Readable(modelPath); err != nil {
		return nil, newError(op, KindNotFound, modelPath, err)
	}

	builder, err := c.backend.NewBuilder()
	if err != nil {
		return nil, newError(op, KindBuilderInitFailed, modelPath, err)
	}
	defer closeLogged("builder", builder)

	network, err := builder.CreateNetwork(cfg.MaxBatchSize)
	if err != nil {
		return nil, newError(op, KindBuilderInitFailed, modelPath, err)
	}
	defer closeLogged("network", network)

	parser, err := builder.CreateParser(network)
	if err != nil {
		return nil, newError(op, KindBuilderInitFailed, modelPath, err)
	}
	defer closeLogged("parser", parser)

	if err := parser.ParseFile(modelPath, cfg.Verbosity); err != nil {
		var pe *accel.ParseError
		if errors.As(err, &pe) {
			return nil, newErrorf(op, KindParseFailed, modelPath, "severity %s: %s", pe.Severity, pe.Msg)
		}
		return nil, newError(op, KindParseFailed, modelPath, err)
	}

	if cfg.Precision == accel.Quantized8 {
		if err := applyRanges(network, cfg); err != nil {
			return nil, newError(op, KindInvalidConfig, modelPath, err)
		}
	}

	eng, err := builder.Build(network, cfg.buildConfig())
	if err != nil {
		return nil, newError(op, KindBuildFailed, modelPath, err)
	}
	defer closeLogged("engine", eng)

	data, err := eng.Serialize()
	if err != nil {
		return nil, newError(op, KindSerializeFailed, modelPath, err)
	}
	if len(data) == 0 {
		return nil, newErrorf(op, KindSerializeFailed, modelPath, "backend %s produced an empty engine", c.backend.Name())
	}
	return NewBlob(data), nil
}

// applyRanges sets a dynamic range on every tensor: the calibrated one when
// present, ±FixedRange otherwise. Validate has already checked the opt-in.
func applyRanges(n accel.Network, cfg CompilationConfig) error {
	known := make(map[string]bool)
	for _, t := range n.TensorNames() {
		known[t] = true
		r, ok := cfg.Calibration[t]
		if !ok {
			if !cfg.AllowFixedRange {
				return errors.New("no calibration range for tensor " + t)
			}
			r = FixedRange
		}
		if err := n.SetDynamicRange(t, -r, r); err != nil {
			return err
		}
	}
	for t := range cfg.Calibration {
		if !known[t] {
			zlog.Warn().Str("tensor", t).Msg("calibration range for unknown tensor ignored")
		}
	}
	return nil
}

// CompileFile compiles modelPath and persists the engine at outputPath.
// Nothing is written when compilation fails.
func (c *Compiler) CompileFile(modelPath, outputPath string, cfg CompilationConfig) error {
	blob, err := c.Compile(modelPath, cfg)
	if err != nil {
		return err
	}
	if err := Persist(blob, outputPath); err != nil {
		return err
	}
	if st, err := os.Stat(outputPath); err == nil {
		zlog.Info().Str("engine", outputPath).Int64("bytes", st.Size()).Msg("engine written")
	}
	return nil
}
