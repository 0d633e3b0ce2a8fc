package engine

import (
	"fmt"

	"engined/internal/accel"
)

const (
	// DefaultWorkspaceBytes is the optimizer scratch budget when none is given (1GiB).
	DefaultWorkspaceBytes int64 = 1 << 30
	// FixedRange is the symmetric dynamic range applied to every tensor of an
	// uncalibrated Quantized8 build.
	FixedRange float32 = 127
)

// CompilationConfig is created before compilation and never mutated by it.
type CompilationConfig struct {
	Precision      accel.Precision
	WorkspaceBytes int64
	MaxBatchSize   int
	// DLACore targets a fixed-function core when set; nil compiles for the general compute path.
	DLACore *int
	// GPUFallback lets layers the DLA cannot run fall back to the general path.
	GPUFallback bool
	// Calibration maps tensor names to their absolute dynamic range (Quantized8 only).
	Calibration map[string]float32
	// AllowFixedRange accepts the ±FixedRange fallback for tensors without
	// calibration data. Accuracy is usually poor; the caller opts in explicitly.
	AllowFixedRange bool
	// Verbosity is the lowest parser diagnostic severity reported.
	Verbosity accel.Severity
}

// DefaultCompilationConfig is a full-precision build on the general compute path.
func DefaultCompilationConfig(maxBatch int) CompilationConfig {
	return CompilationConfig{
		Precision:      accel.Full,
		WorkspaceBytes: DefaultWorkspaceBytes,
		MaxBatchSize:   maxBatch,
		GPUFallback:    true,
		Verbosity:      accel.SeverityWarning,
	}
}

func (c CompilationConfig) Validate() error {
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("max batch size must be >= 1, got %d", c.MaxBatchSize)
	}
	if c.WorkspaceBytes <= 0 {
		return fmt.Errorf("workspace limit must be positive, got %d", c.WorkspaceBytes)
	}
	switch c.Precision {
	case accel.Full, accel.Reduced16, accel.Quantized8:
	default:
		return fmt.Errorf("unsupported precision %s", c.Precision)
	}
	if c.DLACore != nil && *c.DLACore < 0 {
		return fmt.Errorf("DLA core must be >= 0, got %d", *c.DLACore)
	}
	if c.Precision == accel.Quantized8 && len(c.Calibration) == 0 && !c.AllowFixedRange {
		return fmt.Errorf("int8 without calibration data requires AllowFixedRange (uniform ±%v range)", FixedRange)
	}
	for name, r := range c.Calibration {
		if r <= 0 {
			return fmt.Errorf("calibration range for %q must be positive, got %v", name, r)
		}
	}
	return nil
}

func (c CompilationConfig) buildConfig() accel.BuildConfig {
	bc := accel.BuildConfig{
		MaxBatchSize:   c.MaxBatchSize,
		WorkspaceBytes: c.WorkspaceBytes,
		Precision:      c.Precision,
		DLACore:        -1,
		GPUFallback:    c.GPUFallback,
	}
	if c.DLACore != nil {
		bc.DLACore = *c.DLACore
	}
	return bc
}

// RuntimeConfig controls Load.
type RuntimeConfig struct {
	// DLACore binds the runtime to a fixed-function core when set.
	DLACore *int
	// ExpectPrecision and ExpectMaxBatch reject engines built differently. Nil and 0 accept any.
	ExpectPrecision *accel.Precision
	ExpectMaxBatch  int
}

func (r RuntimeConfig) options() accel.RuntimeOptions {
	opts := accel.RuntimeOptions{ExpectPrecision: accel.AnyPrecision, ExpectMaxBatch: r.ExpectMaxBatch}
	if r.ExpectPrecision != nil {
		opts.ExpectPrecision = *r.ExpectPrecision
	}
	return opts
}

// Int returns a pointer to v, for the optional fields above.
func Int(v int) *int { return &v }

// PrecisionOf returns a pointer to p.
func PrecisionOf(p accel.Precision) *accel.Precision { return &p }
