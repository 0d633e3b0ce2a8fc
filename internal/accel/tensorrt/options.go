// Package tensorrt binds the accel capabilities to NVIDIA TensorRT and the CUDA
// runtime through a small C shim. It is compiled only with the tensorrt build
// tag and cgo; other builds get a constructor that reports
// accel.ErrDependencyUnavailable.
package tensorrt

import "engined/internal/accel"

// Options configure the native backend.
type Options struct {
	// Verbosity is the lowest TensorRT logger severity printed to stderr.
	Verbosity accel.Severity
}
