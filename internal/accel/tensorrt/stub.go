//go:build !tensorrt || !cgo

package tensorrt

import (
	"fmt"

	"engined/internal/accel"
)

// Available reports whether the native backend was compiled in.
const Available = false

// New fails in builds without the tensorrt tag.
func New(Options) (accel.Backend, error) {
	return nil, fmt.Errorf("tensorrt backend: %w (rebuild with -tags tensorrt)", accel.ErrDependencyUnavailable)
}
