package engine

import (
	"sync"

	"engined/internal/accel"
)

// Handle owns the runtime, engine and execution context of one loaded engine.
// Infer calls against one handle must not overlap; callers serialize them.
// Release waits for an Infer in progress before destroying anything.
type Handle struct {
	id     string
	path   string
	device accel.Device

	// mu is read-held by Infer for its whole run and write-held by Release.
	mu       sync.RWMutex
	released bool
	runtime  accel.Runtime
	engine   accel.Engine
	context  accel.ExecutionContext

	bindings []accel.BindingInfo
	arityOK  bool
}

func (h *Handle) ID() string { return h.id }

// Path is the engine file the handle was loaded from.
func (h *Handle) Path() string { return h.path }

// Bindings returns a copy of the binding table in index order.
func (h *Handle) Bindings() []accel.BindingInfo {
	out := make([]accel.BindingInfo, len(h.bindings))
	copy(out, h.bindings)
	return out
}

// SingleInOut reports whether the engine has exactly one input and one output binding.
func (h *Handle) SingleInOut() bool { return h.arityOK }

// Released reports whether Release has run.
func (h *Handle) Released() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.released
}

// Release destroys the execution context, then the engine, then the runtime.
// Later calls are no-ops.
func (h *Handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	h.released = true
	ctx, eng, rt := h.context, h.engine, h.runtime
	h.context, h.engine, h.runtime = nil, nil, nil

	closeLogged("execution context", ctx)
	closeLogged("engine", eng)
	closeLogged("runtime", rt)
	liveHandles.Dec()
	zlog.Info().Str("handle", h.id).Msg("engine released")
}

// acquire read-locks the handle and returns the live engine and execution
// context, or a Released error. done must be called when the call ends.
func (h *Handle) acquire(op string) (eng accel.Engine, ctx accel.ExecutionContext, done func(), err error) {
	h.mu.RLock()
	if h.released {
		h.mu.RUnlock()
		return nil, nil, nil, newErrorf(op, KindReleased, h.path, "handle %s already released", h.id)
	}
	return h.engine, h.context, h.mu.RUnlock, nil
}
