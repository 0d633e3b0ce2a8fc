package engine

import (
	"github.com/google/uuid"

	"engined/internal/accel"
	"engined/internal/common/fsutil"
)

// Load reads a persisted engine and prepares it for execution: runtime,
// optional DLA binding, deserialization and one execution context. On failure
// everything created so far is destroyed in reverse order.
func Load(backend accel.Backend, enginePath string, rc RuntimeConfig) (h *Handle, err error) {
	const op = "load"
	defer func() {
		loadTotal.WithLabelValues(resultLabel(err)).Inc()
		if err != nil {
			zlog.Error().Err(err).Str("engine", enginePath).Msg("load")
		}
	}()

	if err := fsutil.Readable(enginePath); err != nil {
		return nil, newError(op, KindNotFound, enginePath, err)
	}
	data, err := fsutil.ReadAll(enginePath)
	if err != nil {
		return nil, newError(op, KindIOFailed, enginePath, err)
	}
	if len(data) == 0 {
		return nil, newErrorf(op, KindDeserializeFailed, enginePath, "engine file is empty")
	}

	rt, err := backend.NewRuntime(rc.options())
	if err != nil {
		return nil, newError(op, KindRuntimeInitFailed, enginePath, err)
	}
	if rc.DLACore != nil {
		if err := rt.SetDLACore(*rc.DLACore); err != nil {
			closeLogged("runtime", rt)
			return nil, newError(op, KindRuntimeInitFailed, enginePath, err)
		}
	}

	eng, err := rt.Deserialize(data)
	if err != nil {
		closeLogged("runtime", rt)
		return nil, newError(op, KindDeserializeFailed, enginePath, err)
	}

	ctx, err := eng.CreateExecutionContext()
	if err != nil {
		closeLogged("engine", eng)
		closeLogged("runtime", rt)
		return nil, newError(op, KindContextInitFailed, enginePath, err)
	}

	h = &Handle{
		id:       uuid.NewString(),
		path:     enginePath,
		device:   backend.Device(),
		runtime:  rt,
		engine:   eng,
		context:  ctx,
		bindings: bindingTable(eng),
	}
	h.arityOK = singleInOut(h.bindings)
	liveHandles.Inc()
	zlog.Info().
		Str("engine", enginePath).
		Str("handle", h.id).
		Int("bindings", len(h.bindings)).
		Bool("single_in_out", h.arityOK).
		Msg("engine loaded")
	return h, nil
}

func bindingTable(e accel.Engine) []accel.BindingInfo {
	n := e.NumBindings()
	out := make([]accel.BindingInfo, n)
	for i := 0; i < n; i++ {
		out[i] = e.Binding(i)
	}
	return out
}

func singleInOut(bs []accel.BindingInfo) bool {
	if len(bs) != 2 {
		return false
	}
	return bs[0].IsInput != bs[1].IsInput
}
