package engine

import (
	"time"
	"unsafe"

	"github.com/pkg/errors"

	"engined/internal/accel"
)

// Infer runs one synchronous inference: copy inputCount floats of input to the
// device, execute, copy outputCount floats back into output. Device buffers and
// the stream are created for this call only and released before it returns.
func (h *Handle) Infer(inputName, outputName string, input, output []float32, inputCount, outputCount int) (err error) {
	const op = "infer"
	start := time.Now()
	defer func() {
		inferTotal.WithLabelValues(resultLabel(err)).Inc()
		if err == nil {
			inferDuration.Observe(time.Since(start).Seconds())
		}
	}()

	eng, ctx, done, err := h.acquire(op)
	if err != nil {
		return err
	}
	defer done()
	if !h.arityOK {
		return newErrorf(op, KindContractViolation, h.path,
			"engine has %d bindings, exactly one input and one output required", len(h.bindings))
	}

	inIdx, err := h.resolve(op, eng, inputName, true)
	if err != nil {
		return err
	}
	outIdx, err := h.resolve(op, eng, outputName, false)
	if err != nil {
		return err
	}
	if err := h.checkCounts(op, inIdx, outIdx, input, output, inputCount, outputCount); err != nil {
		return err
	}

	dev := h.device
	inPtr, err := dev.Malloc(inputCount * 4)
	if err != nil {
		return h.allocError(op, "input", err)
	}
	deviceAllocs.Inc()
	defer h.free(dev, inPtr)

	outPtr, err := dev.Malloc(outputCount * 4)
	if err != nil {
		return h.allocError(op, "output", err)
	}
	deviceAllocs.Inc()
	defer h.free(dev, outPtr)

	stream, err := dev.CreateStream()
	if err != nil {
		return newError(op, KindExecutionFailed, h.path, errors.Wrap(err, "create stream"))
	}
	synced := false
	defer func() {
		// Buffers may only be freed once queued work has drained.
		if !synced {
			_ = stream.Synchronize()
		}
		if derr := stream.Destroy(); derr != nil {
			zlog.Warn().Err(derr).Str("handle", h.id).Msg("stream destroy failed")
		}
	}()

	bindings := make([]accel.DevicePtr, len(h.bindings))
	bindings[inIdx] = inPtr
	bindings[outIdx] = outPtr

	if err := stream.CopyHostToDevice(inPtr, floatBytes(input[:inputCount])); err != nil {
		return newError(op, KindExecutionFailed, h.path, errors.Wrap(err, "copy input"))
	}
	if err := ctx.Enqueue(bindings, stream); err != nil {
		return newError(op, KindExecutionFailed, h.path, errors.Wrap(err, "enqueue"))
	}
	if err := stream.CopyDeviceToHost(floatBytes(output[:outputCount]), outPtr); err != nil {
		return newError(op, KindExecutionFailed, h.path, errors.Wrap(err, "copy output"))
	}
	synced = true
	if err := stream.Synchronize(); err != nil {
		return newError(op, KindExecutionFailed, h.path, errors.Wrap(err, "synchronize"))
	}
	return nil
}

// resolve maps a binding name to its index through the engine and checks its direction.
func (h *Handle) resolve(op string, eng accel.Engine, name string, input bool) (int, error) {
	idx := eng.BindingIndex(name)
	if idx < 0 || idx >= len(h.bindings) {
		return -1, newErrorf(op, KindUnknownBinding, h.path, "no binding named %q", name)
	}
	if h.bindings[idx].IsInput != input {
		dir := "output"
		if input {
			dir = "input"
		}
		return -1, newErrorf(op, KindUnknownBinding, h.path, "binding %q is not an %s", name, dir)
	}
	return idx, nil
}

func (h *Handle) checkCounts(op string, inIdx, outIdx int, input, output []float32, inputCount, outputCount int) error {
	if inputCount <= 0 || outputCount <= 0 {
		return newErrorf(op, KindInvalidArgument, h.path, "element counts must be positive (input %d, output %d)", inputCount, outputCount)
	}
	if inputCount > len(input) {
		return newErrorf(op, KindInvalidArgument, h.path, "input count %d exceeds buffer of %d", inputCount, len(input))
	}
	if outputCount > len(output) {
		return newErrorf(op, KindInvalidArgument, h.path, "output count %d exceeds buffer of %d", outputCount, len(output))
	}
	inVol, outVol := h.bindings[inIdx].Volume(), h.bindings[outIdx].Volume()
	if inVol > 0 && inputCount%inVol != 0 {
		return newErrorf(op, KindInvalidArgument, h.path, "input count %d is not a multiple of binding volume %d", inputCount, inVol)
	}
	if inVol > 0 && outVol > 0 && outputCount < inputCount/inVol*outVol {
		return newErrorf(op, KindInvalidArgument, h.path, "output count %d too small for batch %d of %d", outputCount, inputCount/inVol, outVol)
	}
	return nil
}

func (h *Handle) allocError(op, which string, err error) error {
	kind := KindExecutionFailed
	if errors.Is(err, accel.ErrOutOfMemory) {
		kind = KindDeviceOutOfMemory
	}
	return newError(op, kind, h.path, errors.Wrapf(err, "allocate %s buffer", which))
}

func (h *Handle) free(dev accel.Device, p accel.DevicePtr) {
	if err := dev.Free(p); err != nil {
		zlog.Warn().Err(err).Str("handle", h.id).Msg("device free failed")
		return
	}
	deviceFrees.Inc()
}

// floatBytes views a float32 slice as its little-endian bytes without copying.
func floatBytes(f []float32) []byte {
	if len(f) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&f[0])), len(f)*4)
}
