package sim

import (
	"encoding/binary"
	"fmt"
	"math"

	"engined/internal/accel"
)

// Enqueue schedules the plan on s. The batch size is derived from the size of
// the input allocation; every output allocation must hold that many items.
func (c *execContext) Enqueue(bindings []accel.DevicePtr, s accel.Stream) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	st, ok := s.(*stream)
	if !ok || st.dev != c.engine.backend.dev {
		return fmt.Errorf("stream %T does not belong to this device", s)
	}
	p := c.engine.plan
	if len(bindings) != len(p.Bindings) {
		return fmt.Errorf("enqueue: got %d bindings, engine has %d", len(bindings), len(p.Bindings))
	}

	bufs := make([][]byte, len(bindings))
	for i, ptr := range bindings {
		buf, err := st.dev.memory(ptr)
		if err != nil {
			return fmt.Errorf("binding %q: %w", p.Bindings[i].Name, err)
		}
		bufs[i] = buf
	}
	inVol := p.volume(0)
	if len(bufs[0])%(inVol*4) != 0 {
		return fmt.Errorf("input allocation of %d bytes is not a multiple of %d-element items", len(bufs[0]), inVol)
	}
	batch := len(bufs[0]) / (inVol * 4)
	if batch < 1 || batch > p.MaxBatch {
		return fmt.Errorf("batch %d outside engine limit [1, %d]", batch, p.MaxBatch)
	}
	for i := 1; i < len(bufs); i++ {
		if need := batch * p.volume(i) * 4; len(bufs[i]) < need {
			return fmt.Errorf("output %q allocation of %d bytes, batch %d needs %d", p.Bindings[i].Name, len(bufs[i]), batch, need)
		}
	}

	return st.enqueue(func() error {
		x := make([]float32, inVol)
		outs := make(map[string][]float32, len(bufs)-1)
		for i := 1; i < len(bufs); i++ {
			outs[p.Bindings[i].Name] = make([]float32, p.volume(i))
		}
		for b := 0; b < batch; b++ {
			decodeF32(x, bufs[0][b*inVol*4:])
			p.run(x, outs)
			for i := 1; i < len(bufs); i++ {
				vol := p.volume(i)
				encodeF32(bufs[i][b*vol*4:], outs[p.Bindings[i].Name])
			}
		}
		return nil
	})
}

func decodeF32(dst []float32, src []byte) {
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
}

func encodeF32(dst []byte, src []float32) {
	for i, v := range src {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
	}
}
