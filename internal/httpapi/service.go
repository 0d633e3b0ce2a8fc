package httpapi

import (
	"context"
	"fmt"
	"time"

	"engined/internal/engine"
	"engined/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Info() types.EngineInfo
	Infer(ctx context.Context, req types.InferRequest) (types.InferResponse, error)
	Ready() bool
}

// Defaults fill request fields a client leaves empty.
type Defaults struct {
	Input       string
	Output      string
	OutputCount int
}

// EngineService serves one loaded engine. Calls are serialized through a
// single slot because an execution context runs one inference at a time.
type EngineService struct {
	h        *engine.Handle
	backend  string
	defaults Defaults
	slot     chan struct{}
}

func NewEngineService(h *engine.Handle, backend string, d Defaults) *EngineService {
	return &EngineService{h: h, backend: backend, defaults: d, slot: make(chan struct{}, 1)}
}

func (s *EngineService) Info() types.EngineInfo {
	bs := s.h.Bindings()
	info := types.EngineInfo{
		ID:                 s.h.ID(),
		Path:               s.h.Path(),
		Backend:            s.backend,
		Bindings:           make([]types.BindingInfo, 0, len(bs)),
		SingleInOut:        s.h.SingleInOut(),
		DefaultInput:       s.defaults.Input,
		DefaultOutput:      s.defaults.Output,
		DefaultOutputCount: s.defaults.OutputCount,
	}
	for _, b := range bs {
		info.Bindings = append(info.Bindings, types.BindingInfo{
			Name:    b.Name,
			IsInput: b.IsInput,
			Dims:    append([]int(nil), b.Dims...),
			Volume:  b.Volume(),
		})
	}
	return info
}

func (s *EngineService) Ready() bool { return !s.h.Released() }

// Close waits for the inference in progress, then releases the engine.
// Later requests fail with 503.
func (s *EngineService) Close() {
	s.slot <- struct{}{}
	defer func() { <-s.slot }()
	s.h.Release()
}

func (s *EngineService) Infer(ctx context.Context, req types.InferRequest) (types.InferResponse, error) {
	var resp types.InferResponse
	in, out := req.InputName, req.OutputName
	if in == "" {
		in = s.defaults.Input
	}
	if out == "" {
		out = s.defaults.Output
	}
	derived := s.derivedOutputCount(in, out, len(req.Input))
	limit := derived
	if limit == 0 {
		limit = int(maxBodyBytes / 4)
	}
	n := req.OutputCount
	switch {
	case n < 0:
		return resp, badRequest("output_count must not be negative")
	case n > limit:
		return resp, badRequest(fmt.Sprintf("output_count %d exceeds the %d elements this input produces", n, limit))
	case n == 0:
		n = s.defaults.OutputCount
	}
	if n == 0 {
		n = derived
	}

	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return resp, fmt.Errorf("%w: %v", errTooBusy, ctx.Err())
	}
	defer func() { <-s.slot }()

	output := make([]float32, n)
	start := time.Now()
	if err := s.h.Infer(in, out, req.Input, output, len(req.Input), n); err != nil {
		return resp, err
	}
	resp.Output = output
	resp.ElapsedMS = float64(time.Since(start).Microseconds()) / 1000
	return resp, nil
}

// derivedOutputCount sizes the output for the batch implied by the input length.
func (s *EngineService) derivedOutputCount(in, out string, inputLen int) int {
	inVol, outVol := 0, 0
	for _, b := range s.h.Bindings() {
		switch b.Name {
		case in:
			inVol = b.Volume()
		case out:
			outVol = b.Volume()
		}
	}
	if inVol == 0 || outVol == 0 || inputLen%inVol != 0 {
		return outVol
	}
	return inputLen / inVol * outVol
}
