package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"engined/pkg/types"
)

type mockService struct {
	info     types.EngineInfo
	ready    bool
	inferErr error
	resp     types.InferResponse
	lastReq  types.InferRequest
}

func (m *mockService) Info() types.EngineInfo { return m.info }
func (m *mockService) Ready() bool            { return m.ready }
func (m *mockService) Infer(ctx context.Context, req types.InferRequest) (types.InferResponse, error) {
	m.lastReq = req
	if m.inferErr != nil {
		return types.InferResponse{}, m.inferErr
	}
	return m.resp, nil
}

type mockHTTPError struct {
	msg  string
	code int
}

func (e mockHTTPError) Error() string   { return e.msg }
func (e mockHTTPError) StatusCode() int { return e.code }

func postInfer(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/infer", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) types.ErrorResponse {
	t.Helper()
	var e types.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("error body is not JSON: %v (%q)", err, w.Body.String())
	}
	return e
}

func TestHealthz(t *testing.T) {
	r := NewMux(&mockService{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing security header")
	}
}

func TestReadyz(t *testing.T) {
	for _, ready := range []bool{true, false} {
		r := NewMux(&mockService{ready: ready})
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		want := http.StatusOK
		if !ready {
			want = http.StatusServiceUnavailable
		}
		if w.Code != want {
			t.Fatalf("ready=%v status=%d", ready, w.Code)
		}
	}
}

func TestEngineInfoHandler(t *testing.T) {
	svc := &mockService{info: types.EngineInfo{ID: "h1", Backend: "sim", Bindings: []types.BindingInfo{{Name: "input", IsInput: true, Dims: []int{3}, Volume: 3}}}}
	r := NewMux(svc)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/engine", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%s", ct)
	}
	var got types.EngineInfo
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("json: %v", err)
	}
	if got.ID != "h1" || len(got.Bindings) != 1 || got.Bindings[0].Volume != 3 {
		t.Fatalf("unexpected body: %+v", got)
	}
}

func TestInferHandler_OK(t *testing.T) {
	svc := &mockService{resp: types.InferResponse{Output: []float32{0.25, 0.75}, ElapsedMS: 1.5}}
	r := NewMux(svc)
	w := postInfer(t, r, `{"input_name":"data","input":[1,2,3],"output_count":2}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var got types.InferResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(got.Output) != 2 || got.Output[1] != 0.75 || got.ElapsedMS != 1.5 {
		t.Fatalf("unexpected body: %+v", got)
	}
	if svc.lastReq.InputName != "data" || len(svc.lastReq.Input) != 3 || svc.lastReq.OutputCount != 2 {
		t.Fatalf("request not forwarded: %+v", svc.lastReq)
	}
}

func TestInferHandler_RequestValidation(t *testing.T) {
	r := NewMux(&mockService{})

	req := httptest.NewRequest(http.MethodPost, "/infer", bytes.NewBufferString(`{"input":[1]}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("missing content type: status=%d", w.Code)
	}

	cases := map[string]string{
		"bad json":        `{"input": [1,`,
		"no input":        `{"input_name":"x"}`,
		"negative output": `{"input":[1],"output_count":-1}`,
	}
	for name, body := range cases {
		w := postInfer(t, r, body)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: status=%d", name, w.Code)
		}
		if e := decodeError(t, w); e.Code != http.StatusBadRequest || e.Error == "" {
			t.Fatalf("%s: unexpected error body %+v", name, e)
		}
	}
}

func TestInferHandler_BodyLimit(t *testing.T) {
	t.Cleanup(func() { SetMaxBodyBytes(0) })
	SetMaxBodyBytes(16)
	w := postInfer(t, NewMux(&mockService{}), `{"input":[1,2,3,4,5,6,7,8,9,10]}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestInferHandler_HTTPErrorPassthrough(t *testing.T) {
	svc := &mockService{inferErr: mockHTTPError{msg: "teapot", code: http.StatusTeapot}}
	w := postInfer(t, NewMux(svc), `{"input":[1]}`)
	if w.Code != http.StatusTeapot {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestInferHandler_GenericErrorMaps500(t *testing.T) {
	svc := &mockService{inferErr: fmt.Errorf("boom")}
	w := postInfer(t, NewMux(svc), `{"input":[1]}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
	if e := decodeError(t, w); e.Kind != "" || e.Error != "boom" {
		t.Fatalf("unexpected error body %+v", e)
	}
}

func TestCORSPreflight(t *testing.T) {
	t.Cleanup(func() { SetCORSOptions(false, nil, nil, nil) })
	SetCORSOptions(true, []string{"http://localhost:3000"}, nil, nil)
	r := NewMux(&mockService{})

	req := httptest.NewRequest(http.MethodOptions, "/infer", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("allow-origin=%q status=%d", got, w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected allow-origin %q", got)
	}
}
