package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"engined/internal/engine"
	"engined/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// badRequest is a client error answered with 400.
type badRequest string

func (e badRequest) Error() string   { return string(e) }
func (e badRequest) StatusCode() int { return http.StatusBadRequest }

// errTooBusy is returned when the engine stays occupied past the request deadline.
var errTooBusy = errors.New("engine busy")

// IsTooBusy reports whether err means the single engine slot was not acquired in time.
func IsTooBusy(err error) bool { return errors.Is(err, errTooBusy) }

// statusFor maps engine error kinds onto HTTP statuses.
func statusFor(err error) int {
	var he HTTPError
	if errors.As(err, &he) {
		return he.StatusCode()
	}
	if IsTooBusy(err) {
		return http.StatusTooManyRequests
	}
	switch engine.KindOf(err) {
	case engine.KindUnknownBinding, engine.KindInvalidArgument:
		return http.StatusBadRequest
	case engine.KindDeviceOutOfMemory, engine.KindReleased:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeError(w, status, msg, "")
}

func writeError(w http.ResponseWriter, status int, msg, kind string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status, Kind: kind})
}
