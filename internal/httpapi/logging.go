package httpapi

import (
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is the structured logger of the HTTP layer, silent until SetLogger.
var zlog = zerolog.Nop()

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = l.With().Str("component", "http").Logger() }

// parseLevel maps a level name to zerolog. Empty and "off" disable request
// logs, "1" means debug, unknown names fall back to info.
func parseLevel(s string) zerolog.Level {
	switch s = strings.ToLower(strings.TrimSpace(s)); s {
	case "", "off":
		return zerolog.Disabled
	case "1":
		return zerolog.DebugLevel
	}
	if l, err := zerolog.ParseLevel(s); err == nil {
		return l
	}
	return zerolog.InfoLevel
}

var defaultLogLevel = parseLevel(os.Getenv("ENGINED_LOG_LEVEL"))

// SetDefaultLogLevel sets the level of requests that carry no override.
func SetDefaultLogLevel(s string) { defaultLogLevel = parseLevel(s) }

// requestLevel honors ?log= first, then the X-Log-Level header.
func requestLevel(r *http.Request) zerolog.Level {
	if v := r.URL.Query().Get("log"); v != "" {
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

// requestLogger is zlog at the request's level, tagged with its request id.
func requestLogger(r *http.Request) zerolog.Logger {
	return zlog.Level(requestLevel(r)).With().
		Str("request_id", middleware.GetReqID(r.Context())).
		Logger()
}
