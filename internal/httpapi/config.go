package httpapi

import "time"

// maxBodyBytes controls the maximum allowed request body size for JSON endpoints.
// The default of 16 MiB fits a 224x224x3 float tensor encoded as JSON.
var maxBodyBytes int64 = 16 << 20

// SetMaxBodyBytes allows configuring the maximum request body size.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = 16 << 20
		return
	}
	maxBodyBytes = n
}

// inferTimeout bounds how long an /infer request waits for the engine.
// Zero means no additional timeout beyond server/connection timeouts.
var inferTimeout time.Duration

// SetInferTimeout sets the wait bound (0 disables).
func SetInferTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	inferTimeout = d
}

// CORS configuration (opt-in). If disabled, no CORS middleware is added.
var (
	corsEnabled        bool
	corsAllowedOrigins []string
	corsAllowedMethods []string
	corsAllowedHeaders []string
)

// SetCORSOptions configures CORS behavior for the HTTP server.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	corsEnabled = enabled
	corsAllowedOrigins = append([]string(nil), origins...)
	corsAllowedMethods = append([]string(nil), methods...)
	corsAllowedHeaders = append([]string(nil), headers...)
}
