package engine

import (
	"github.com/rs/zerolog"
)

// zlog is disabled until SetLogger installs a structured logger.
var zlog = zerolog.Nop()

// SetLogger installs the logger used by compile, load, infer and release.
func SetLogger(l zerolog.Logger) { zlog = l.With().Str("component", "engine").Logger() }

type closer interface{ Close() error }

// closeLogged destroys a toolchain object, logging rather than returning failures
// so every object on an exit path still gets its turn.
func closeLogged(what string, c closer) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		zlog.Warn().Err(err).Str("object", what).Msg("destroy failed")
	}
}
