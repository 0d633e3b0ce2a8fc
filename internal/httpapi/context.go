package httpapi

import (
	"context"
	"net/http"
)

// serverBaseCtx is canceled when the server shuts down.
var serverBaseCtx = context.Background()

// SetBaseContext sets the process-level context that in-flight inferences
// observe. Nil resets it to Background.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	serverBaseCtx = ctx
}

// joinContexts returns a context canceled when either a or b is done.
// Values come from b. The cancel func must be called when the handler ends.
func joinContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(b)
	stop := context.AfterFunc(a, func() { cancel(context.Cause(a)) })
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}

// inferContext bounds an /infer call by the request, server shutdown and
// the configured infer timeout.
func inferContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	if inferTimeout <= 0 {
		return ctx, cancel
	}
	tctx, tcancel := context.WithTimeout(ctx, inferTimeout)
	return tctx, func() {
		tcancel()
		cancel()
	}
}
