package web

import (
	"context"
	"log/slog"
	"runtime/debug"
)

// Middleware wraps a handler. Chains apply in registration order: the first
// middleware passed to Use runs outermost.
type Middleware func(Handler) Handler

// Recovery converts handler panics into plain 500 responses and logs the
// stack. The app installs it outermost on every chain; register it yourself
// only to place a custom variant further in.
func Recovery(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, r *Request) (resp *Response, err error) {
			defer func() {
				if v := recover(); v != nil {
					logger.Error("handler panicked",
						"method", r.Method,
						"path", r.Path,
						"panic", v,
						"stack", string(debug.Stack()))
					resp = Text(500, "Internal Server Error")
					err = nil
				}
			}()
			return next(ctx, r)
		}
	}
}
