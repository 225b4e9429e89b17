// Package connectivity wraps outbound calls to remote sync targets in a
// composable middleware stack: timeouts, retries with exponential backoff,
// a circuit breaker and panic recovery.
//
// A remote target is reduced to a Handler (bytes in, bytes out). HTTPPost
// builds one for an HTTP endpoint; everything else is a HandlerMiddleware:
//
//	h, closeFn, err := connectivity.HTTPPost(url, connectivity.HTTPOptions{})
//	h = connectivity.Chain(
//		connectivity.WithCircuitBreaker(cb, "api"),
//		connectivity.WithRetry(3, 200*time.Millisecond, logger),
//		connectivity.WithTimeout(10*time.Second),
//	)(h)
package connectivity

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"
)

// Handler is one remote call: payload in, response body out.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// HandlerMiddleware wraps a Handler without changing its signature.
type HandlerMiddleware func(next Handler) Handler

// Chain composes middlewares left-to-right: the first middleware is the
// outermost wrapper.
func Chain(mws ...HandlerMiddleware) HandlerMiddleware {
	return func(next Handler) Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// Logging logs every call with its duration under the given endpoint name.
func Logging(logger *slog.Logger, endpoint string) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			start := time.Now()
			resp, err := next(ctx, payload)
			dur := time.Since(start)

			if err != nil {
				logger.WarnContext(ctx, "connectivity: call failed",
					"endpoint", endpoint,
					"duration_ms", dur.Milliseconds(),
					"payload_bytes", len(payload),
					"error", err)
			} else {
				logger.DebugContext(ctx, "connectivity: call ok",
					"endpoint", endpoint,
					"duration_ms", dur.Milliseconds(),
					"response_bytes", len(resp))
			}
			return resp, err
		}
	}
}

// Recovery converts a panic in a downstream handler into an *ErrPanic.
func Recovery(logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) (resp []byte, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "connectivity: handler panic recovered",
						"panic", r,
						"stack", string(debug.Stack()))
					err = &ErrPanic{Value: r}
				}
			}()
			return next(ctx, payload)
		}
	}
}
