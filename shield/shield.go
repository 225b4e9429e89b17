// Package shield provides the HTTP middleware stack of the tasync API:
// security headers, body limits, request IDs with a per-request logger,
// caller identity and per-client rate limiting.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultAPIStack(logger) {
//	    r.Use(mw)
//	}
//	rl := shield.NewRateLimiter(6, time.Minute)
//	r.With(rl.Middleware).Post("/api/classrooms/{classroomID}/attendance-sync", h)
package shield

import (
	"context"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// UserHeader carries the caller identity set by the fronting proxy.
const UserHeader = "X-User-ID"

// DefaultAPIStack returns the standard middleware stack for the JSON API.
// Order: HeadToGet, SecurityHeaders, MaxBody, RequestID, Identity.
func DefaultAPIStack(logger *slog.Logger) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(DefaultMaxBody),
		RequestID(logger),
		Identity,
	}
}

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
