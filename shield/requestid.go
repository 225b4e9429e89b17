package shield

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/hazyhaar/tasync/idgen"
	"github.com/hazyhaar/tasync/kit"
)

// RequestIDHeader is echoed on every response.
const RequestIDHeader = "X-Request-ID"

var validRequestID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// RequestID assigns each request an ID, reusing a well-formed incoming
// X-Request-ID, and attaches it to the context, the response headers and a
// per-request logger derived from logger (slog.Default() when nil).
func RequestID(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if !validRequestID.MatchString(id) {
				id = idgen.New()
			}
			w.Header().Set(RequestIDHeader, id)

			ctx := kit.WithRequestID(r.Context(), id)
			reqLogger := logger.With(
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
			)
			ctx = context.WithValue(ctx, LoggerKey, reqLogger)
			reqLogger.Debug("request")

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Identity copies the caller identity from the X-User-ID header into the
// context. Authentication happens upstream; an absent header leaves the
// user empty.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := kit.WithTransport(r.Context(), "http")
		if user := strings.TrimSpace(r.Header.Get(UserHeader)); user != "" {
			ctx = kit.WithUserID(ctx, user)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
