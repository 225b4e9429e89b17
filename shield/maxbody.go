package shield

import "net/http"

// DefaultMaxBody bounds request bodies: a canonical payload for one
// classroom stays far below 1 MiB.
const DefaultMaxBody int64 = 1 << 20

// MaxBody limits every request body to maxBytes. Reads past the limit fail
// and the handler answers with its decode error.
func MaxBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
