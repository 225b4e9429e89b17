package connectivity

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hazyhaar/tasync/horosafe"
)

// maxErrorBody bounds how much of a failed response ends up in StatusError.
const maxErrorBody = 512

// HTTPOptions configures HTTPPost. The zero value is usable.
type HTTPOptions struct {
	// Timeout is the http.Client timeout. Default: 30s.
	Timeout time.Duration
	// ContentType of the request body. Default: application/json.
	ContentType string
	// Headers are added to every request (e.g. Authorization).
	Headers map[string]string
	// AllowPrivate permits loopback and RFC 1918 endpoints.
	AllowPrivate bool
	// MaxResponseBody caps response reads. Default: horosafe.MaxResponseBody.
	MaxResponseBody int64
	// Client overrides the HTTP client; Timeout is then ignored.
	Client *http.Client
}

// HTTPPost returns a Handler that POSTs the payload to endpoint and returns
// the response body. Non-2xx responses become *StatusError. The endpoint is
// validated once, up front. The returned close function releases idle
// connections.
func HTTPPost(endpoint string, opts HTTPOptions) (Handler, func(), error) {
	if err := horosafe.ValidateURL(endpoint, opts.AllowPrivate); err != nil {
		return nil, nil, fmt.Errorf("connectivity/http: %w", err)
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	maxBody := opts.MaxResponseBody
	if maxBody <= 0 {
		maxBody = horosafe.MaxResponseBody
	}
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	handler := func(ctx context.Context, payload []byte) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("connectivity/http: create request: %w", err)
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Accept", "application/json")
		for k, v := range opts.Headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("connectivity/http: %s: %w", horosafe.RedactURL(endpoint), err)
		}
		defer resp.Body.Close()

		body, err := horosafe.LimitedReadAll(resp.Body, maxBody)
		if err != nil {
			return nil, fmt.Errorf("connectivity/http: read response: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			if len(body) > maxErrorBody {
				body = body[:maxErrorBody]
			}
			return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
		}
		return body, nil
	}

	return handler, client.CloseIdleConnections, nil
}
