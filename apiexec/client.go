// Package apiexec executes canonical upsert operations against a remote
// sync API and runs the full canonical pipeline for loosely-typed payloads.
// It is the execution path for marks and report cards; attendance can go
// through it too when a classroom exposes an API instead of TA's forms.
package apiexec

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hazyhaar/tasync/canonical"
	"github.com/hazyhaar/tasync/connectivity"
)

// ClientConfig configures a Client. Only BaseURL is required.
type ClientConfig struct {
	BaseURL string
	// Token is sent as a bearer token when set.
	Token string
	// AllowPrivate permits loopback and intranet base URLs.
	AllowPrivate bool
	// Timeout bounds one attempt. Default: 15s.
	Timeout time.Duration
	// MaxRetries for transient failures. Default: 2. Negative disables.
	MaxRetries int
	// Backoff before the first retry, doubled each attempt. Default: 250ms.
	Backoff time.Duration
	// Breaker is shared by every entity endpoint. Default: a fresh breaker.
	Breaker    *connectivity.CircuitBreaker
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client posts mapped operations to {base}/sync/{entity_type}.
type Client struct {
	base     string
	handlers map[string]connectivity.Handler
	closers  []func()
	breaker  *connectivity.CircuitBreaker
}

// EntityTypes lists the entity types a Client can push.
var EntityTypes = []string{canonical.EntityAttendance, canonical.EntityMark, canonical.EntityReportCard}

// NewClient validates the base URL and builds one resilient handler per
// entity type.
func NewClient(cfg ClientConfig) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("apiexec: base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 250 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Breaker == nil {
		logger := cfg.Logger
		cfg.Breaker = connectivity.NewCircuitBreaker(
			connectivity.WithBreakerOnChange(func(from, to connectivity.BreakerState) {
				logger.Warn("sync API breaker", "base", base, "from", from.String(), "to", to.String())
			}),
		)
	}

	var headers map[string]string
	if cfg.Token != "" {
		headers = map[string]string{"Authorization": "Bearer " + cfg.Token}
	}

	c := &Client{base: base, handlers: make(map[string]connectivity.Handler), breaker: cfg.Breaker}
	for _, et := range EntityTypes {
		endpoint := base + "/sync/" + url.PathEscape(et)
		h, closeFn, err := connectivity.HTTPPost(endpoint, connectivity.HTTPOptions{
			Timeout:      cfg.Timeout,
			Headers:      headers,
			AllowPrivate: cfg.AllowPrivate,
			Client:       cfg.HTTPClient,
		})
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("apiexec: %w", err)
		}
		c.closers = append(c.closers, closeFn)
		c.handlers[et] = connectivity.Chain(
			connectivity.Recovery(cfg.Logger),
			connectivity.Logging(cfg.Logger, et),
			connectivity.WithCircuitBreaker(cfg.Breaker, base),
			connectivity.WithRetry(cfg.MaxRetries, cfg.Backoff, cfg.Logger),
			connectivity.WithTimeout(cfg.Timeout),
		)(h)
	}
	return c, nil
}

// upsertBody is the wire shape of one upsert.
type upsertBody struct {
	EntityType string         `json:"entity_type"`
	EntityKey  string         `json:"entity_key"`
	Payload    map[string]any `json:"payload"`
}

// Upsert sends op and returns the decoded response. An empty body yields a
// nil map; a non-object JSON body is returned under "response".
func (c *Client) Upsert(ctx context.Context, op canonical.MappedOperation) (map[string]any, error) {
	h, ok := c.handlers[op.EntityType]
	if !ok {
		return nil, fmt.Errorf("apiexec: unsupported entity type %q", op.EntityType)
	}
	body, err := json.Marshal(upsertBody{EntityType: op.EntityType, EntityKey: op.EntityKey, Payload: op.Payload})
	if err != nil {
		return nil, fmt.Errorf("apiexec: marshal %s: %w", op.HashKey(), err)
	}
	resp, err := h(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("apiexec: upsert %s: %w", op.HashKey(), err)
	}
	return decodeResponse(resp), nil
}

// BreakerState reports the shared circuit breaker state.
func (c *Client) BreakerState() connectivity.BreakerState {
	return c.breaker.State()
}

// Close releases idle connections.
func (c *Client) Close() {
	for _, fn := range c.closers {
		fn()
	}
}

func decodeResponse(data []byte) map[string]any {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err == nil {
		return obj
	}
	var v any
	if err := json.Unmarshal(data, &v); err == nil {
		return map[string]any{"response": v}
	}
	return map[string]any{"response": string(data)}
}
