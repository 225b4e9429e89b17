// Package httpapi is the HTTP surface of tasync: the attendance and
// canonical sync entrypoints, TA credential upsert and job read-back.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/tasync/apiexec"
	"github.com/hazyhaar/tasync/attendancesync"
	"github.com/hazyhaar/tasync/observability"
	"github.com/hazyhaar/tasync/shield"
	"github.com/hazyhaar/tasync/syncstore"
)

// AttendanceRunner runs attendance syncs. *attendancesync.Syncer implements it.
type AttendanceRunner interface {
	Run(ctx context.Context, req attendancesync.Request) (*attendancesync.Result, error)
}

// CanonicalRunner runs canonical payload syncs. *apiexec.Runner implements it.
type CanonicalRunner interface {
	Run(ctx context.Context, req apiexec.RunRequest) (*apiexec.RunResult, error)
}

// Store reads jobs and stores TA configs. *syncstore.Store implements it.
type Store interface {
	GetJob(ctx context.Context, id string) (*syncstore.Job, error)
	ListItems(ctx context.Context, jobID string) ([]*syncstore.Item, error)
	GetTAConfig(ctx context.Context, classroomID string) (*syncstore.TAConfig, error)
	SaveTAConfig(ctx context.Context, c *syncstore.TAConfig) error
}

// Encrypter seals TA passwords. *secretbox.Box implements it.
type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}

// EventReader lists business events of an entity.
// *observability.EventLogger implements it.
type EventReader interface {
	EntityEvents(ctx context.Context, entityType, entityID string) ([]observability.BusinessEvent, error)
}

// RequestMetrics records labelled datapoints.
// *observability.MetricsManager implements it.
type RequestMetrics interface {
	RecordLabeled(name string, value float64, unit string, labels map[string]string)
}

// Config wires a Server. Canonical, Events, Metrics, RateLimiter and Logger
// are optional.
type Config struct {
	Attendance  AttendanceRunner
	Canonical   CanonicalRunner
	Store       Store
	Credentials Encrypter
	Events      EventReader
	Metrics     RequestMetrics
	RateLimiter *shield.RateLimiter
	Logger      *slog.Logger
}

// Server serves the tasync HTTP API.
type Server struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	for _, mw := range shield.DefaultAPIStack(s.logger) {
		r.Use(mw)
	}
	if s.cfg.Metrics != nil {
		r.Use(s.recordLatency)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	limited := func(h http.HandlerFunc) http.Handler {
		if s.cfg.RateLimiter == nil {
			return h
		}
		return s.cfg.RateLimiter.Middleware(h)
	}

	r.Route("/api/classrooms/{classroomID}", func(r chi.Router) {
		r.Method(http.MethodPost, "/attendance-sync", limited(s.attendanceSync))
		r.Method(http.MethodPost, "/canonical-sync", limited(s.canonicalSync))
		r.Get("/ta-config", s.getTAConfig)
		r.Put("/ta-config", s.putTAConfig)
	})
	r.Get("/api/jobs/{jobID}", s.getJob)

	return r
}

// recordLatency records request latency labelled by route pattern, so that
// classroom and job IDs do not explode label cardinality.
func (s *Server) recordLatency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.cfg.Metrics.RecordLabeled(observability.MetricHTTPRequestLatency,
			float64(time.Since(start).Milliseconds()), "milliseconds",
			map[string]string{
				"method": r.Method,
				"route":  route,
				"status": strconv.Itoa(status),
			})
	})
}
