// Command tasync pushes classroom attendance into the TA portal and
// canonical marks and report cards into the sync API.
//
// Without a one-shot flag it serves the HTTP API. -mcp serves the same
// operations as MCP tools over stdio instead.
//
//	tasync -config tasync.yaml                          # HTTP API
//	tasync -classroom c1 -date 2024-01-10 -mode dry_run  # one attendance sync
//	tasync -classroom c1 -payload marks.json -mode execute
//	tasync -mcp
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/tasync/apiexec"
	"github.com/hazyhaar/tasync/attendancesync"
	"github.com/hazyhaar/tasync/config"
	"github.com/hazyhaar/tasync/dbopen"
	"github.com/hazyhaar/tasync/httpapi"
	"github.com/hazyhaar/tasync/localdata"
	"github.com/hazyhaar/tasync/observability"
	"github.com/hazyhaar/tasync/secretbox"
	"github.com/hazyhaar/tasync/shield"
	"github.com/hazyhaar/tasync/syncstore"
	"github.com/hazyhaar/tasync/tadriver"
)

const version = "0.3.0"

// syncRequestsPerMinute bounds sync triggers per client and classroom.
const syncRequestsPerMinute = 6

type flags struct {
	configPath    string
	envFiles      string
	classroom     string
	date          string
	mode          string
	executionMode string
	createdBy     string
	payload       string
	mcp           bool
	logLevel      string
}

func main() {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "YAML config file")
	flag.StringVar(&f.envFiles, "env", ".env", "comma-separated .env files (missing files are ignored)")
	flag.StringVar(&f.classroom, "classroom", "", "run one sync for this classroom and exit")
	flag.StringVar(&f.date, "date", "", "attendance date (YYYY-MM-DD), default today")
	flag.StringVar(&f.mode, "mode", "dry_run", "dry_run or execute")
	flag.StringVar(&f.executionMode, "execution-mode", "", "override the classroom's execution mode (confirmation, full_auto)")
	flag.StringVar(&f.createdBy, "created-by", "cli", "recorded as the job author")
	flag.StringVar(&f.payload, "payload", "", "canonical payload JSON file; syncs marks and report cards instead of attendance")
	flag.BoolVar(&f.mcp, "mcp", false, "serve MCP tools on stdio")
	flag.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	flag.Parse()

	if err := run(f); err != nil {
		slog.Error("tasync", "error", err)
		os.Exit(1)
	}
}

func run(f flags) error {
	cfg, err := config.Load(f.configPath, splitList(f.envFiles)...)
	if err != nil {
		return err
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}

	// Logs go to stderr: stdout carries one-shot results and the MCP stream.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := dbopen.Open(cfg.DBPath,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(syncstore.Schema),
		dbopen.WithSchema(localdata.Schema),
		dbopen.WithSchema(observability.Schema),
	)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	app, err := wire(cfg, db, logger)
	if err != nil {
		return err
	}
	defer app.close()

	switch {
	case f.classroom != "":
		return app.oneShot(ctx, f)
	case f.mcp:
		return app.serveMCP(ctx)
	default:
		return app.serveHTTP(ctx, cfg)
	}
}

// app holds the wired services for the life of the process.
type app struct {
	db        *sql.DB
	logger    *slog.Logger
	store     *syncstore.Store
	box       *secretbox.Box
	events    *observability.EventLogger
	metrics   *observability.MetricsManager
	browsers  *tadriver.Manager
	syncer    *attendancesync.Syncer
	runner    *apiexec.Runner
	client    *apiexec.Client
	retention config.RetentionConfig
}

func wire(cfg *config.Config, db *sql.DB, logger *slog.Logger) (*app, error) {
	box, err := secretbox.New(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key (%s): %w", config.EnvEncryptionKey, err)
	}

	a := &app{
		db:        db,
		logger:    logger,
		store:     syncstore.NewStore(db),
		box:       box,
		events:    observability.NewEventLogger(db),
		metrics:   observability.NewMetricsManager(db, cfg.Metrics.BufferSize, cfg.Metrics.FlushInterval),
		retention: cfg.Retention,
	}

	var blocked []string
	if cfg.Browser.ResourceBlocking {
		blocked = []string{"images", "fonts", "media", "stylesheets"}
	}
	a.browsers = tadriver.NewManager(tadriver.Config{
		RemoteURL:        cfg.Browser.RemoteURL,
		Bin:              cfg.Browser.Bin,
		Display:          cfg.Browser.Display,
		NoSandbox:        cfg.Browser.NoSandbox,
		ResourceBlocking: blocked,
		Timeouts: tadriver.Timeouts{
			Navigation:   cfg.Browser.NavigationTimeout,
			Selector:     cfg.Browser.SelectorTimeout,
			Confirmation: cfg.Browser.ConfirmationTimeout,
			PollInterval: cfg.Browser.PollInterval,
		},
		Logger: logger.With("component", "tadriver"),
	})

	local := localdata.NewStore(db)
	a.syncer = attendancesync.New(attendancesync.Config{
		Store:       a.store,
		Attendance:  local,
		Roster:      local,
		Configs:     a.store,
		Credentials: box,
		Launcher:    attendancesync.BrowserLauncher(a.browsers),
		Events:      a.events,
		Metrics:     a.metrics,
		Logger:      logger.With("component", "attendancesync"),
	})

	runnerCfg := apiexec.RunnerConfig{
		Store:   a.store,
		Events:  a.events,
		Metrics: a.metrics,
		Logger:  logger.With("component", "apiexec"),
	}
	if cfg.API.BaseURL != "" {
		a.client, err = apiexec.NewClient(apiexec.ClientConfig{
			BaseURL:      cfg.API.BaseURL,
			Token:        cfg.API.Token,
			AllowPrivate: cfg.API.AllowPrivate,
			Timeout:      cfg.API.Timeout,
			MaxRetries:   cfg.API.MaxRetries,
			Backoff:      cfg.API.Backoff,
			Logger:       logger.With("component", "apiexec"),
		})
		if err != nil {
			a.close()
			return nil, err
		}
		runnerCfg.Upserter = a.client
	} else {
		logger.Info("sync API not configured, canonical syncs are dry run only")
	}
	a.runner = apiexec.NewRunner(runnerCfg)
	return a, nil
}

func (a *app) close() {
	if a.client != nil {
		a.client.Close()
	}
	if err := a.browsers.Close(); err != nil {
		a.logger.Warn("close browsers", "error", err)
	}
	if err := a.metrics.Close(); err != nil {
		a.logger.Warn("close metrics", "error", err)
	}
}

func (a *app) oneShot(ctx context.Context, f flags) error {
	var (
		res any
		err error
	)
	if f.payload != "" {
		data, rerr := os.ReadFile(f.payload)
		if rerr != nil {
			return fmt.Errorf("read payload: %w", rerr)
		}
		res, err = a.runner.Run(ctx, apiexec.RunRequest{
			ClassroomID: f.classroom,
			Mode:        f.mode,
			CreatedBy:   f.createdBy,
			Source:      "cli",
			Payload:     data,
		})
	} else {
		res, err = a.syncer.Run(ctx, attendanceRequest(f, time.Now()))
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func (a *app) serveMCP(ctx context.Context) error {
	srv := mcp.NewServer(&mcp.Implementation{Name: "tasync", Version: version}, nil)
	a.syncer.RegisterMCP(srv)
	a.runner.RegisterMCP(srv)

	go a.cleanupLoop(ctx)
	a.logger.Info("MCP server on stdio")
	if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp: %w", err)
	}
	return nil
}

func (a *app) serveHTTP(ctx context.Context, cfg *config.Config) error {
	limiter := shield.NewRateLimiter(syncRequestsPerMinute, time.Minute)
	limiter.StartGC(ctx.Done(), 5*time.Minute)

	api := httpapi.New(httpapi.Config{
		Attendance:  a.syncer,
		Canonical:   a.runner,
		Store:       a.store,
		Credentials: a.box,
		Events:      a.events,
		Metrics:     a.metrics,
		RateLimiter: limiter,
		Logger:      a.logger,
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Confirmation-mode syncs wait for a human to submit the form.
		WriteTimeout: cfg.Browser.ConfirmationTimeout + 2*time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go a.cleanupLoop(ctx)

	errc := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", "addr", cfg.Listen, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}
	a.logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("shutdown", "error", err)
	}
	a.logger.Info("server stopped")
	return nil
}

// cleanupLoop applies event and metric retention until ctx is done.
func (a *app) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(a.retention.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := observability.Cleanup(ctx, a.db, observability.RetentionConfig{
				EventLogsDays: a.retention.EventLogsDays,
				MetricsDays:   a.retention.MetricsDays,
			})
			if err != nil && ctx.Err() == nil {
				a.logger.Warn("retention cleanup", "error", err)
			}
		}
	}
}

// attendanceRequest builds the one-shot attendance request. An empty
// -date means today in local time.
func attendanceRequest(f flags, now time.Time) attendancesync.Request {
	date := strings.TrimSpace(f.date)
	if date == "" {
		date = now.Format(time.DateOnly)
	}
	return attendancesync.Request{
		ClassroomID:   f.classroom,
		Mode:          f.mode,
		CreatedBy:     f.createdBy,
		DateRange:     &attendancesync.DateRange{Start: date, End: date},
		ExecutionMode: f.executionMode,
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
