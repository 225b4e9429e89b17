package apiexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/tasync/canonical"
	"github.com/hazyhaar/tasync/observability"
	"github.com/hazyhaar/tasync/syncstore"
	"github.com/hazyhaar/tasync/taerr"
)

// DefaultSource is recorded on jobs whose request names no source.
const DefaultSource = "api_payload"

// ErrInvalidRequest is returned, without creating a job, for requests that
// cannot be recorded.
var ErrInvalidRequest = errors.New("apiexec: invalid request")

// Store is the job persistence the runner writes through.
type Store interface {
	InsertJob(ctx context.Context, j *syncstore.Job) error
	InsertItems(ctx context.Context, jobID string, results []canonical.ExecutedOperation) error
	FinalizeJob(ctx context.Context, jobID, status string, summary canonical.Summary, errMsg string) error
	LoadLatestPayloadHashes(ctx context.Context, classroomID, provider string) (map[string]string, error)
}

// Upserter pushes one operation. *Client implements it.
type Upserter interface {
	Upsert(ctx context.Context, op canonical.MappedOperation) (map[string]any, error)
}

// Events records business events. *observability.EventLogger implements it.
type Events interface {
	LogEvent(ctx context.Context, event observability.BusinessEvent)
}

// Metrics records per-job metrics. *observability.MetricsManager
// implements it.
type Metrics interface {
	RecordSync(classroomID, provider, mode string, summary canonical.Summary, d time.Duration)
}

// RunRequest is one canonical sync. Payload is any JSON object with
// attendance, marks and/or report_cards arrays.
type RunRequest struct {
	ClassroomID string          `json:"classroomId"`
	Mode        string          `json:"mode"`
	CreatedBy   string          `json:"createdBy"`
	Source      string          `json:"source,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// RunResult reports a finished run.
type RunResult struct {
	JobID      string                        `json:"jobId"`
	OK         bool                          `json:"ok"`
	Summary    canonical.Summary             `json:"summary"`
	Errors     []*taerr.Error                `json:"errors"`
	Operations []canonical.ExecutedOperation `json:"operations,omitempty"`
}

// RunnerConfig wires a Runner. Upserter is only needed for execute mode.
type RunnerConfig struct {
	Store    Store
	Upserter Upserter
	Events   Events
	Metrics  Metrics
	Logger   *slog.Logger
}

// Runner drives payloads through ingest, validation, planning and the API.
type Runner struct {
	store    Store
	upserter Upserter
	events   Events
	metrics  Metrics
	logger   *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	r := &Runner{
		store:    cfg.Store,
		upserter: cfg.Upserter,
		events:   cfg.Events,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Run executes one canonical sync with provider "api". Validation problems
// and operation failures fail the job but not the call; the returned error
// is reserved for requests that cannot be recorded and for state store
// failures, after which the job is finalized as failed when possible.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	req.ClassroomID = strings.TrimSpace(req.ClassroomID)
	if req.ClassroomID == "" {
		return nil, fmt.Errorf("%w: classroom id is required", ErrInvalidRequest)
	}
	if req.Mode != syncstore.ModeDryRun && req.Mode != syncstore.ModeExecute {
		return nil, fmt.Errorf("%w: mode must be %q or %q", ErrInvalidRequest, syncstore.ModeDryRun, syncstore.ModeExecute)
	}
	if req.Mode == syncstore.ModeExecute && r.upserter == nil {
		return nil, fmt.Errorf("%w: no API client configured", ErrInvalidRequest)
	}
	if req.Source == "" {
		req.Source = DefaultSource
	}

	started := time.Now()
	job := &syncstore.Job{
		ClassroomID:   req.ClassroomID,
		Provider:      syncstore.ProviderAPI,
		Mode:          req.Mode,
		Source:        req.Source,
		SourcePayload: req.Payload,
		CreatedBy:     req.CreatedBy,
	}
	if err := r.store.InsertJob(ctx, job); err != nil {
		return nil, fmt.Errorf("apiexec: create job: %w", err)
	}
	log := r.logger.With("job_id", job.ID, "classroom_id", job.ClassroomID, "mode", job.Mode)
	log.Info("apiexec: job started")
	r.logEvent(ctx, "sync_job_started", job, "", true)

	res := &RunResult{JobID: job.ID, Errors: []*taerr.Error{}}

	_, mapped, problems := canonical.Pipeline(canonical.Ingest(req.Payload))
	if len(problems) > 0 {
		for _, p := range problems {
			res.Errors = append(res.Errors, taerr.New(taerr.KindValidation, "%s", p))
		}
		msg := strings.Join(problems, "; ")
		ctx, cancel := bookkeeping(ctx)
		defer cancel()
		if err := r.store.FinalizeJob(ctx, job.ID, syncstore.JobFailed, canonical.Summary{}, msg); err != nil {
			return res, fmt.Errorf("apiexec: finalize job: %w", err)
		}
		log.Warn("apiexec: validation failed", "problems", len(problems))
		r.logEvent(ctx, "sync_job_finalized", job, msg, false)
		return res, nil
	}

	hashes, err := r.store.LoadLatestPayloadHashes(ctx, job.ClassroomID, syncstore.ProviderAPI)
	if err != nil {
		return r.abort(ctx, job, res, fmt.Errorf("load payload hashes: %w", err))
	}
	planned, err := canonical.PlanOperations(mapped, hashes)
	if err != nil {
		return r.abort(ctx, job, res, err)
	}
	log.Info("apiexec: planned", "operations", len(planned), "upserts", canonical.CountUpserts(planned))

	results := make([]canonical.ExecutedOperation, 0, len(planned))
	for _, op := range planned {
		switch {
		case op.Action == canonical.ActionNoop:
			results = append(results, canonical.Skip(op))
		case job.Mode == syncstore.ModeDryRun:
			results = append(results, canonical.Succeed(op, map[string]any{"dry_run": true}))
		default:
			resp, err := r.upserter.Upsert(ctx, op.MappedOperation)
			if err != nil {
				log.Warn("apiexec: upsert failed", "entity", op.HashKey(), "error", err)
				results = append(results, canonical.Fail(op, err.Error()))
				continue
			}
			results = append(results, canonical.Succeed(op, resp))
		}
	}

	// Upserts may have landed remotely: record them even if the caller left.
	ctx, cancel := bookkeeping(ctx)
	defer cancel()
	if err := r.store.InsertItems(ctx, job.ID, results); err != nil {
		return r.abort(ctx, job, res, fmt.Errorf("persist items: %w", err))
	}
	summary := canonical.Summarize(results)
	status := syncstore.JobCompleted
	var msg string
	if summary.Failed > 0 {
		status = syncstore.JobFailed
		msg = fmt.Sprintf("%d of %d operations failed", summary.Failed, summary.Planned)
	}
	if err := r.store.FinalizeJob(ctx, job.ID, status, summary, msg); err != nil {
		return res, fmt.Errorf("apiexec: finalize job: %w", err)
	}
	if r.metrics != nil {
		r.metrics.RecordSync(job.ClassroomID, job.Provider, job.Mode, summary, time.Since(started))
	}

	res.OK = status == syncstore.JobCompleted
	res.Summary = summary
	res.Operations = results
	log.Info("apiexec: job finalized", "status", status,
		"planned", summary.Planned, "upserted", summary.Upserted,
		"skipped", summary.Skipped, "failed", summary.Failed)
	r.logEvent(ctx, "sync_job_finalized", job, msg, res.OK)
	return res, nil
}

// abort finalizes the job as failed with a zero summary and returns cause.
func (r *Runner) abort(ctx context.Context, job *syncstore.Job, res *RunResult, cause error) (*RunResult, error) {
	r.logger.Error("apiexec: job aborted", "job_id", job.ID, "error", cause)
	ctx, cancel := bookkeeping(ctx)
	defer cancel()
	if ferr := r.store.FinalizeJob(ctx, job.ID, syncstore.JobFailed, canonical.Summary{}, cause.Error()); ferr != nil && !errors.Is(ferr, syncstore.ErrJobFinalized) {
		return res, fmt.Errorf("apiexec: %w (finalize: %v)", cause, ferr)
	}
	r.logEvent(ctx, "sync_job_finalized", job, cause.Error(), false)
	return res, fmt.Errorf("apiexec: %w", cause)
}

// finalizeTimeout bounds the job writes made after the run's context may
// already be cancelled.
const finalizeTimeout = 10 * time.Second

// bookkeeping returns a context for item and job writes. It outlives ctx
// so that a caller going away still leaves the job finalized.
func bookkeeping(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}

func (r *Runner) logEvent(ctx context.Context, eventType string, job *syncstore.Job, details string, ok bool) {
	if r.events == nil {
		return
	}
	r.events.LogEvent(ctx, observability.BusinessEvent{
		EventType:  eventType,
		EntityType: "sync_job",
		EntityID:   job.ID,
		UserID:     job.CreatedBy,
		Action:     job.Mode,
		Details:    details,
		Success:    ok,
	})
}
