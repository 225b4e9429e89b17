// Package attendancesync runs one attendance sync: local attendance for a
// single date goes through the canonical pipeline and the hash planner,
// and changed records are pushed into TA through a browser session.
package attendancesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/tasync/canonical"
	"github.com/hazyhaar/tasync/localdata"
	"github.com/hazyhaar/tasync/matcher"
	"github.com/hazyhaar/tasync/observability"
	"github.com/hazyhaar/tasync/syncstore"
	"github.com/hazyhaar/tasync/tadriver"
	"github.com/hazyhaar/tasync/taerr"
)

// Source is recorded on every job this package creates.
const Source = "local_attendance"

var (
	// ErrInvalidRequest is returned, without creating a job, for requests
	// that cannot be recorded at all.
	ErrInvalidRequest = errors.New("attendancesync: invalid request")
)

// DateRange bounds the attendance to sync. Start and End must be the same
// date.
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Request starts one sync run.
type Request struct {
	ClassroomID   string     `json:"classroomId"`
	Mode          string     `json:"mode"`
	CreatedBy     string     `json:"createdBy"`
	DateRange     *DateRange `json:"dateRange,omitempty"`
	ExecutionMode string     `json:"executionMode,omitempty"`
}

// Result is what a run reports back.
type Result struct {
	JobID             string                        `json:"jobId"`
	OK                bool                          `json:"ok"`
	Summary           canonical.Summary             `json:"summary"`
	Errors            []*taerr.Error                `json:"errors"`
	UnmatchedStudents []matcher.Result              `json:"unmatchedStudents"`
	Operations        []canonical.ExecutedOperation `json:"operations,omitempty"`
}

// Config wires a Syncer's collaborators. Events, Metrics and Logger are
// optional.
type Config struct {
	Store       Store
	Attendance  AttendanceSource
	Roster      RosterSource
	Configs     ConfigSource
	Credentials Decrypter
	Launcher    Launcher
	Events      Events
	Metrics     Metrics
	Selectors   tadriver.Selectors
	Logger      *slog.Logger
}

// Syncer runs attendance syncs. It holds no per-run state and may be shared.
type Syncer struct {
	store       Store
	attendance  AttendanceSource
	roster      RosterSource
	configs     ConfigSource
	credentials Decrypter
	launcher    Launcher
	events      Events
	metrics     Metrics
	sel         tadriver.Selectors
	logger      *slog.Logger
}

// New creates a Syncer.
func New(cfg Config) *Syncer {
	s := &Syncer{
		store:       cfg.Store,
		attendance:  cfg.Attendance,
		roster:      cfg.Roster,
		configs:     cfg.Configs,
		credentials: cfg.Credentials,
		launcher:    cfg.Launcher,
		events:      cfg.Events,
		metrics:     cfg.Metrics,
		sel:         cfg.Selectors,
		logger:      cfg.Logger,
	}
	if len(s.sel.StatusCodes) == 0 {
		s.sel = tadriver.DefaultSelectors()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// run carries one job through the flow.
type run struct {
	*Syncer
	job     *syncstore.Job
	req     Request
	started time.Time
	log     *slog.Logger
	result  *Result
}

// Run executes one sync. Failures of the run itself (validation, login,
// navigation, unexpected errors) are reported in the Result with OK=false;
// the returned error is reserved for requests that could not be recorded
// and for a job that could not be finalized.
func (s *Syncer) Run(ctx context.Context, req Request) (*Result, error) {
	req.ClassroomID = strings.TrimSpace(req.ClassroomID)
	if req.ClassroomID == "" {
		return nil, fmt.Errorf("%w: classroom id is required", ErrInvalidRequest)
	}
	if req.Mode != syncstore.ModeDryRun && req.Mode != syncstore.ModeExecute {
		return nil, fmt.Errorf("%w: mode must be %q or %q", ErrInvalidRequest, syncstore.ModeDryRun, syncstore.ModeExecute)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("attendancesync: marshal request: %w", err)
	}
	job := &syncstore.Job{
		ClassroomID:   req.ClassroomID,
		Provider:      syncstore.ProviderTABrowser,
		Mode:          req.Mode,
		Source:        Source,
		SourcePayload: payload,
		CreatedBy:     req.CreatedBy,
	}
	if err := s.store.InsertJob(ctx, job); err != nil {
		return nil, fmt.Errorf("attendancesync: create job: %w", err)
	}

	r := &run{
		Syncer:  s,
		job:     job,
		req:     req,
		started: time.Now(),
		log:     s.logger.With("job_id", job.ID, "classroom_id", req.ClassroomID, "mode", req.Mode),
		result:  &Result{
			JobID:             job.ID,
			Errors:            []*taerr.Error{},
			UnmatchedStudents: []matcher.Result{},
		},
	}
	r.log.Info("attendancesync: job started")
	s.logEvent(ctx, "sync_job_started", job, "", true)

	if err := r.execute(ctx); err != nil {
		return r.abort(ctx, err)
	}
	return r.result, nil
}

// finalizeTimeout bounds the job writes made after the run's context may
// already be cancelled.
const finalizeTimeout = 10 * time.Second

// bookkeeping returns a context for item and job writes. It outlives ctx
// so that a caller going away still leaves the job finalized.
func bookkeeping(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}

// execute runs steps 2 to 11. A returned error aborts the job.
func (r *run) execute(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = taerr.New(taerr.KindBrowser, "unexpected failure: %v", p)
		}
	}()

	date, problem := singleDate(r.req.DateRange)
	if problem != "" {
		return r.rejectInvalid(ctx, []string{problem})
	}
	r.log = r.log.With("date", date)

	var local []localdata.Attendance
	var hashes map[string]string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		local, err = r.attendance.AttendanceForDate(gctx, r.req.ClassroomID, date)
		if err != nil {
			return fmt.Errorf("load local attendance: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		hashes, err = r.store.LoadLatestPayloadHashes(gctx, r.req.ClassroomID, syncstore.ProviderTABrowser)
		if err != nil {
			return fmt.Errorf("load payload hashes: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	_, mapped, problems := canonical.Pipeline(canonical.Dataset{Attendance: toCanonical(local, date)})
	if len(problems) > 0 {
		return r.rejectInvalid(ctx, problems)
	}

	planned, err := canonical.PlanOperations(mapped, hashes)
	if err != nil {
		return err
	}
	upserts := canonical.CountUpserts(planned)
	r.log.Info("attendancesync: planned", "operations", len(planned), "upserts", upserts)

	results := make([]canonical.ExecutedOperation, len(planned))
	for i, op := range planned {
		if op.Action == canonical.ActionNoop {
			results[i] = canonical.Skip(op)
		}
	}

	switch {
	case upserts == 0:
		// Nothing changed since the last successful push.
	case r.req.Mode == syncstore.ModeDryRun:
		for i, op := range planned {
			if op.Action == canonical.ActionUpsert {
				results[i] = canonical.Succeed(op, map[string]any{"dry_run": true})
			}
		}
	default:
		if err := r.pushToTA(ctx, planned, results); err != nil {
			return err
		}
	}

	return r.complete(ctx, results)
}

// rejectInvalid finalizes the job as failed with a zero summary. No browser
// is launched and nothing is persisted besides the job row.
func (r *run) rejectInvalid(ctx context.Context, problems []string) error {
	for _, p := range problems {
		r.result.Errors = append(r.result.Errors, taerr.New(taerr.KindValidation, "%s", p))
	}
	msg := strings.Join(problems, "; ")
	ctx, cancel := bookkeeping(ctx)
	defer cancel()
	if err := r.store.FinalizeJob(ctx, r.job.ID, syncstore.JobFailed, canonical.Summary{}, msg); err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}
	r.log.Warn("attendancesync: validation failed", "problems", len(problems))
	r.logEvent(ctx, "sync_job_finalized", r.job, msg, false)
	return nil
}

// complete persists every executed operation and finalizes the job. Any
// failed operation fails the job.
func (r *run) complete(ctx context.Context, results []canonical.ExecutedOperation) error {
	ctx, cancel := bookkeeping(ctx)
	defer cancel()
	if err := r.store.InsertItems(ctx, r.job.ID, results); err != nil {
		return fmt.Errorf("persist items: %w", err)
	}
	summary := canonical.Summarize(results)
	status := syncstore.JobCompleted
	var msg string
	if summary.Failed > 0 {
		status = syncstore.JobFailed
		msg = fmt.Sprintf("%d of %d operations failed", summary.Failed, summary.Planned)
	}
	if err := r.store.FinalizeJob(ctx, r.job.ID, status, summary, msg); err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}

	if r.metrics != nil {
		r.metrics.RecordSync(r.job.ClassroomID, r.job.Provider, r.job.Mode, summary, time.Since(r.started))
	}

	r.result.OK = status == syncstore.JobCompleted
	r.result.Summary = summary
	r.result.Operations = results
	r.log.Info("attendancesync: job finalized", "status", status,
		"planned", summary.Planned, "upserted", summary.Upserted,
		"skipped", summary.Skipped, "failed", summary.Failed)
	r.logEvent(ctx, "sync_job_finalized", r.job, msg, r.result.OK)
	return nil
}

// abort finalizes the job as failed with a zero summary and reports err as
// the run's single error. Classified errors keep their kind; anything else
// is a browser error.
func (r *run) abort(ctx context.Context, err error) (*Result, error) {
	te := taerr.Wrap(taerr.KindBrowser, err, "sync aborted")
	r.log.Error("attendancesync: job aborted", "kind", te.Kind, "error", err)

	res := &Result{
		JobID:             r.job.ID,
		Errors:            []*taerr.Error{te},
		UnmatchedStudents: r.result.UnmatchedStudents,
	}
	ctx, cancel := bookkeeping(ctx)
	defer cancel()
	if ferr := r.store.FinalizeJob(ctx, r.job.ID, syncstore.JobFailed, canonical.Summary{}, te.Error()); ferr != nil && !errors.Is(ferr, syncstore.ErrJobFinalized) {
		return res, fmt.Errorf("attendancesync: finalize aborted job: %w", ferr)
	}
	r.logEvent(ctx, "sync_job_finalized", r.job, te.Error(), false)
	return res, nil
}

func (s *Syncer) logEvent(ctx context.Context, eventType string, job *syncstore.Job, details string, ok bool) {
	if s.events == nil {
		return
	}
	s.events.LogEvent(ctx, observability.BusinessEvent{
		EventType:  eventType,
		EntityType: "sync_job",
		EntityID:   job.ID,
		UserID:     job.CreatedBy,
		Action:     job.Mode,
		Details:    details,
		Success:    ok,
	})
}

// singleDate returns the one date a request covers, or a problem message.
func singleDate(dr *DateRange) (string, string) {
	if dr == nil {
		return "", "a date range is required"
	}
	start, end := strings.TrimSpace(dr.Start), strings.TrimSpace(dr.End)
	if end == "" {
		end = start
	}
	if start == "" {
		return "", "a date range is required"
	}
	if start != end {
		return "", fmt.Sprintf("date range %s..%s spans more than one date; attendance sync covers exactly one date", start, end)
	}
	return start, ""
}

// toCanonical turns local attendance into canonical records. Pending
// entries are not decided yet and are left out.
func toCanonical(local []localdata.Attendance, date string) []canonical.AttendanceRecord {
	recs := make([]canonical.AttendanceRecord, 0, len(local))
	for _, a := range local {
		if strings.EqualFold(strings.TrimSpace(a.Status), localdata.StatusPending) {
			continue
		}
		d := a.Date
		if d == "" {
			d = date
		}
		recs = append(recs, canonical.AttendanceRecord{
			EntityKey:  a.StudentID + ":" + d,
			StudentKey: a.StudentID,
			Date:       d,
			Status:     a.Status,
		})
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].EntityKey < recs[j].EntityKey })
	return recs
}
