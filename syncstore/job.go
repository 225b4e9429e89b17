package syncstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hazyhaar/tasync/canonical"
	"github.com/hazyhaar/tasync/dbopen"
)

// Job is one sync invocation.
type Job struct {
	ID            string            `json:"id"`
	ClassroomID   string            `json:"classroom_id"`
	Provider      string            `json:"provider"`
	Mode          string            `json:"mode"`
	Status        string            `json:"status"`
	Source        string            `json:"source"`
	SourcePayload json.RawMessage   `json:"source_payload"`
	CreatedBy     string            `json:"created_by"`
	Summary       canonical.Summary `json:"summary"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	StartedAt     int64             `json:"started_at"`
	FinishedAt    *int64            `json:"finished_at,omitempty"`
}

// Item is the persisted form of one executed operation. Items are
// write-once.
type Item struct {
	ID              string          `json:"id"`
	JobID           string          `json:"job_id"`
	Seq             int             `json:"seq"`
	EntityType      string          `json:"entity_type"`
	EntityKey       string          `json:"entity_key"`
	Action          string          `json:"action"`
	PayloadHash     string          `json:"payload_hash"`
	Payload         json.RawMessage `json:"payload"`
	Status          string          `json:"status"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ResponsePayload json.RawMessage `json:"response_payload,omitempty"`
	CreatedAt       int64           `json:"created_at"`
}

// InsertJob records a new running job. ID and StartedAt are filled in when
// empty; Status is always forced to running.
func (s *Store) InsertJob(ctx context.Context, j *Job) error {
	if j.ID == "" {
		j.ID = s.newJobID()
	}
	if j.StartedAt == 0 {
		j.StartedAt = s.now().UnixMilli()
	}
	j.Status = JobRunning
	payload := string(j.SourcePayload)
	if payload == "" {
		payload = "{}"
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO sync_jobs (id, classroom_id, provider, mode, status, source,
		source_payload, created_by, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.ClassroomID, j.Provider, j.Mode, j.Status, j.Source,
		payload, j.CreatedBy, j.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("syncstore: insert job: %w", err)
	}
	return nil
}

// InsertItems bulk-inserts one row per executed operation in a single
// transaction. Sequence numbers follow slice order.
func (s *Store) InsertItems(ctx context.Context, jobID string, results []canonical.ExecutedOperation) error {
	if len(results) == 0 {
		return nil
	}
	now := s.now().UnixMilli()
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO sync_job_items (id, job_id, seq, entity_type, entity_key, action,
			payload_hash, payload, status, error_message, response_payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("syncstore: prepare items: %w", err)
		}
		defer stmt.Close()

		for i, r := range results {
			payload, err := json.Marshal(r.Payload)
			if err != nil {
				return fmt.Errorf("syncstore: marshal payload %s: %w", r.HashKey(), err)
			}
			var response string
			if r.ResponsePayload != nil {
				data, err := json.Marshal(r.ResponsePayload)
				if err != nil {
					return fmt.Errorf("syncstore: marshal response %s: %w", r.HashKey(), err)
				}
				response = string(data)
			}
			if _, err := stmt.ExecContext(ctx,
				s.newItemID(), jobID, i, r.EntityType, r.EntityKey, string(r.Action),
				r.PayloadHash, string(payload), string(r.Status), r.ErrorMessage, response, now,
			); err != nil {
				return fmt.Errorf("syncstore: insert item %s: %w", r.HashKey(), err)
			}
		}
		return nil
	})
}

// FinalizeJob moves a running job to completed or failed. It succeeds at
// most once per job: later calls return ErrJobFinalized.
func (s *Store) FinalizeJob(ctx context.Context, jobID, status string, summary canonical.Summary, errMsg string) error {
	if status != JobCompleted && status != JobFailed {
		return fmt.Errorf("syncstore: invalid final status %q", status)
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE sync_jobs SET status = ?, planned = ?, upserted = ?, skipped = ?, failed = ?,
		error_message = ?, finished_at = ?
		WHERE id = ? AND status = 'running'`,
		status, summary.Planned, summary.Upserted, summary.Skipped, summary.Failed,
		errMsg, s.now().UnixMilli(), jobID,
	)
	if err != nil {
		return fmt.Errorf("syncstore: finalize job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("syncstore: finalize job: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.DB.QueryRowContext(ctx, `SELECT 1 FROM sync_jobs WHERE id = ?`, jobID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("syncstore: finalize job: %w", err)
	}
	return ErrJobFinalized
}

const jobColumns = `id, classroom_id, provider, mode, status, source, source_payload, created_by,
	planned, upserted, skipped, failed, error_message, started_at, finished_at`

func scanJob(sc interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var payload string
	var finished sql.NullInt64
	if err := sc.Scan(&j.ID, &j.ClassroomID, &j.Provider, &j.Mode, &j.Status, &j.Source,
		&payload, &j.CreatedBy, &j.Summary.Planned, &j.Summary.Upserted, &j.Summary.Skipped,
		&j.Summary.Failed, &j.ErrorMessage, &j.StartedAt, &finished); err != nil {
		return nil, err
	}
	j.SourcePayload = json.RawMessage(payload)
	if finished.Valid {
		v := finished.Int64
		j.FinishedAt = &v
	}
	return &j, nil
}

// GetJob returns a job by ID, or nil if it does not exist.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("syncstore: get job: %w", err)
	}
	return j, nil
}

// RecentCompletedJobs returns the newest completed execute-mode jobs for a
// classroom and provider. Dry runs never reach the remote system, so they
// are not history.
func (s *Store) RecentCompletedJobs(ctx context.Context, classroomID, provider string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = s.historyLimit
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM sync_jobs
		WHERE classroom_id = ? AND provider = ? AND status = 'completed' AND mode = 'execute'
		ORDER BY started_at DESC, id DESC LIMIT ?`, classroomID, provider, limit)
	if err != nil {
		return nil, fmt.Errorf("syncstore: recent jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("syncstore: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ListItems returns a job's items in execution order.
func (s *Store) ListItems(ctx context.Context, jobID string) ([]*Item, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, job_id, seq, entity_type, entity_key, action, payload_hash, payload,
		status, error_message, response_payload, created_at
		FROM sync_job_items WHERE job_id = ? ORDER BY seq`, jobID)
	if err != nil {
		return nil, fmt.Errorf("syncstore: list items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		var it Item
		var payload, response string
		if err := rows.Scan(&it.ID, &it.JobID, &it.Seq, &it.EntityType, &it.EntityKey,
			&it.Action, &it.PayloadHash, &payload, &it.Status, &it.ErrorMessage,
			&response, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("syncstore: scan item: %w", err)
		}
		it.Payload = json.RawMessage(payload)
		if response != "" {
			it.ResponsePayload = json.RawMessage(response)
		}
		items = append(items, &it)
	}
	return items, rows.Err()
}
