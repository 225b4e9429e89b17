// Package syncstore persists sync jobs, their per-operation items and the
// per-classroom TA configuration, and answers the planner's question: what
// payload hash was last pushed successfully for each entity?
package syncstore

import (
	"database/sql"
	"errors"
	"time"

	"github.com/hazyhaar/tasync/idgen"
)

// Job modes.
const (
	ModeDryRun  = "dry_run"
	ModeExecute = "execute"
)

// Job statuses. A job is created running and finalized exactly once.
const (
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Providers.
const (
	ProviderTABrowser = "ta_browser"
	ProviderAPI       = "api"
)

// DefaultHistoryJobs is how many recent jobs feed the hash cache.
const DefaultHistoryJobs = 20

var (
	// ErrJobNotFound is returned when finalizing an unknown job.
	ErrJobNotFound = errors.New("syncstore: job not found")
	// ErrJobFinalized is returned when finalizing a job that is no longer running.
	ErrJobFinalized = errors.New("syncstore: job already finalized")
)

// Store wraps the sync database.
type Store struct {
	DB           *sql.DB
	newJobID     idgen.Generator
	newItemID    idgen.Generator
	now          func() time.Time
	historyLimit int
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerators overrides job and item ID generation.
func WithIDGenerators(job, item idgen.Generator) Option {
	return func(s *Store) {
		s.newJobID = job
		s.newItemID = item
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithHistoryLimit sets how many recent completed jobs feed the hash cache.
func WithHistoryLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

// NewStore wraps an already-opened database. The schema must be applied.
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		DB:           db,
		newJobID:     idgen.JobID,
		newItemID:    idgen.ItemID,
		now:          time.Now,
		historyLimit: DefaultHistoryJobs,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}
