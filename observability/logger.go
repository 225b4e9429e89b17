package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/tasync/idgen"
)

// DefaultServiceName is recorded when an event carries none.
const DefaultServiceName = "tasync"

// BusinessEvent represents a domain-level event to record.
type BusinessEvent struct {
	EventType   string    `json:"event_type"`
	ServiceName string    `json:"service_name"`
	EntityType  string    `json:"entity_type"`
	EntityID    string    `json:"entity_id"`
	UserID      string    `json:"user_id,omitempty"`
	Action      string    `json:"action"`
	Details     string    `json:"details,omitempty"` // optional, free text or JSON
	Success     bool      `json:"success"`
	CreatedAt   time.Time `json:"created_at"`
}

// EventLogger writes business events and manages retention cleanup.
type EventLogger struct {
	db    *sql.DB
	newID idgen.Generator
	now   func() time.Time
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// WithEventClock overrides the time source.
func WithEventClock(now func() time.Time) EventLoggerOption {
	return func(l *EventLogger) { l.now = now }
}

// NewEventLogger creates a logger backed by the given observability database.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:    db,
		newID: idgen.EventID,
		now:   time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogEvent records a business event. Non-blocking: errors are logged via slog
// but do not propagate, so a failing observability store never fails a sync.
func (l *EventLogger) LogEvent(ctx context.Context, event BusinessEvent) {
	if event.ServiceName == "" {
		event.ServiceName = DefaultServiceName
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO business_event_logs (
			event_id, event_type, service_name, entity_type, entity_id,
			user_id, action, details, success, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		l.newID(), event.EventType, event.ServiceName, event.EntityType, event.EntityID,
		event.UserID, event.Action, event.Details, event.Success, l.now().Unix())
	if err != nil {
		slog.Error("observability event log failed", "error", err, "event_type", event.EventType)
	}
}

// EntityEvents returns the events recorded for one entity, oldest first.
func (l *EventLogger) EntityEvents(ctx context.Context, entityType, entityID string) ([]BusinessEvent, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_type, service_name, entity_type, entity_id, COALESCE(user_id, ''),
			action, COALESCE(details, ''), success, created_at
		FROM business_event_logs
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY created_at, rowid`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []BusinessEvent
	for rows.Next() {
		var e BusinessEvent
		var ts int64
		if err := rows.Scan(&e.EventType, &e.ServiceName, &e.EntityType, &e.EntityID,
			&e.UserID, &e.Action, &e.Details, &e.Success, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.CreatedAt = time.Unix(ts, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RetentionConfig specifies per-table retention in days. Zero means no cleanup.
type RetentionConfig struct {
	EventLogsDays  int
	MetricsDays    int
	RunVacuumAfter bool
}

// Cleanup deletes records exceeding the retention thresholds.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	now := time.Now().Unix()

	type cleanupTarget struct {
		table  string
		column string
		days   int
	}
	// Table and column names are fixed here, never taken from input.
	targets := []cleanupTarget{
		{"business_event_logs", "created_at", cfg.EventLogsDays},
		{"metrics_timeseries", "timestamp", cfg.MetricsDays},
	}

	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		cutoff := now - int64(t.days*86400)
		q := fmt.Sprintf("DELETE FROM %s WHERE %s < ?", t.table, t.column)
		if _, err := db.ExecContext(ctx, q, cutoff); err != nil {
			return fmt.Errorf("cleanup %s: %w", t.table, err)
		}
	}

	if cfg.RunVacuumAfter {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
	}
	return nil
}
