package syncstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/hazyhaar/tasync/canonical"
)

// LoadLatestPayloadHashes builds the planner's hash cache for a classroom
// and provider: the most recent successful payload hash per
// entity_type:entity_key across the latest completed execute jobs. Failed
// and skipped items never count.
func (s *Store) LoadLatestPayloadHashes(ctx context.Context, classroomID, provider string) (map[string]string, error) {
	jobs, err := s.RecentCompletedJobs(ctx, classroomID, provider, s.historyLimit)
	if err != nil {
		return nil, err
	}
	hashes := make(map[string]string)
	if len(jobs) == 0 {
		return hashes, nil
	}

	placeholders := make([]string, len(jobs))
	args := make([]any, len(jobs))
	for i, j := range jobs {
		placeholders[i] = "?"
		args[i] = j.ID
	}

	rows, err := s.DB.QueryContext(ctx,
		`SELECT i.entity_type, i.entity_key, i.payload_hash
		FROM sync_job_items i JOIN sync_jobs j ON j.id = i.job_id
		WHERE i.status = 'success' AND i.job_id IN (`+strings.Join(placeholders, ",")+`)
		ORDER BY j.started_at DESC, j.id DESC, i.seq DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("syncstore: load hashes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var entityType, entityKey, hash string
		if err := rows.Scan(&entityType, &entityKey, &hash); err != nil {
			return nil, fmt.Errorf("syncstore: scan hash: %w", err)
		}
		key := canonical.HashKey(entityType, entityKey)
		if _, seen := hashes[key]; !seen {
			hashes[key] = hash
		}
	}
	return hashes, rows.Err()
}
