package syncstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// TAConfig is a classroom's TA connection settings. The password is stored
// encrypted (see package secretbox) and is never decrypted here.
type TAConfig struct {
	ClassroomID       string `json:"classroom_id"`
	Username          string `json:"username"`
	EncryptedPassword string `json:"-"`
	BaseURL           string `json:"base_url"`
	CourseSearchText  string `json:"course_search_text"`
	BlockCode         string `json:"block_code"`
	ExecutionMode     string `json:"execution_mode"`
	UpdatedAt         int64  `json:"updated_at"`
}

// SaveTAConfig inserts or replaces a classroom's configuration.
func (s *Store) SaveTAConfig(ctx context.Context, c *TAConfig) error {
	if c.ExecutionMode == "" {
		c.ExecutionMode = "confirmation"
	}
	c.UpdatedAt = s.now().UnixMilli()
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO ta_configs (classroom_id, username, encrypted_password, base_url,
		course_search_text, block_code, execution_mode, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(classroom_id) DO UPDATE SET
			username = excluded.username,
			encrypted_password = excluded.encrypted_password,
			base_url = excluded.base_url,
			course_search_text = excluded.course_search_text,
			block_code = excluded.block_code,
			execution_mode = excluded.execution_mode,
			updated_at = excluded.updated_at`,
		c.ClassroomID, c.Username, c.EncryptedPassword, c.BaseURL,
		c.CourseSearchText, c.BlockCode, c.ExecutionMode, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("syncstore: save ta config: %w", err)
	}
	return nil
}

// GetTAConfig returns a classroom's configuration, or nil if none is stored.
func (s *Store) GetTAConfig(ctx context.Context, classroomID string) (*TAConfig, error) {
	var c TAConfig
	err := s.DB.QueryRowContext(ctx,
		`SELECT classroom_id, username, encrypted_password, base_url, course_search_text,
		block_code, execution_mode, updated_at
		FROM ta_configs WHERE classroom_id = ?`, classroomID,
	).Scan(&c.ClassroomID, &c.Username, &c.EncryptedPassword, &c.BaseURL,
		&c.CourseSearchText, &c.BlockCode, &c.ExecutionMode, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("syncstore: get ta config: %w", err)
	}
	return &c, nil
}
