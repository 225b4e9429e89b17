package syncstore

import "database/sql"

// Schema holds the sync job tables and the per-classroom TA configuration.
const Schema = `
CREATE TABLE IF NOT EXISTS sync_jobs (
    id              TEXT PRIMARY KEY,
    classroom_id    TEXT NOT NULL,
    provider        TEXT NOT NULL,
    mode            TEXT NOT NULL CHECK (mode IN ('dry_run', 'execute')),
    status          TEXT NOT NULL CHECK (status IN ('running', 'completed', 'failed')),
    source          TEXT NOT NULL DEFAULT '',
    source_payload  TEXT NOT NULL DEFAULT '{}',
    created_by      TEXT NOT NULL DEFAULT '',
    planned         INTEGER NOT NULL DEFAULT 0,
    upserted        INTEGER NOT NULL DEFAULT 0,
    skipped         INTEGER NOT NULL DEFAULT 0,
    failed          INTEGER NOT NULL DEFAULT 0,
    error_message   TEXT NOT NULL DEFAULT '',
    started_at      INTEGER NOT NULL,
    finished_at     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_sync_jobs_lookup
    ON sync_jobs(classroom_id, provider, status, mode, started_at DESC);

CREATE TABLE IF NOT EXISTS sync_job_items (
    id               TEXT PRIMARY KEY,
    job_id           TEXT NOT NULL REFERENCES sync_jobs(id) ON DELETE CASCADE,
    seq              INTEGER NOT NULL,
    entity_type      TEXT NOT NULL,
    entity_key       TEXT NOT NULL,
    action           TEXT NOT NULL CHECK (action IN ('upsert', 'noop')),
    payload_hash     TEXT NOT NULL,
    payload          TEXT NOT NULL DEFAULT '{}',
    status           TEXT NOT NULL CHECK (status IN ('success', 'failed', 'skipped')),
    error_message    TEXT NOT NULL DEFAULT '',
    response_payload TEXT NOT NULL DEFAULT '',
    created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_job_items_job ON sync_job_items(job_id, status, seq);

CREATE TABLE IF NOT EXISTS ta_configs (
    classroom_id        TEXT PRIMARY KEY,
    username            TEXT NOT NULL,
    encrypted_password  TEXT NOT NULL,
    base_url            TEXT NOT NULL,
    course_search_text  TEXT NOT NULL,
    block_code          TEXT NOT NULL DEFAULT '',
    execution_mode      TEXT NOT NULL DEFAULT 'confirmation'
        CHECK (execution_mode IN ('confirmation', 'full_auto')),
    updated_at          INTEGER NOT NULL
);
`

// ApplySchema creates the tables if they do not exist.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
