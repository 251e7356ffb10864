package repository

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// DB wraps the database connection pool.
type DB struct {
	*sql.DB
}

// NewDB opens a Postgres connection pool and ensures the schema exists.
func NewDB(databaseURL string) (*DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	wrapped := &DB{DB: db}
	if err := wrapped.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return wrapped, nil
}

// migrate creates the job tables if they do not exist.
func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		provider TEXT NOT NULL,
		provider_job_id TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		base_model TEXT NOT NULL,
		dataset_uri TEXT NOT NULL,
		algorithm TEXT NOT NULL,
		epochs INT NOT NULL,
		batch_size INT NOT NULL,
		learning_rate DOUBLE PRECISION NOT NULL,
		lora_rank INT NOT NULL,
		lora_alpha INT NOT NULL,
		total_steps INT NOT NULL,
		max_seq_length INT NOT NULL,
		output_name TEXT NOT NULL DEFAULT '',
		failure_cause TEXT NOT NULL DEFAULT '',
		milestones INT[] NOT NULL DEFAULT '{}',
		artifact_path TEXT,
		artifact_size_bytes BIGINT,
		artifact_sha256 TEXT,
		artifact_created_at TIMESTAMPTZ,
		quality_json JSONB,
		spec_yaml TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS job_events (
		id BIGSERIAL PRIMARY KEY,
		job_id UUID NOT NULL REFERENCES jobs(id),
		at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		from_state TEXT,
		to_state TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		meta_json JSONB
	);

	CREATE TABLE IF NOT EXISTS job_metrics (
		id BIGSERIAL PRIMARY KEY,
		job_id UUID NOT NULL REFERENCES jobs(id),
		step INT NOT NULL,
		loss DOUBLE PRECISION NOT NULL,
		eval_loss DOUBLE PRECISION NOT NULL DEFAULT 0,
		grad_norm DOUBLE PRECISION NOT NULL DEFAULT 0,
		epoch DOUBLE PRECISION NOT NULL DEFAULT 0,
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_job_metrics_job_step ON job_metrics (job_id, step);
	CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events (job_id, at);
	CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs (state);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
