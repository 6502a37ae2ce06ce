package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS job_records (
    job_id TEXT PRIMARY KEY,
    task_id TEXT,
    miner_uid TEXT,
    phase TEXT NOT NULL,
    queued_at TIMESTAMPTZ NOT NULL,
    started_at TIMESTAMPTZ,
    finished_at TIMESTAMPTZ,
    log_path TEXT,
    stored_submission_path TEXT,
    summary JSONB,
    returncode INT,
    error TEXT,
    synced_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_pg_job_records_task ON job_records(task_id);
CREATE INDEX IF NOT EXISTS idx_pg_job_records_miner ON job_records(miner_uid);
`

// Mirror is a best-effort external replica of the SQLite audit log, used
// when DATABASE_URL is set. Nothing in the host core blocks on it: it is
// fed asynchronously by internal/events's consumer.
type Mirror struct {
	pool *pgxpool.Pool
}

// NewMirror connects to Postgres and ensures its schema exists.
func NewMirror(ctx context.Context, databaseURL string) (*Mirror, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply postgres schema: %w", err)
	}
	return &Mirror{pool: pool}, nil
}

// Close releases the connection pool.
func (m *Mirror) Close() {
	m.pool.Close()
}

// UpsertEvent folds one audit-log event into the mirrored job_records row.
// Events arrive out of order relative to other jobs but in order for a
// single job, so a plain upsert keeping the latest known fields is
// sufficient.
func (m *Mirror) UpsertEvent(ctx context.Context, e Event) error {
	var payload map[string]any
	if err := json.Unmarshal([]byte(e.Payload), &payload); err != nil {
		return fmt.Errorf("decode event payload: %w", err)
	}

	createdAt, err := time.Parse("2006-01-02 15:04:05", e.CreatedAt)
	if err != nil {
		createdAt = time.Now().UTC()
	}

	switch e.Type {
	case "queued":
		taskID, _ := payload["TaskID"].(string)
		minerUID, _ := payload["MinerUID"].(string)
		logPath, _ := payload["LogPath"].(string)
		storedPath, _ := payload["StoredSubmissionPath"].(string)
		_, err := m.pool.Exec(ctx, `
			INSERT INTO job_records (job_id, task_id, miner_uid, phase, queued_at, log_path, stored_submission_path)
			VALUES ($1, $2, $3, 'queued', $4, $5, $6)
			ON CONFLICT (job_id) DO NOTHING`,
			e.JobID, taskID, minerUID, createdAt, logPath, storedPath)
		return err
	case "running":
		_, err := m.pool.Exec(ctx,
			`UPDATE job_records SET phase = 'running', started_at = $2 WHERE job_id = $1`,
			e.JobID, createdAt)
		return err
	default:
		// terminal phases (done/failed) carry phase + error in payload
		phase, _ := payload["phase"].(string)
		errMsg, _ := payload["error"].(string)
		if phase == "" {
			return nil
		}
		_, err := m.pool.Exec(ctx,
			`UPDATE job_records SET phase = $2, finished_at = $3, error = $4 WHERE job_id = $1`,
			e.JobID, phase, createdAt, errMsg)
		return err
	}
}
