// Package store implements the always-on SQLite audit log of every admitted
// job, plus an optional best-effort Postgres mirror (postgres.go) fed by the
// NATS event stream internal/events publishes to.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/alphacore/vmvalidate/pkg/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS job_records (
    job_id TEXT PRIMARY KEY,
    task_id TEXT,
    miner_uid TEXT,
    phase TEXT NOT NULL,
    queued_at TEXT NOT NULL,
    started_at TEXT,
    finished_at TEXT,
    log_path TEXT,
    stored_submission_path TEXT,
    summary TEXT,
    returncode INTEGER,
    error TEXT
);

CREATE INDEX IF NOT EXISTS idx_job_records_task ON job_records(task_id);
CREATE INDEX IF NOT EXISTS idx_job_records_miner ON job_records(miner_uid);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL,
    type TEXT NOT NULL,
    payload TEXT,
    synced INTEGER DEFAULT 0,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_events_unsynced ON events(synced) WHERE synced = 0;
`

// Store is the always-on, per-process SQLite audit log. One Store is shared
// by every job the server admits.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates or opens the audit database at dataDir/audit.db in WAL mode.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "audit.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertQueued records a job at admission time, before dispatch.
func (s *Store) InsertQueued(rec *types.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO job_records (job_id, task_id, miner_uid, phase, queued_at, log_path, stored_submission_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.JobID, rec.TaskID, rec.MinerUID, string(rec.Phase), rec.QueuedAt.UTC().Format(time.RFC3339Nano),
		rec.LogPath, rec.StoredSubmissionPath)
	if err != nil {
		return fmt.Errorf("insert queued record: %w", err)
	}
	return s.insertEvent(rec.JobID, "queued", rec)
}

// MarkRunning transitions a record to running and stamps started_at.
func (s *Store) MarkRunning(jobID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE job_records SET phase = ?, started_at = ? WHERE job_id = ?`,
		string(types.PhaseRunning), startedAt.UTC().Format(time.RFC3339Nano), jobID)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	return s.insertEvent(jobID, "running", map[string]string{"job_id": jobID})
}

// MarkTerminal records a job's terminal outcome.
func (s *Store) MarkTerminal(jobID string, phase types.Phase, finishedAt time.Time, result *types.JobResult, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var summaryJSON []byte
	var returnCode int
	if result != nil {
		summaryJSON, _ = json.Marshal(result.Summary)
		returnCode = result.ReturnCode
	}

	_, err := s.db.Exec(
		`UPDATE job_records SET phase = ?, finished_at = ?, summary = ?, returncode = ?, error = ? WHERE job_id = ?`,
		string(phase), finishedAt.UTC().Format(time.RFC3339Nano), string(summaryJSON), returnCode, errMsg, jobID)
	if err != nil {
		return fmt.Errorf("mark terminal: %w", err)
	}
	return s.insertEvent(jobID, string(phase), map[string]any{"job_id": jobID, "phase": phase, "error": errMsg})
}

func (s *Store) insertEvent(jobID, eventType string, payload any) error {
	data, _ := json.Marshal(payload)
	_, err := s.db.Exec(`INSERT INTO events (job_id, type, payload) VALUES (?, ?, ?)`, jobID, eventType, string(data))
	return err
}

// PersistedJobRecord is the row shape returned by lookups; jobs that never
// reached a terminal phase have nil FinishedAt/Summary.
type PersistedJobRecord struct {
	JobID                string
	TaskID               string
	MinerUID             string
	Phase                string
	QueuedAt             time.Time
	StartedAt            *time.Time
	FinishedAt           *time.Time
	LogPath              string
	StoredSubmissionPath string
	Summary              map[string]any
	ReturnCode           int
	Error                string
}

// Get returns one job record by id, or nil if none exists.
func (s *Store) Get(jobID string) (*PersistedJobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(
		`SELECT job_id, task_id, miner_uid, phase, queued_at, started_at, finished_at,
		        log_path, stored_submission_path, summary, returncode, error
		 FROM job_records WHERE job_id = ?`, jobID)
	return scanRecord(row)
}

// ByTask returns every job record that carried the given task_id.
func (s *Store) ByTask(taskID string) ([]*PersistedJobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT job_id, task_id, miner_uid, phase, queued_at, started_at, finished_at,
		        log_path, stored_submission_path, summary, returncode, error
		 FROM job_records WHERE task_id = ? ORDER BY queued_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query by task: %w", err)
	}
	defer rows.Close()

	var out []*PersistedJobRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*PersistedJobRecord, error) {
	var rec PersistedJobRecord
	var queuedAt string
	var startedAt, finishedAt, summaryJSON sql.NullString

	err := row.Scan(&rec.JobID, &rec.TaskID, &rec.MinerUID, &rec.Phase, &queuedAt,
		&startedAt, &finishedAt, &rec.LogPath, &rec.StoredSubmissionPath, &summaryJSON,
		&rec.ReturnCode, &rec.Error)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan job record: %w", err)
	}

	rec.QueuedAt, _ = time.Parse(time.RFC3339Nano, queuedAt)
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
		rec.StartedAt = &t
	}
	if finishedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, finishedAt.String)
		rec.FinishedAt = &t
	}
	if summaryJSON.Valid && summaryJSON.String != "" {
		_ = json.Unmarshal([]byte(summaryJSON.String), &rec.Summary)
	}
	return &rec, nil
}

// UnsyncedEvents returns up to limit events not yet published to NATS.
func (s *Store) UnsyncedEvents(limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, job_id, type, payload, created_at FROM events WHERE synced = 0 ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query unsynced events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.JobID, &e.Type, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// MarkEventsSynced marks the given event ids as published.
func (s *Store) MarkEventsSynced(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`UPDATE events SET synced = 1 WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(id); err != nil {
			return fmt.Errorf("mark event %d synced: %w", id, err)
		}
	}
	return tx.Commit()
}

// Event is an audit-log event awaiting publication to NATS.
type Event struct {
	ID        int64
	JobID     string
	Type      string
	Payload   string
	CreatedAt string
}
