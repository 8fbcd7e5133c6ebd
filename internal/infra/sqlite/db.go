// Package sqlite provides SQLite-based persistent storage for tunekit jobs.
// Uses WAL mode for concurrent reads and crash-safe writes.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/tutu-network/tunekit/internal/domain"
)

// DB wraps a SQLite connection with WAL mode and migrations.
// Implements domain.JobStore.
type DB struct {
	db *sql.DB
}

var _ domain.JobStore = (*DB)(nil)

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Connection pool settings for SQLite
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS node_info (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		// Training jobs. detail holds the full JSON record; the columns
		// beside it exist for filtering and ordering.
		`CREATE TABLE IF NOT EXISTS training_jobs (
			id           TEXT PRIMARY KEY,
			status       TEXT NOT NULL,
			engine       TEXT NOT NULL DEFAULT '',
			dataset_path TEXT NOT NULL,
			progress     REAL NOT NULL DEFAULT 0,
			created_at   INTEGER NOT NULL,
			completed_at INTEGER,
			error        TEXT,
			detail       TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON training_jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created ON training_jobs(created_at)`,

		// Loss samples recorded by the monitor
		`CREATE TABLE IF NOT EXISTS job_metrics (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id          TEXT NOT NULL REFERENCES training_jobs(id) ON DELETE CASCADE,
			epoch           INTEGER NOT NULL,
			step            INTEGER NOT NULL,
			loss            REAL NOT NULL,
			learning_rate   REAL NOT NULL,
			elapsed_seconds REAL NOT NULL,
			timestamp       REAL NOT NULL,
			is_best         BOOLEAN DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_job ON job_metrics(job_id)`,

		// Progress stream, in arrival order
		`CREATE TABLE IF NOT EXISTS job_events (
			job_id  TEXT NOT NULL REFERENCES training_jobs(id) ON DELETE CASCADE,
			seq     INTEGER NOT NULL,
			type    TEXT NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (job_id, seq)
		)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Job Repository ─────────────────────────────────────────────────────────

// SaveJob inserts or replaces a job record.
func (d *DB) SaveJob(job domain.Job) error {
	detail, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	_, err = d.db.Exec(
		`INSERT INTO training_jobs (id, status, engine, dataset_path, progress, created_at, completed_at, error, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status=excluded.status,
			engine=excluded.engine,
			dataset_path=excluded.dataset_path,
			progress=excluded.progress,
			completed_at=excluded.completed_at,
			error=excluded.error,
			detail=excluded.detail`,
		job.ID, string(job.Status), job.Engine, job.DatasetPath, job.Progress,
		job.CreatedAt.UnixMilli(), nullableMilli(job.CompletedAt), nullableString(job.Error), string(detail),
	)
	return err
}

// GetJob retrieves a single job by ID.
func (d *DB) GetJob(id string) (*domain.Job, error) {
	row := d.db.QueryRow(`SELECT detail FROM training_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return job, err
}

// ListJobs returns up to limit jobs, newest first. limit <= 0 returns all.
func (d *DB) ListJobs(limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := d.db.Query(`SELECT detail FROM training_jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// ListJobsByStatus returns jobs in the given status, newest first.
func (d *DB) ListJobsByStatus(status domain.JobStatus) ([]domain.Job, error) {
	rows, err := d.db.Query(
		`SELECT detail FROM training_jobs WHERE status = ? ORDER BY created_at DESC`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// MarkInterrupted fails every job left running by a previous process.
// Returns how many jobs were updated.
func (d *DB) MarkInterrupted(at time.Time) (int, error) {
	var stale []domain.Job
	for _, status := range []domain.JobStatus{domain.JobPending, domain.JobValidating, domain.JobOptimizing, domain.JobTraining} {
		jobs, err := d.ListJobsByStatus(status)
		if err != nil {
			return 0, err
		}
		stale = append(stale, jobs...)
	}
	for _, j := range stale {
		j.Status = domain.JobFailed
		j.Error = "interrupted: tunekit stopped while the job was running"
		j.CompletedAt = at
		if err := d.SaveJob(j); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// PruneJobs deletes finished jobs created before cutoff, with their
// metrics and events.
func (d *DB) PruneJobs(cutoff time.Time) (int64, error) {
	result, err := d.db.Exec(
		`DELETE FROM training_jobs WHERE created_at < ? AND status IN (?, ?, ?)`,
		cutoff.UnixMilli(), string(domain.JobCompleted), string(domain.JobFailed), string(domain.JobCancelled))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ─── Metrics and Events ─────────────────────────────────────────────────────

// AppendMetric records one loss sample for a job.
func (d *DB) AppendMetric(jobID string, s domain.MetricSample) error {
	_, err := d.db.Exec(
		`INSERT INTO job_metrics (job_id, epoch, step, loss, learning_rate, elapsed_seconds, timestamp, is_best)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		jobID, s.Epoch, s.Step, s.Loss, s.LearningRate, s.ElapsedSeconds, s.Timestamp, s.IsBest,
	)
	return err
}

// JobMetrics returns a job's loss samples in recording order.
func (d *DB) JobMetrics(jobID string) ([]domain.MetricSample, error) {
	rows, err := d.db.Query(
		`SELECT epoch, step, loss, learning_rate, elapsed_seconds, timestamp, is_best
		 FROM job_metrics WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []domain.MetricSample
	for rows.Next() {
		var s domain.MetricSample
		if err := rows.Scan(&s.Epoch, &s.Step, &s.Loss, &s.LearningRate,
			&s.ElapsedSeconds, &s.Timestamp, &s.IsBest); err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// AppendEvent records the seq-th event of a job's progress stream.
func (d *DB) AppendEvent(jobID string, seq int, ev domain.ProgressEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = d.db.Exec(
		`INSERT OR REPLACE INTO job_events (job_id, seq, type, payload) VALUES (?, ?, ?, ?)`,
		jobID, seq, string(ev.Type), string(payload),
	)
	return err
}

// JobEvents returns a job's progress stream in order.
func (d *DB) JobEvents(jobID string) ([]domain.ProgressEvent, error) {
	rows, err := d.db.Query(`SELECT payload FROM job_events WHERE job_id = ? ORDER BY seq`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.ProgressEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var ev domain.ProgressEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ─── Node Info ──────────────────────────────────────────────────────────────

// SetNodeInfo stores a key-value pair in node_info.
func (d *DB) SetNodeInfo(key, value string) error {
	_, err := d.db.Exec(
		`INSERT INTO node_info (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

// GetNodeInfo retrieves a value from node_info.
func (d *DB) GetNodeInfo(key string) (string, error) {
	var value string
	err := d.db.QueryRow(`SELECT value FROM node_info WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*domain.Job, error) {
	var detail string
	if err := s.Scan(&detail); err != nil {
		return nil, err
	}
	var j domain.Job
	if err := json.Unmarshal([]byte(detail), &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &j, nil
}

func nullableMilli(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
