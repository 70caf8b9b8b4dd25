// Package regionstore provides persistent storage for region query jobs and
// their results using SQLite.
package regionstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// JobStatus represents the current state of a region job.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusRunning    JobStatus = "running"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusSuperseded JobStatus = "superseded"
)

// Finished reports whether the status is terminal.
func (s JobStatus) Finished() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusSuperseded:
		return true
	}
	return false
}

// JobParams contains the parameters of a region query.
type JobParams struct {
	SourceID  string         `json:"source_id"`
	SessionID string         `json:"session_id"`
	Center    [2]float64     `json:"center"`
	Radius    float64        `json:"radius"`
	Units     string         `json:"units,omitempty"`
	Selector  map[string]any `json:"selector,omitempty"`
}

// Job represents a region query job. Generation orders the jobs of one
// session; only the newest generation delivers its result.
type Job struct {
	ID         string     `json:"job_id"`
	SourceID   string     `json:"source_id"`
	SessionID  string     `json:"session_id"`
	Generation int64      `json:"generation"`
	Status     JobStatus  `json:"status"`
	Params     JobParams  `json:"params"`
	Samples    int        `json:"samples"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Store provides persistent storage for region jobs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based region store. ":memory:" keeps the
// database in memory.
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would get its own empty database
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS region_jobs (
		job_id TEXT PRIMARY KEY,
		source_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		generation INTEGER NOT NULL,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		samples INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_region_jobs_session ON region_jobs(session_id);
	CREATE INDEX IF NOT EXISTS idx_region_jobs_status ON region_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_region_jobs_finished ON region_jobs(finished_at);

	CREATE TABLE IF NOT EXISTS region_results (
		job_id TEXT PRIMARY KEY,
		result_json BLOB NOT NULL,
		FOREIGN KEY (job_id) REFERENCES region_jobs(job_id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

const jobColumns = `job_id, source_id, session_id, generation, status, params_json, samples, error, created_at, started_at, finished_at`

// CreateJob creates a new job record.
func (s *Store) CreateJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO region_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.SourceID,
		job.SessionID,
		job.Generation,
		string(job.Status),
		string(paramsJSON),
		job.Samples,
		job.Error,
		job.CreatedAt.Format(time.RFC3339Nano),
		nil,
		nil,
	)
	return err
}

// GetJob retrieves a job by ID. It returns nil without error when the job
// does not exist.
func (s *Store) GetJob(jobID string) (*Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM region_jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// UpdateJobStarted marks a job as running with start time.
func (s *Store) UpdateJobStarted(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`
		UPDATE region_jobs SET status = ?, started_at = ?
		WHERE job_id = ?
	`, string(JobStatusRunning), now, jobID)
	return err
}

// UpdateJobStatus updates the job status and error message.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status.Finished() {
		t := time.Now().Format(time.RFC3339Nano)
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE region_jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return err
}

// SaveResult stores the encoded result of a job and its sample count.
func (s *Store) SaveResult(jobID string, result []byte, samples int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO region_results (job_id, result_json) VALUES (?, ?)
	`, jobID, result); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE region_jobs SET samples = ? WHERE job_id = ?`, samples, jobID); err != nil {
		return err
	}
	return tx.Commit()
}

// GetResult returns the encoded result of a job, or nil when none is stored.
func (s *Store) GetResult(jobID string) ([]byte, error) {
	var out []byte
	err := s.db.QueryRow(`SELECT result_json FROM region_results WHERE job_id = ?`, jobID).Scan(&out)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return out, err
}

// ListJobsBySession returns the jobs of a session, newest first.
func (s *Store) ListJobsBySession(sessionID string) ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+` FROM region_jobs WHERE session_id = ?
		ORDER BY generation DESC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListQueuedJobs returns all queued jobs (for restart recovery).
func (s *Store) ListQueuedJobs() ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+` FROM region_jobs WHERE status = ?
		ORDER BY created_at ASC
	`, string(JobStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// MarkUnfinishedAsFailed fails every queued or running job. Sessions do not
// survive a restart, so nobody is waiting for them.
func (s *Store) MarkUnfinishedAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`
		UPDATE region_jobs SET status = ?, error = ?, finished_at = ?
		WHERE status IN (?, ?)
	`, string(JobStatusFailed), errMsg, now, string(JobStatusRunning), string(JobStatusQueued))
	return err
}

// DeleteExpiredJobs deletes jobs finished more than retention ago.
func (s *Store) DeleteExpiredJobs(retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-retention).Format(time.RFC3339Nano)

	// Delete results first (foreign key)
	_, err := s.db.Exec(`
		DELETE FROM region_results WHERE job_id IN (
			SELECT job_id FROM region_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
		)
	`, cutoff)
	if err != nil {
		return 0, err
	}

	result, err := s.db.Exec(`
		DELETE FROM region_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteJob deletes a job and its result.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM region_results WHERE job_id = ?", jobID); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM region_jobs WHERE job_id = ?", jobID)
	return err
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var job Job
		var paramsJSON string
		var createdAtStr string
		var startedAtStr, finishedAtStr sql.NullString

		err := rows.Scan(
			&job.ID,
			&job.SourceID,
			&job.SessionID,
			&job.Generation,
			&job.Status,
			&paramsJSON,
			&job.Samples,
			&job.Error,
			&createdAtStr,
			&startedAtStr,
			&finishedAtStr,
		)
		if err != nil {
			return nil, err
		}

		if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}

		job.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		if startedAtStr.Valid {
			t, _ := time.Parse(time.RFC3339Nano, startedAtStr.String)
			job.StartedAt = &t
		}
		if finishedAtStr.Valid {
			t, _ := time.Parse(time.RFC3339Nano, finishedAtStr.String)
			job.FinishedAt = &t
		}
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}
