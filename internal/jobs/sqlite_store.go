package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jo-hoe/scenecast/internal/common"
)

var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// Busy timeout to avoid SQLITE_BUSY in concurrent access.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, common.SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Read-modify-write transactions must not race for the write lock.
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		prompt TEXT NOT NULL,
		variant TEXT NOT NULL,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		step TEXT NOT NULL DEFAULT '',
		details TEXT,
		progress_log TEXT NOT NULL DEFAULT '[]',
		video_url TEXT,
		error_message TEXT,
		publish_status TEXT,
		publish_url TEXT,
		publish_error TEXT,
		diagnostics TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		completed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS jobs_status ON jobs (status);
	CREATE TABLE IF NOT EXISTS checkpoints (
		job_id TEXT NOT NULL,
		step_name TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (job_id, step_name)
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func (s *SQLiteStore) CreateJob(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if job.ID == "" {
		return errors.New("job.ID is required")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.UpdatedAt = job.CreatedAt
	if job.Status == "" {
		job.Status = StatusGenerating
	}
	if job.ProgressLog == nil {
		job.ProgressLog = []ProgressEntry{}
	}
	logJSON, err := json.Marshal(job.ProgressLog)
	if err != nil {
		return fmt.Errorf("marshal progress log: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, prompt, variant, status, progress, step, progress_log, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Prompt, string(job.Variant), string(job.Status), job.Progress, job.Step, string(logJSON),
		formatTime(job.CreatedAt), formatTime(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateProgress(ctx context.Context, id string, u ProgressUpdate, limit int) (*Job, error) {
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}
	return s.mutate(ctx, id, func(tx *sql.Tx, job *Job) error {
		if job.Status.Terminal() {
			return ErrTerminal
		}
		if u.Progress > job.Progress {
			job.Progress = u.Progress
		}
		job.Step = u.Step
		if u.Details != "" {
			d := u.Details
			job.Details = &d
		} else {
			job.Details = nil
		}
		entry := ProgressEntry{Progress: job.Progress, Step: u.Step, Details: u.Details, At: u.At}
		if n := len(job.ProgressLog); n > 0 && sameEntry(job.ProgressLog[n-1], entry) {
			return nil
		}
		job.ProgressLog = append(job.ProgressLog, entry)
		if limit > 0 && len(job.ProgressLog) > limit {
			job.ProgressLog = job.ProgressLog[len(job.ProgressLog)-limit:]
		}
		job.UpdatedAt = u.At
		logJSON, err := json.Marshal(job.ProgressLog)
		if err != nil {
			return fmt.Errorf("marshal progress log: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET progress = ?, step = ?, details = ?, progress_log = ?, updated_at = ? WHERE id = ?`,
			job.Progress, job.Step, job.Details, string(logJSON), formatTime(job.UpdatedAt), id)
		return err
	})
}

func (s *SQLiteStore) SetReady(ctx context.Context, id, videoURL string, at time.Time) (*Job, error) {
	return s.mutate(ctx, id, func(tx *sql.Tx, job *Job) error {
		if job.Status.Terminal() {
			return ErrTerminal
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, progress = 100, video_url = ?, error_message = NULL, updated_at = ?, completed_at = ? WHERE id = ?`,
			string(StatusReady), videoURL, formatTime(at), formatTime(at), id)
		job.Status, job.Progress, job.VideoURL, job.Error = StatusReady, 100, &videoURL, nil
		job.UpdatedAt, job.CompletedAt = at.UTC(), &at
		return err
	})
}

func (s *SQLiteStore) SetError(ctx context.Context, id, message string, diagnostics []byte, at time.Time) (*Job, error) {
	return s.mutate(ctx, id, func(tx *sql.Tx, job *Job) error {
		if job.Status.Terminal() {
			return ErrTerminal
		}
		var diag *string
		if len(diagnostics) > 0 {
			d := string(diagnostics)
			diag = &d
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, error_message = ?, diagnostics = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
			string(StatusError), message, diag, formatTime(at), formatTime(at), id)
		job.Status, job.Error, job.Diagnostics = StatusError, &message, diagnostics
		job.UpdatedAt, job.CompletedAt = at.UTC(), &at
		return err
	})
}

func (s *SQLiteStore) SetPublish(ctx context.Context, id string, status PublishStatus, url, message string) (*Job, error) {
	return s.mutate(ctx, id, func(tx *sql.Tx, job *Job) error {
		job.PublishStatus = &status
		job.PublishURL, job.PublishError = nullable(url), nullable(message)
		_, err := tx.ExecContext(ctx,
			`UPDATE jobs SET publish_status = ?, publish_url = ?, publish_error = ? WHERE id = ?`,
			string(status), job.PublishURL, job.PublishError, id)
		return err
	})
}

// sameEntry makes a repeated write a no-op.
func sameEntry(a, b ProgressEntry) bool {
	return a.Progress == b.Progress && a.Step == b.Step && a.Details == b.Details
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// mutate loads the job inside a transaction, applies fn and commits.
func (s *SQLiteStore) mutate(ctx context.Context, id string, fn func(tx *sql.Tx, job *Job) error) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	job, err := scanJob(tx.QueryRowContext(ctx, selectJob, id))
	if err != nil {
		return nil, err
	}
	if err := fn(tx, job); err != nil {
		if errors.Is(err, ErrTerminal) {
			return job, err
		}
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

const selectJob = `SELECT id, prompt, variant, status, progress, step, details, progress_log, video_url,
	error_message, publish_status, publish_url, publish_error, diagnostics, created_at, updated_at, completed_at
	FROM jobs WHERE id = ?`

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	return scanJob(s.db.QueryRowContext(ctx, selectJob, id))
}

func scanJob(row *sql.Row) (*Job, error) {
	var job Job
	var variant, status, progressLog string
	var details, videoURL, errMsg, pubStatus, pubURL, pubErr, diag, created, updated, completed sql.NullString

	if err := row.Scan(
		&job.ID,
		&job.Prompt,
		&variant,
		&status,
		&job.Progress,
		&job.Step,
		&details,
		&progressLog,
		&videoURL,
		&errMsg,
		&pubStatus,
		&pubURL,
		&pubErr,
		&diag,
		&created,
		&updated,
		&completed,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.Variant = Variant(variant)
	job.Status = Status(status)
	if err := json.Unmarshal([]byte(progressLog), &job.ProgressLog); err != nil {
		// Leave the log empty on error; do not fail retrieval.
		job.ProgressLog = []ProgressEntry{}
	}
	job.Details = nullString(details)
	job.VideoURL = nullString(videoURL)
	job.Error = nullString(errMsg)
	if pubStatus.Valid {
		ps := PublishStatus(pubStatus.String)
		job.PublishStatus = &ps
	}
	job.PublishURL = nullString(pubURL)
	job.PublishError = nullString(pubErr)
	if diag.Valid {
		job.Diagnostics = []byte(diag.String)
	}
	if created.Valid {
		if t, err := time.Parse(time.RFC3339Nano, created.String); err == nil {
			job.CreatedAt = t
		}
	}
	if updated.Valid {
		if t, err := time.Parse(time.RFC3339Nano, updated.String); err == nil {
			job.UpdatedAt = t
		}
	}
	if completed.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completed.String); err == nil {
			job.CompletedAt = &t
		}
	}
	return &job, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, status Status) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM jobs WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, jobID, key string) ([]byte, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM checkpoints WHERE job_id = ? AND step_name = ?`, jobID, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load checkpoint %s/%s: %w", jobID, key, err)
	}
	return []byte(data), true, nil
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, jobID, key string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (job_id, step_name, data, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (job_id, step_name) DO UPDATE SET data = excluded.data, created_at = excluded.created_at`,
		jobID, key, string(data), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save checkpoint %s/%s: %w", jobID, key, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
