package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clipforge/clipforge/internal/apperr"
	_ "modernc.org/sqlite"
)

// MaxHistory caps FetchHistory.
const MaxHistory = 100

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Every :memory: connection is its own database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			kind            TEXT NOT NULL,
			provider_job_id TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT 'processing',
			settings        TEXT NOT NULL,
			source_url      TEXT NOT NULL,
			error           TEXT NOT NULL DEFAULT '',
			provider_code   TEXT NOT NULL DEFAULT '',
			retry_count     INTEGER NOT NULL DEFAULT 0,
			callback_url    TEXT NOT NULL DEFAULT '',
			created_at      DATETIME NOT NULL,
			updated_at      DATETIME NOT NULL,
			completed_at    DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_user_created ON jobs(user_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_status       ON jobs(status);
		CREATE INDEX IF NOT EXISTS idx_jobs_completed_at ON jobs(completed_at);

		CREATE TABLE IF NOT EXISTS outputs (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id             TEXT NOT NULL,
			provider_output_id TEXT NOT NULL,
			output_url         TEXT NOT NULL,
			title              TEXT NOT NULL DEFAULT '',
			transcript         TEXT NOT NULL DEFAULT '',
			viral_score        TEXT NOT NULL DEFAULT '',
			viral_reason       TEXT NOT NULL DEFAULT '',
			related_topic      TEXT NOT NULL DEFAULT '',
			duration_ms        INTEGER NOT NULL DEFAULT 0,
			extra              TEXT,
			created_at         DATETIME NOT NULL,
			UNIQUE (job_id, provider_output_id)
		);
	`)
	return err
}

func (s *SQLiteStore) SaveInput(ctx context.Context, j *Job) error {
	const op = "save input"
	if j.ID == "" || j.UserID == "" || j.Kind == "" || j.SourceURL == "" || len(j.Settings) == 0 {
		return apperr.Persistence(op, errors.New("job id, user, kind, source url and settings are required"))
	}
	now := time.Now().UTC()
	created := j.CreatedAt
	if created.IsZero() {
		created = now
	}
	status := j.Status
	if status == "" {
		status = StatusProcessing
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs
			(id, user_id, kind, provider_job_id, status, settings, source_url, retry_count, callback_url, created_at, updated_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		j.ID,
		j.UserID,
		j.Kind,
		j.ProviderJobID,
		status,
		string(j.Settings),
		j.SourceURL,
		j.RetryCount,
		j.CallbackURL,
		created.UTC(),
		now,
	)
	if err != nil {
		return apperr.Persistence(op, err)
	}
	return nil
}

// SaveOutputs skips candidates whose dedupe key is already stored for the
// job, or repeated within the batch, and inserts the rest in one transaction.
func (s *SQLiteStore) SaveOutputs(ctx context.Context, userID, jobID string, outputs []Output) (int, error) {
	const op = "save outputs"
	if len(outputs) == 0 {
		return 0, checkOwner(ctx, s.db, op, userID, jobID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperr.Persistence(op, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := checkOwner(ctx, tx, op, userID, jobID); err != nil {
		return 0, err
	}

	keys := make([]any, 0, len(outputs)+1)
	keys = append(keys, jobID)
	for _, o := range outputs {
		keys = append(keys, o.DedupeKey())
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT provider_output_id FROM outputs
		WHERE job_id = ? AND provider_output_id IN (`+placeholders(len(outputs))+`)
	`, keys...)
	if err != nil {
		return 0, apperr.Persistence(op, err)
	}
	seen := make(map[string]bool)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return 0, apperr.Persistence(op, err)
		}
		seen[k] = true
	}
	if err := rows.Close(); err != nil {
		return 0, apperr.Persistence(op, err)
	}

	now := time.Now().UTC()
	inserted := 0
	for _, o := range outputs {
		key := o.DedupeKey()
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		_, err := tx.ExecContext(ctx, `
			INSERT INTO outputs
				(job_id, provider_output_id, output_url, title, transcript, viral_score,
				 viral_reason, related_topic, duration_ms, extra, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (job_id, provider_output_id) DO NOTHING
		`,
			jobID, key, o.OutputURL, o.Title, o.Transcript, o.ViralScore,
			o.ViralReason, o.RelatedTopic, o.DurationMs, nullableJSON(o.Extra), now,
		)
		if err != nil {
			return 0, apperr.Persistence(op, err)
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, apperr.Persistence(op, err)
	}
	return inserted, nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, userID, jobID string, u StatusUpdate) error {
	const op = "update status"
	if !u.Status.Valid() {
		return apperr.Validation(op, fmt.Sprintf("unknown status %q", u.Status), "status")
	}
	if err := checkOwner(ctx, s.db, op, userID, jobID); err != nil {
		return err
	}

	now := time.Now().UTC()
	var completedAt any
	if u.Status.IsTerminal() {
		completedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = ?, provider_code = ?, retry_count = ?,
		       updated_at = ?, completed_at = ?
		WHERE id = ? AND user_id = ?
	`, u.Status, u.Error, u.ProviderCode, u.RetryCount, now, completedAt, jobID, userID)
	if err != nil {
		return apperr.Persistence(op, err)
	}
	return nil
}

func (s *SQLiteStore) RecordSubmission(ctx context.Context, userID, jobID, providerJobID string, retryCount int) error {
	const op = "record submission"
	if err := checkOwner(ctx, s.db, op, userID, jobID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET provider_job_id = ?, retry_count = ?, status = ?, updated_at = ?
		WHERE id = ? AND user_id = ?
	`, providerJobID, retryCount, StatusProcessing, time.Now().UTC(), jobID, userID)
	if err != nil {
		return apperr.Persistence(op, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, userID, jobID string) (*Job, error) {
	const op = "get job"
	if err := checkOwner(ctx, s.db, op, userID, jobID); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	j, err := scanJob(row)
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	byJob, err := s.outputsFor(ctx, `job_id = ?`, jobID)
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	j.Outputs = nonNil(byJob[j.ID])
	return j, nil
}

// FetchHistory returns at most limit (capped at MaxHistory) jobs, newest first.
func (s *SQLiteStore) FetchHistory(ctx context.Context, userID string, limit int) ([]*Job, error) {
	const op = "fetch history"
	if limit <= 0 || limit > MaxHistory {
		limit = MaxHistory
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	if len(jobs) == 0 {
		return []*Job{}, nil
	}

	byJob, err := s.outputsFor(ctx, `job_id IN (
		SELECT id FROM jobs WHERE user_id = ? ORDER BY created_at DESC LIMIT ?
	)`, userID, limit)
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	for _, j := range jobs {
		j.Outputs = nonNil(byJob[j.ID])
	}
	return jobs, nil
}

func (s *SQLiteStore) ListResumable(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status NOT IN (?, ?, ?) AND provider_job_id != ''
		ORDER BY created_at
	`, StatusSucceeded, StatusFailed, StatusError)
	if err != nil {
		return nil, apperr.Persistence("list resumable", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, apperr.Persistence("list resumable", err)
	}
	return jobs, nil
}

func (s *SQLiteStore) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	const op = "delete terminal jobs"
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperr.Persistence(op, err)
	}
	defer tx.Rollback() //nolint:errcheck

	const expired = `status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`
	args := []any{StatusSucceeded, StatusFailed, StatusError, before.UTC()}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM outputs WHERE job_id IN (SELECT id FROM jobs WHERE `+expired+`)
	`, args...); err != nil {
		return 0, apperr.Persistence(op, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE `+expired, args...)
	if err != nil {
		return 0, apperr.Persistence(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Persistence(op, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, apperr.Persistence(op, err)
	}
	return n, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// checkOwner distinguishes a missing job from another user's job.
func checkOwner(ctx context.Context, q queryer, op, userID, jobID string) error {
	var owner string
	err := q.QueryRowContext(ctx, `SELECT user_id FROM jobs WHERE id = ?`, jobID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound(op, "job not found")
	}
	if err != nil {
		return apperr.Persistence(op, err)
	}
	if owner != userID {
		return apperr.Authorization(op, "job belongs to another user")
	}
	return nil
}

const jobColumns = `id, user_id, kind, provider_job_id, status, settings, source_url, error,
	provider_code, retry_count, callback_url, created_at, updated_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	j := &Job{}
	var settings string
	var completedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.UserID, &j.Kind, &j.ProviderJobID, &j.Status, &settings, &j.SourceURL,
		&j.Error, &j.ProviderCode, &j.RetryCount, &j.CallbackURL, &j.CreatedAt, &j.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Settings = []byte(settings)
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func (s *SQLiteStore) outputsFor(ctx context.Context, where string, args ...any) (map[string][]Output, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, provider_output_id, output_url, title, transcript, viral_score,
		       viral_reason, related_topic, duration_ms, extra, created_at
		FROM outputs
		WHERE `+where+`
		ORDER BY id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query outputs: %w", err)
	}
	defer rows.Close()

	byJob := make(map[string][]Output)
	for rows.Next() {
		var o Output
		var extra sql.NullString
		if err := rows.Scan(
			&o.JobID, &o.ProviderOutputID, &o.OutputURL, &o.Title, &o.Transcript, &o.ViralScore,
			&o.ViralReason, &o.RelatedTopic, &o.DurationMs, &extra, &o.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan output: %w", err)
		}
		if extra.Valid {
			o.Extra = []byte(extra.String)
		}
		byJob[o.JobID] = append(byJob[o.JobID], o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outputs: %w", err)
	}
	return byJob, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nonNil(outputs []Output) []Output {
	if outputs == nil {
		return []Output{}
	}
	return outputs
}

// nullableJSON returns nil if b is empty, otherwise returns the raw bytes as a string.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
