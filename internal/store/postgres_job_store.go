package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/swipeflow/internal/domain"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const jobSchemaSQL = `
CREATE TABLE IF NOT EXISTS capture_jobs (
	id TEXT PRIMARY KEY,
	target_url TEXT NOT NULL,
	status TEXT NOT NULL,
	task_id TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	result JSONB,
	error TEXT NOT NULL DEFAULT '',
	submitted_by TEXT NOT NULL DEFAULT '',
	callback_url TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS capture_jobs_status_idx ON capture_jobs (status);
`

const jobColumns = `id, target_url, status, task_id, retry_count, result, error, submitted_by, callback_url,
	created_at, updated_at, started_at, finished_at`

type jobRow struct {
	ID          string       `db:"id"`
	TargetURL   string       `db:"target_url"`
	Status      string       `db:"status"`
	TaskID      string       `db:"task_id"`
	RetryCount  int          `db:"retry_count"`
	Result      []byte       `db:"result"`
	Error       string       `db:"error"`
	SubmittedBy string       `db:"submitted_by"`
	CallbackURL string       `db:"callback_url"`
	CreatedAt   time.Time    `db:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at"`
	StartedAt   sql.NullTime `db:"started_at"`
	FinishedAt  sql.NullTime `db:"finished_at"`
}

func (r jobRow) toDomain() (domain.Job, error) {
	job := domain.Job{
		ID:          r.ID,
		TargetURL:   r.TargetURL,
		Status:      domain.Status(r.Status),
		TaskID:      r.TaskID,
		RetryCount:  r.RetryCount,
		Error:       r.Error,
		SubmittedBy: r.SubmittedBy,
		CallbackURL: r.CallbackURL,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
	if len(r.Result) > 0 {
		var result domain.Result
		if err := json.Unmarshal(r.Result, &result); err != nil {
			return domain.Job{}, fmt.Errorf("unmarshal job result: %w", err)
		}
		job.Result = &result
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time.UTC()
		job.StartedAt = &t
	}
	if r.FinishedAt.Valid {
		t := r.FinishedAt.Time.UTC()
		job.FinishedAt = &t
	}
	return job, nil
}

type PostgresJobStore struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewPostgresJobStore(ctx context.Context, dsn string) (*PostgresJobStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	store := NewPostgresJobStoreFromDB(db)
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresJobStoreFromDB wraps an open connection pool without touching the schema.
func NewPostgresJobStoreFromDB(db *sqlx.DB) *PostgresJobStore {
	return &PostgresJobStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *PostgresJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, jobSchemaSQL); err != nil {
		return fmt.Errorf("ensure capture_jobs schema: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresJobStore) Create(ctx context.Context, job domain.Job) error {
	var result []byte
	if job.Result != nil {
		body, err := json.Marshal(job.Result)
		if err != nil {
			return fmt.Errorf("marshal job result: %w", err)
		}
		result = body
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO capture_jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		job.ID,
		job.TargetURL,
		string(job.Status),
		job.TaskID,
		job.RetryCount,
		result,
		job.Error,
		job.SubmittedBy,
		job.CallbackURL,
		job.CreatedAt,
		job.UpdatedAt,
		job.StartedAt,
		job.FinishedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("create job %s: %w", job.ID, domain.ErrJobExists)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM capture_jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}

	job, err := row.toDomain()
	if err != nil {
		return domain.Job{}, false, err
	}
	return job, true, nil
}

func (s *PostgresJobStore) MarkProcessing(ctx context.Context, id string, retryCount int) (domain.Job, error) {
	return s.transition(ctx, id, domain.StatusProcessing,
		`retry_count = GREATEST(retry_count, $4), started_at = COALESCE(started_at, $3)`,
		retryCount,
	)
}

func (s *PostgresJobStore) ScheduleRetry(ctx context.Context, id string, retryCount int, lastError string) (domain.Job, error) {
	return s.transition(ctx, id, domain.StatusProcessing,
		`retry_count = GREATEST(retry_count, $4), error = $5`,
		retryCount, lastError,
	)
}

func (s *PostgresJobStore) Complete(ctx context.Context, id string, result domain.Result) (domain.Job, error) {
	body, err := json.Marshal(result)
	if err != nil {
		return domain.Job{}, fmt.Errorf("marshal job result: %w", err)
	}
	return s.transition(ctx, id, domain.StatusCompleted,
		`result = $4, error = '', finished_at = $3`,
		body,
	)
}

func (s *PostgresJobStore) Fail(ctx context.Context, id string, message string) (domain.Job, error) {
	return s.transition(ctx, id, domain.StatusFailed,
		`error = $4, finished_at = $3`,
		message,
	)
}

func (s *PostgresJobStore) Discard(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM capture_jobs WHERE id = $1 AND status = $2 AND started_at IS NULL`,
		id, string(domain.StatusQueued),
	)
	if err != nil {
		return fmt.Errorf("discard job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if _, found, getErr := s.Get(ctx, id); getErr == nil && found {
			return fmt.Errorf("discard job %s: %w", id, domain.ErrInvalidTransition)
		}
	}
	return nil
}

// transition runs a single conditional UPDATE. $1 is the id, $2 the allowed
// source statuses, $3 the current time; extra arguments start at $4.
func (s *PostgresJobStore) transition(ctx context.Context, id string, to domain.Status, set string, args ...any) (domain.Job, error) {
	query := `UPDATE capture_jobs
		 SET status = '` + string(to) + `', updated_at = $3, ` + set + `
		 WHERE id = $1 AND status = ANY($2)
		 RETURNING ` + jobColumns

	params := append([]any{id, pq.Array(statusStrings(domain.AllowedFrom(to))), s.now()}, args...)

	var row jobRow
	err := s.db.GetContext(ctx, &row, query, params...)
	if err == nil {
		return row.toDomain()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("transition job to %s: %w", to, err)
	}

	job, found, getErr := s.Get(ctx, id)
	if getErr != nil {
		return domain.Job{}, getErr
	}
	if !found {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job, fmt.Errorf("%s -> %s: %w", job.Status, to, domain.ErrInvalidTransition)
}

func statusStrings(statuses []domain.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

var _ JobStore = (*PostgresJobStore)(nil)
