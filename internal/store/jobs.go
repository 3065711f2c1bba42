package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tidesync/tidesync/internal/model"
)

const jobColumns = `id, config_id, status, checkpoint_leg, checkpoint_key,
	read_count, written_count, unchanged_count, skipped_count, conflicted_count, errored_count,
	errors_dropped, fatal_error, cancel_requested, started_at, finished_at`

// CreateJob inserts a new job row. The id must be fresh; a duplicate id is
// an error, not an upsert.
func (s *Store) CreateJob(ctx context.Context, job model.SyncJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_jobs
			(id, config_id, status, checkpoint_leg, checkpoint_key,
			 read_count, written_count, unchanged_count, skipped_count, conflicted_count, errored_count,
			 errors_dropped, fatal_error, cancel_requested, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.ConfigID,
		job.Status,
		job.Checkpoint.Leg,
		job.Checkpoint.AfterKey,
		job.Counters.Read,
		job.Counters.Written,
		job.Counters.Unchanged,
		job.Counters.Skipped,
		job.Counters.Conflicted,
		job.Counters.Errored,
		job.ErrorsDropped,
		job.FatalError,
		boolToInt(job.CancelRequested),
		formatTime(job.StartedAt),
		formatNullableTime(job.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("create job %q: %w", job.ID, err)
	}
	return nil
}

// GetJob returns a job with its stored error list.
func (s *Store) GetJob(ctx context.Context, id string) (model.SyncJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		return model.SyncJob{}, err
	}
	if job.Errors, err = s.listJobErrors(ctx, id); err != nil {
		return model.SyncJob{}, err
	}
	return job, nil
}

// ListJobs returns jobs for a config, newest first, without error lists.
// limit <= 0 means no limit.
func (s *Store) ListJobs(ctx context.Context, configID string, limit int) ([]model.SyncJob, error) {
	q := `SELECT ` + jobColumns + ` FROM sync_jobs WHERE config_id = ? ORDER BY started_at DESC, id COLLATE BINARY ASC`
	args := []any{configID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := []model.SyncJob{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// SetJobStatus transitions a job. Terminal statuses also record finished_at
// and the fatal error, if any.
func (s *Store) SetJobStatus(ctx context.Context, id, status, fatalError string, at time.Time) error {
	var (
		res sql.Result
		err error
	)
	if model.TerminalJobStatus(status) {
		res, err = s.db.ExecContext(ctx, `
			UPDATE sync_jobs SET status = ?, fatal_error = ?, finished_at = ? WHERE id = ?
		`, status, fatalError, formatTime(at), id)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE sync_jobs SET status = ? WHERE id = ?
		`, status, id)
	}
	if err != nil {
		return fmt.Errorf("set job %q status %q: %w", id, status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set job %q status: rows affected: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("set job %q status: %w", id, ErrNotFound)
	}
	return nil
}

// MarkJobResumed rearms a stopped job for another run: back to pending with
// the cancel flag, fatal error and finish time cleared. Counters and the
// checkpoint are kept, so the next run continues where this one stopped.
// Returns false when the job finished successfully (nothing to resume).
func (s *Store) MarkJobResumed(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs
		SET status = ?, cancel_requested = 0, fatal_error = '', finished_at = NULL
		WHERE id = ? AND status NOT IN (?, ?)
	`, model.JobPending, id, model.JobSucceeded, model.JobPartialSuccess)
	if err != nil {
		return false, fmt.Errorf("mark job %q resumed: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark job %q resumed: rows affected: %w", id, err)
	}
	return n > 0, nil
}

// RequestCancel flags a running or pending job for cooperative cancellation.
// Returns true when the flag was newly set; false when the job is already
// terminal or already flagged.
func (s *Store) RequestCancel(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs
		SET cancel_requested = 1
		WHERE id = ? AND cancel_requested = 0 AND status IN (?, ?)
	`, id, model.JobPending, model.JobRunning)
	if err != nil {
		return false, fmt.Errorf("request cancel %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("request cancel %q: rows affected: %w", id, err)
	}
	return n > 0, nil
}

// CancelRequested reports the current cancel flag; the executor polls this
// at page boundaries.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM sync_jobs WHERE id = ?`, id).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("job %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("cancel flag for %q: %w", id, err)
	}
	return v != 0, nil
}

// FindInterruptedJobs returns jobs still marked running or pending; after a
// process restart these are the candidates for resume or failure.
func (s *Store) FindInterruptedJobs(ctx context.Context) ([]model.SyncJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM sync_jobs
		WHERE status IN (?, ?)
		ORDER BY started_at ASC, id COLLATE BINARY ASC
	`, model.JobPending, model.JobRunning)
	if err != nil {
		return nil, fmt.Errorf("find interrupted jobs: %w", err)
	}
	defer rows.Close()

	out := []model.SyncJob{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate interrupted jobs: %w", err)
	}
	return out, nil
}

// AddJobError appends one issue row outside a page commit. Page-scoped
// issues ride along in CommitPage instead.
func (s *Store) AddJobError(ctx context.Context, jobID string, e model.JobError) error {
	return insertJobError(ctx, s.db, jobID, e)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertJobError(ctx context.Context, db execer, jobID string, e model.JobError) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO job_errors (job_id, seq, record_key, kind, message, at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, seq) DO NOTHING
	`, jobID, e.Seq, e.RecordKey, e.Kind, e.Message, formatTime(e.At))
	if err != nil {
		return fmt.Errorf("insert job error %d for %q: %w", e.Seq, jobID, err)
	}
	return nil
}

func (s *Store) listJobErrors(ctx context.Context, jobID string) ([]model.JobError, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, record_key, kind, message, at
		FROM job_errors
		WHERE job_id = ?
		ORDER BY seq ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job errors: %w", err)
	}
	defer rows.Close()

	out := []model.JobError{}
	for rows.Next() {
		var (
			e  model.JobError
			at string
		)
		if err := rows.Scan(&e.Seq, &e.RecordKey, &e.Kind, &e.Message, &at); err != nil {
			return nil, fmt.Errorf("scan job error: %w", err)
		}
		if e.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job errors: %w", err)
	}
	return out, nil
}

func scanJob(row rowScanner) (model.SyncJob, error) {
	var (
		job             model.SyncJob
		cancelRequested int
		startedAt       string
		finishedAt      sql.NullString
	)
	err := row.Scan(
		&job.ID,
		&job.ConfigID,
		&job.Status,
		&job.Checkpoint.Leg,
		&job.Checkpoint.AfterKey,
		&job.Counters.Read,
		&job.Counters.Written,
		&job.Counters.Unchanged,
		&job.Counters.Skipped,
		&job.Counters.Conflicted,
		&job.Counters.Errored,
		&job.ErrorsDropped,
		&job.FatalError,
		&cancelRequested,
		&startedAt,
		&finishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SyncJob{}, fmt.Errorf("job: %w", ErrNotFound)
	}
	if err != nil {
		return model.SyncJob{}, fmt.Errorf("scan job: %w", err)
	}
	job.CancelRequested = cancelRequested != 0
	if job.StartedAt, err = parseTime(startedAt); err != nil {
		return model.SyncJob{}, err
	}
	if job.FinishedAt, err = parseNullableTime(finishedAt); err != nil {
		return model.SyncJob{}, err
	}
	return job, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
