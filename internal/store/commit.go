package store

import (
	"context"
	"fmt"
	"time"

	"github.com/tidesync/tidesync/internal/model"
)

// PageCommit bundles everything one processed page changes. Committing it
// atomically is what makes crash replay safe: either the checkpoint,
// counters, baselines, conflicts and errors all land, or none do, so a
// page is never half-counted.
type PageCommit struct {
	JobID      string
	ConfigID   string
	Checkpoint model.Checkpoint
	Delta      model.Counters

	// Baselines to upsert for the page's keys.
	Fingerprints []BaselineFingerprint

	// New conflicts detected in this page. Insertion is idempotent on
	// (job, record key).
	Conflicts []model.Conflict

	// Keys that converged in this page; their stale pending conflicts
	// flip to auto_resolved.
	ConvergedKeys []string

	// Issues collected while processing the page, already sequenced.
	Errors []model.JobError

	At time.Time
}

// CommitPage persists one page's outcome in a single transaction and
// advances the job checkpoint. The job must still be running: a commit
// racing a terminal transition loses and reports it, so a stale worker
// cannot move a finished job's cursor.
func (s *Store) CommitPage(ctx context.Context, pc PageCommit) (conflictsInserted int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("commit page for job %q: begin: %w", pc.JobID, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE sync_jobs
		SET checkpoint_leg = ?,
			checkpoint_key = ?,
			read_count = read_count + ?,
			written_count = written_count + ?,
			unchanged_count = unchanged_count + ?,
			skipped_count = skipped_count + ?,
			conflicted_count = conflicted_count + ?,
			errored_count = errored_count + ?
		WHERE id = ? AND status = ?
	`,
		pc.Checkpoint.Leg,
		pc.Checkpoint.AfterKey,
		pc.Delta.Read,
		pc.Delta.Written,
		pc.Delta.Unchanged,
		pc.Delta.Skipped,
		pc.Delta.Conflicted,
		pc.Delta.Errored,
		pc.JobID,
		model.JobRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("commit page for job %q: advance checkpoint: %w", pc.JobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("commit page for job %q: rows affected: %w", pc.JobID, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("commit page for job %q: job is not running", pc.JobID)
	}

	for _, bf := range pc.Fingerprints {
		if err := upsertFingerprint(ctx, tx, pc.ConfigID, bf); err != nil {
			return 0, fmt.Errorf("commit page for job %q: %w", pc.JobID, err)
		}
	}

	for _, c := range pc.Conflicts {
		inserted, err := insertConflict(ctx, tx, c)
		if err != nil {
			return 0, fmt.Errorf("commit page for job %q: %w", pc.JobID, err)
		}
		if inserted {
			conflictsInserted++
		}
	}

	if len(pc.ConvergedKeys) > 0 {
		if _, err := autoResolveConflicts(ctx, tx, pc.ConfigID, pc.ConvergedKeys, pc.At); err != nil {
			return 0, fmt.Errorf("commit page for job %q: %w", pc.JobID, err)
		}
	}

	for _, e := range pc.Errors {
		if err := insertJobError(ctx, tx, pc.JobID, e); err != nil {
			return 0, fmt.Errorf("commit page for job %q: %w", pc.JobID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit page for job %q: commit: %w", pc.JobID, err)
	}
	return conflictsInserted, nil
}

// BumpErrorsDropped adds to the overflow counter when the per-job error
// list hit its cap and further issues were discarded.
func (s *Store) BumpErrorsDropped(ctx context.Context, jobID string, n int64) error {
	if n <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs SET errors_dropped = errors_dropped + ? WHERE id = ?
	`, n, jobID)
	if err != nil {
		return fmt.Errorf("bump errors dropped for %q: %w", jobID, err)
	}
	return nil
}
