package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tidesync/tidesync/internal/model"
)

// AcquireLease claims the single run slot for a config. The primary key on
// config_id makes this a pure compare-and-set: acquired=false means another
// job holds the slot, and the holder is returned so callers can report it.
func (s *Store) AcquireLease(ctx context.Context, lease model.Lease) (acquired bool, holder model.Lease, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (config_id, job_id, acquired_at)
		VALUES (?, ?, ?)
		ON CONFLICT(config_id) DO NOTHING
	`, lease.ConfigID, lease.JobID, formatTime(lease.AcquiredAt))
	if err != nil {
		return false, model.Lease{}, fmt.Errorf("acquire lease for %q: %w", lease.ConfigID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, model.Lease{}, fmt.Errorf("acquire lease for %q: rows affected: %w", lease.ConfigID, err)
	}
	if n > 0 {
		return true, lease, nil
	}

	holder, err = s.GetLease(ctx, lease.ConfigID)
	if errors.Is(err, ErrNotFound) {
		// Holder released between our insert and read; treat as contended
		// and let the caller retry.
		return false, model.Lease{}, nil
	}
	if err != nil {
		return false, model.Lease{}, err
	}
	return false, holder, nil
}

// ReleaseLease frees the run slot. Scoped to the owning job so a stale
// worker cannot release a successor's lease.
func (s *Store) ReleaseLease(ctx context.Context, configID, jobID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM leases WHERE config_id = ? AND job_id = ?
	`, configID, jobID)
	if err != nil {
		return fmt.Errorf("release lease for %q: %w", configID, err)
	}
	return nil
}

// GetLease returns the current lease for a config, if any.
func (s *Store) GetLease(ctx context.Context, configID string) (model.Lease, error) {
	var (
		lease      model.Lease
		acquiredAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT config_id, job_id, acquired_at FROM leases WHERE config_id = ?
	`, configID).Scan(&lease.ConfigID, &lease.JobID, &acquiredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Lease{}, fmt.Errorf("lease for %q: %w", configID, ErrNotFound)
	}
	if err != nil {
		return model.Lease{}, fmt.Errorf("get lease for %q: %w", configID, err)
	}
	if lease.AcquiredAt, err = parseTime(acquiredAt); err != nil {
		return model.Lease{}, err
	}
	return lease, nil
}
