package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tidesync/tidesync/internal/model"
)

const conflictColumns = `id, job_id, config_id, record_key, source_snapshot, target_snapshot,
	fields, status, resolution, resolved_value, detected_at, resolved_at`

// InsertConflict records a detected divergence. Idempotent per (job,
// record key): replaying a page after a crash is a no-op and returns
// inserted=false.
func (s *Store) InsertConflict(ctx context.Context, c model.Conflict) (inserted bool, err error) {
	return insertConflict(ctx, s.db, c)
}

func insertConflict(ctx context.Context, db execer, c model.Conflict) (bool, error) {
	sourceSnapshot, err := marshalRecord(c.SourceSnapshot)
	if err != nil {
		return false, fmt.Errorf("insert conflict: source snapshot: %w", err)
	}
	targetSnapshot, err := marshalRecord(c.TargetSnapshot)
	if err != nil {
		return false, fmt.Errorf("insert conflict: target snapshot: %w", err)
	}
	fields, err := marshalStrings(c.Fields)
	if err != nil {
		return false, fmt.Errorf("insert conflict: fields: %w", err)
	}
	resolvedValue, err := marshalNullableRecord(c.ResolvedValue)
	if err != nil {
		return false, fmt.Errorf("insert conflict: resolved value: %w", err)
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO conflicts
			(id, job_id, config_id, record_key, source_snapshot, target_snapshot,
			 fields, status, resolution, resolved_value, detected_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, record_key) DO NOTHING
	`,
		c.ID,
		c.JobID,
		c.ConfigID,
		c.RecordKey,
		sourceSnapshot,
		targetSnapshot,
		fields,
		c.Status,
		c.Resolution,
		resolvedValue,
		formatTime(c.DetectedAt),
		formatNullableTime(c.ResolvedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert conflict for key %q: %w", c.RecordKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert conflict for key %q: rows affected: %w", c.RecordKey, err)
	}
	return n > 0, nil
}

// GetConflict returns a conflict by id.
func (s *Store) GetConflict(ctx context.Context, id string) (model.Conflict, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)
	return scanConflict(row)
}

// ListConflicts returns conflicts for a config, oldest detection first.
// status filters when non-empty; jobID filters when non-empty.
func (s *Store) ListConflicts(ctx context.Context, configID, jobID, status string) ([]model.Conflict, error) {
	q := `SELECT ` + conflictColumns + ` FROM conflicts WHERE config_id = ?`
	args := []any{configID}
	if jobID != "" {
		q += ` AND job_id = ?`
		args = append(args, jobID)
	}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY detected_at ASC, id COLLATE BINARY ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	out := []model.Conflict{}
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return out, nil
}

// PendingConflictKeys returns which of the given record keys already have a
// pending conflict for the config. Later runs use this to avoid stacking
// duplicate conflicts for a key a human has not resolved yet.
func (s *Store) PendingConflictKeys(ctx context.Context, configID string, keys []string) (map[string]bool, error) {
	out := map[string]bool{}
	if len(keys) == 0 {
		return out, nil
	}
	q := `SELECT record_key FROM conflicts WHERE config_id = ? AND status = ? AND record_key IN (`
	args := []any{configID, model.ConflictPendingManual}
	for i, k := range keys {
		if i > 0 {
			q += `, `
		}
		q += `?`
		args = append(args, k)
	}
	q += `)`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("pending conflict keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan pending conflict key: %w", err)
		}
		out[k] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending conflict keys: %w", err)
	}
	return out, nil
}

// ResolveConflict applies a manual resolution. Only pending conflicts can be
// resolved; resolved=false with a nil error means the row exists but is no
// longer pending.
func (s *Store) ResolveConflict(ctx context.Context, id, resolution string, resolvedValue model.Record, at time.Time) (bool, error) {
	resolved, err := marshalNullableRecord(resolvedValue)
	if err != nil {
		return false, fmt.Errorf("resolve conflict %q: %w", id, err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE conflicts
		SET status = ?, resolution = ?, resolved_value = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`, model.ConflictManualResolved, resolution, resolved, formatTime(at), id, model.ConflictPendingManual)
	if err != nil {
		return false, fmt.Errorf("resolve conflict %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve conflict %q: rows affected: %w", id, err)
	}
	if n > 0 {
		return true, nil
	}

	// Distinguish a missing row from a lost race with another resolver.
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM conflicts WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("conflict %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("resolve conflict %q: status check: %w", id, err)
	}
	return false, nil
}

// SkipConflict marks a pending conflict as skipped without producing a
// resolved value.
func (s *Store) SkipConflict(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conflicts
		SET status = ?, resolution = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`, model.ConflictSkipped, model.ResolveSkip, formatTime(at), id, model.ConflictPendingManual)
	if err != nil {
		return false, fmt.Errorf("skip conflict %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("skip conflict %q: rows affected: %w", id, err)
	}
	return n > 0, nil
}

func autoResolveConflicts(ctx context.Context, db execer, configID string, recordKeys []string, at time.Time) (int64, error) {
	var total int64
	for _, key := range recordKeys {
		res, err := db.ExecContext(ctx, `
			UPDATE conflicts
			SET status = ?, resolved_at = ?
			WHERE config_id = ? AND record_key = ? AND status = ?
		`, model.ConflictAutoResolved, formatTime(at), configID, key, model.ConflictPendingManual)
		if err != nil {
			return total, fmt.Errorf("auto-resolve conflicts for key %q: %w", key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("auto-resolve conflicts for key %q: rows affected: %w", key, err)
		}
		total += n
	}
	return total, nil
}

func scanConflict(row rowScanner) (model.Conflict, error) {
	var (
		c                              model.Conflict
		sourceSnapshot, targetSnapshot string
		fields                         string
		resolvedValue                  sql.NullString
		detectedAt                     string
		resolvedAt                     sql.NullString
	)
	err := row.Scan(
		&c.ID,
		&c.JobID,
		&c.ConfigID,
		&c.RecordKey,
		&sourceSnapshot,
		&targetSnapshot,
		&fields,
		&c.Status,
		&c.Resolution,
		&resolvedValue,
		&detectedAt,
		&resolvedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Conflict{}, fmt.Errorf("conflict: %w", ErrNotFound)
	}
	if err != nil {
		return model.Conflict{}, fmt.Errorf("scan conflict: %w", err)
	}
	if c.SourceSnapshot, err = unmarshalRecord(sourceSnapshot); err != nil {
		return model.Conflict{}, err
	}
	if c.TargetSnapshot, err = unmarshalRecord(targetSnapshot); err != nil {
		return model.Conflict{}, err
	}
	if c.Fields, err = unmarshalStrings(fields); err != nil {
		return model.Conflict{}, err
	}
	if c.ResolvedValue, err = unmarshalNullableRecord(resolvedValue); err != nil {
		return model.Conflict{}, err
	}
	if c.DetectedAt, err = parseTime(detectedAt); err != nil {
		return model.Conflict{}, err
	}
	if c.ResolvedAt, err = parseNullableTime(resolvedAt); err != nil {
		return model.Conflict{}, err
	}
	return c, nil
}
