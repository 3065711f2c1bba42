package store

import (
	"context"
	"fmt"
	"time"
)

// BaselineFingerprint is one stored record fingerprint for a config key.
type BaselineFingerprint struct {
	RecordKey   string
	Fingerprint string
	JobID       string
	UpdatedAt   time.Time
}

// GetFingerprints returns the stored baselines for the given keys. Keys with
// no baseline yet are absent from the map.
func (s *Store) GetFingerprints(ctx context.Context, configID string, keys []string) (map[string]string, error) {
	out := map[string]string{}
	if len(keys) == 0 {
		return out, nil
	}

	q := `SELECT record_key, fingerprint FROM fingerprints WHERE config_id = ? AND record_key IN (`
	args := []any{configID}
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
		return nil, fmt.Errorf("get fingerprints: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, fp string
		if err := rows.Scan(&key, &fp); err != nil {
			return nil, fmt.Errorf("scan fingerprint: %w", err)
		}
		out[key] = fp
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fingerprints: %w", err)
	}
	return out, nil
}

// CountFingerprints reports how many baselines a config has accumulated.
func (s *Store) CountFingerprints(ctx context.Context, configID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM fingerprints WHERE config_id = ?
	`, configID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count fingerprints: %w", err)
	}
	return n, nil
}

// SetBaselineFingerprint upserts a single baseline outside a page commit.
// Manual conflict resolution advances the resolved key's baseline this way.
func (s *Store) SetBaselineFingerprint(ctx context.Context, configID string, bf BaselineFingerprint) error {
	return upsertFingerprint(ctx, s.db, configID, bf)
}

func upsertFingerprint(ctx context.Context, db execer, configID string, bf BaselineFingerprint) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO fingerprints (config_id, record_key, fingerprint, job_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(config_id, record_key) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			job_id = excluded.job_id,
			updated_at = excluded.updated_at
	`, configID, bf.RecordKey, bf.Fingerprint, bf.JobID, formatTime(bf.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert fingerprint for key %q: %w", bf.RecordKey, err)
	}
	return nil
}
