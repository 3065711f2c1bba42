package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tidesync/tidesync/internal/model"
)

// UpsertSyncConfig inserts or updates a config by name and replaces its
// mapping rows wholesale, all in one transaction. When the name already
// exists the stored id wins; the canonical id is returned so callers can
// address the config regardless of which apply created it.
func (s *Store) UpsertSyncConfig(ctx context.Context, cfg model.SyncConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", fmt.Errorf("upsert config: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("upsert config %q: begin: %w", cfg.Name, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_configs
			(id, name, source_view_id, target_view_id, direction, policy, tie_break, page_size, schedule, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			source_view_id = excluded.source_view_id,
			target_view_id = excluded.target_view_id,
			direction = excluded.direction,
			policy = excluded.policy,
			tie_break = excluded.tie_break,
			page_size = excluded.page_size,
			schedule = excluded.schedule,
			updated_at = excluded.updated_at
	`,
		cfg.ID,
		cfg.Name,
		cfg.SourceViewID,
		cfg.TargetViewID,
		cfg.Direction,
		cfg.Policy,
		cfg.TieBreakOrDefault(),
		cfg.PageSize,
		cfg.Schedule,
		formatTime(cfg.CreatedAt),
		formatTime(cfg.UpdatedAt),
	)
	if err != nil {
		return "", fmt.Errorf("upsert config %q: %w", cfg.Name, err)
	}

	var id string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM sync_configs WHERE name = ?`, cfg.Name).Scan(&id); err != nil {
		return "", fmt.Errorf("upsert config %q: resolve id: %w", cfg.Name, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM field_mappings WHERE config_id = ?`, id); err != nil {
		return "", fmt.Errorf("upsert config %q: clear mappings: %w", cfg.Name, err)
	}
	if err := insertMappings(ctx, tx, id, 0, cfg.Mappings); err != nil {
		return "", fmt.Errorf("upsert config %q: %w", cfg.Name, err)
	}
	if err := insertMappings(ctx, tx, id, 1, cfg.ReverseMappings); err != nil {
		return "", fmt.Errorf("upsert config %q: %w", cfg.Name, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("upsert config %q: commit: %w", cfg.Name, err)
	}
	return id, nil
}

func insertMappings(ctx context.Context, tx *sql.Tx, configID string, reverse int, mappings []model.FieldMapping) error {
	for i, m := range mappings {
		enumValues := any(nil)
		if len(m.EnumValues) > 0 {
			s, err := marshalStrings(m.EnumValues)
			if err != nil {
				return fmt.Errorf("mapping %d: %w", i, err)
			}
			enumValues = s
		}
		defaultValue, err := marshalValue(m.Default)
		if err != nil {
			return fmt.Errorf("mapping %d: %w", i, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO field_mappings
				(config_id, reverse, ordinal, source_column, target_column, coerce, enum_values, default_value)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, configID, reverse, i, m.SourceColumn, m.TargetColumn, m.Coerce, enumValues, defaultValue)
		if err != nil {
			return fmt.Errorf("mapping %d: %w", i, err)
		}
	}
	return nil
}

// GetSyncConfig returns a config with its mapping rows by id.
func (s *Store) GetSyncConfig(ctx context.Context, id string) (model.SyncConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, source_view_id, target_view_id, direction, policy, tie_break, page_size, schedule, created_at, updated_at
		FROM sync_configs
		WHERE id = ?
	`, id)
	return s.scanConfigWithMappings(ctx, row)
}

// GetSyncConfigByName returns a config with its mapping rows by name.
func (s *Store) GetSyncConfigByName(ctx context.Context, name string) (model.SyncConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, source_view_id, target_view_id, direction, policy, tie_break, page_size, schedule, created_at, updated_at
		FROM sync_configs
		WHERE name = ?
	`, name)
	return s.scanConfigWithMappings(ctx, row)
}

// ListSyncConfigs returns all configs, mappings included, ordered by name.
func (s *Store) ListSyncConfigs(ctx context.Context) ([]model.SyncConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, source_view_id, target_view_id, direction, policy, tie_break, page_size, schedule, created_at, updated_at
		FROM sync_configs
		ORDER BY name ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list configs: %w", err)
	}
	defer rows.Close()

	out := []model.SyncConfig{}
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate configs: %w", err)
	}
	for i := range out {
		if err := s.loadMappings(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ListScheduledConfigs returns configs with a non-empty cron schedule.
func (s *Store) ListScheduledConfigs(ctx context.Context) ([]model.SyncConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, source_view_id, target_view_id, direction, policy, tie_break, page_size, schedule, created_at, updated_at
		FROM sync_configs
		WHERE schedule != ''
		ORDER BY name ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled configs: %w", err)
	}
	defer rows.Close()

	out := []model.SyncConfig{}
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scheduled configs: %w", err)
	}
	for i := range out {
		if err := s.loadMappings(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) scanConfigWithMappings(ctx context.Context, row rowScanner) (model.SyncConfig, error) {
	cfg, err := scanConfig(row)
	if err != nil {
		return model.SyncConfig{}, err
	}
	if err := s.loadMappings(ctx, &cfg); err != nil {
		return model.SyncConfig{}, err
	}
	return cfg, nil
}

func scanConfig(row rowScanner) (model.SyncConfig, error) {
	var (
		cfg                  model.SyncConfig
		createdAt, updatedAt string
	)
	err := row.Scan(&cfg.ID, &cfg.Name, &cfg.SourceViewID, &cfg.TargetViewID, &cfg.Direction, &cfg.Policy, &cfg.TieBreak, &cfg.PageSize, &cfg.Schedule, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SyncConfig{}, fmt.Errorf("config: %w", ErrNotFound)
	}
	if err != nil {
		return model.SyncConfig{}, fmt.Errorf("scan config: %w", err)
	}
	if cfg.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.SyncConfig{}, err
	}
	if cfg.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.SyncConfig{}, err
	}
	return cfg, nil
}

func (s *Store) loadMappings(ctx context.Context, cfg *model.SyncConfig) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT reverse, source_column, target_column, coerce, enum_values, default_value
		FROM field_mappings
		WHERE config_id = ?
		ORDER BY reverse ASC, ordinal ASC
	`, cfg.ID)
	if err != nil {
		return fmt.Errorf("load mappings for %q: %w", cfg.ID, err)
	}
	defer rows.Close()

	cfg.Mappings = nil
	cfg.ReverseMappings = nil
	for rows.Next() {
		var (
			reverse                  int
			m                        model.FieldMapping
			enumValues, defaultValue sql.NullString
		)
		if err := rows.Scan(&reverse, &m.SourceColumn, &m.TargetColumn, &m.Coerce, &enumValues, &defaultValue); err != nil {
			return fmt.Errorf("scan mapping: %w", err)
		}
		if enumValues.Valid {
			if m.EnumValues, err = unmarshalStrings(enumValues.String); err != nil {
				return err
			}
		}
		if m.Default, err = unmarshalValue(defaultValue); err != nil {
			return err
		}
		if reverse == 0 {
			cfg.Mappings = append(cfg.Mappings, m)
		} else {
			cfg.ReverseMappings = append(cfg.ReverseMappings, m)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate mappings: %w", err)
	}
	return nil
}
