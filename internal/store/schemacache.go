package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tidesync/tidesync/internal/model"
)

// PutCachedSchema stores the latest introspected shape of one table.
// Staleness is judged by the reader against refreshed_at, so a put always
// overwrites.
func (s *Store) PutCachedSchema(ctx context.Context, ts model.TableSchema) error {
	columns, err := marshalColumns(ts.Columns)
	if err != nil {
		return fmt.Errorf("put cached schema: %w", err)
	}
	foreignKeys, err := marshalForeignKeys(ts.ForeignKeys)
	if err != nil {
		return fmt.Errorf("put cached schema: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schema_cache (datasource_id, table_name, columns, foreign_keys, refreshed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(datasource_id, table_name) DO UPDATE SET
			columns = excluded.columns,
			foreign_keys = excluded.foreign_keys,
			refreshed_at = excluded.refreshed_at
	`, ts.DatasourceID, ts.Table, columns, foreignKeys, formatTime(ts.RefreshedAt))
	if err != nil {
		return fmt.Errorf("put cached schema for %s.%s: %w", ts.DatasourceID, ts.Table, err)
	}
	return nil
}

// GetCachedSchema returns the stored shape of one table, Stale left false;
// the cache layer decides staleness from RefreshedAt.
func (s *Store) GetCachedSchema(ctx context.Context, datasourceID, table string) (model.TableSchema, error) {
	var (
		ts                   model.TableSchema
		columns, foreignKeys string
		refreshedAt          string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT datasource_id, table_name, columns, foreign_keys, refreshed_at
		FROM schema_cache
		WHERE datasource_id = ? AND table_name = ?
	`, datasourceID, table).Scan(&ts.DatasourceID, &ts.Table, &columns, &foreignKeys, &refreshedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TableSchema{}, fmt.Errorf("cached schema for %s.%s: %w", datasourceID, table, ErrNotFound)
	}
	if err != nil {
		return model.TableSchema{}, fmt.Errorf("get cached schema for %s.%s: %w", datasourceID, table, err)
	}
	if ts.Columns, err = unmarshalColumns(columns); err != nil {
		return model.TableSchema{}, err
	}
	if ts.ForeignKeys, err = unmarshalForeignKeys(foreignKeys); err != nil {
		return model.TableSchema{}, err
	}
	if ts.RefreshedAt, err = parseTime(refreshedAt); err != nil {
		return model.TableSchema{}, err
	}
	return ts, nil
}

// InvalidateSchemaCache drops every cached table for a datasource. Called on
// credential rotation, since new credentials may see different grants.
func (s *Store) InvalidateSchemaCache(ctx context.Context, datasourceID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM schema_cache WHERE datasource_id = ?
	`, datasourceID)
	if err != nil {
		return 0, fmt.Errorf("invalidate schema cache for %q: %w", datasourceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("invalidate schema cache for %q: rows affected: %w", datasourceID, err)
	}
	return n, nil
}
