package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tidesync/tidesync/internal/model"
)

// CreateView inserts a new view version. Versions are immutable: editing a
// view means inserting the next version, so configs referencing an older
// version keep their exact column set.
func (s *Store) CreateView(ctx context.Context, v model.DatasourceView) error {
	if err := v.Validate(); err != nil {
		return fmt.Errorf("create view: %w", err)
	}

	columns, err := marshalStrings(v.Columns)
	if err != nil {
		return fmt.Errorf("create view %q: %w", v.Name, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO datasource_views
			(id, datasource_id, name, table_name, key_column, columns, predicate, modified_column, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		v.ID,
		v.DatasourceID,
		v.Name,
		v.Table,
		v.KeyColumn,
		columns,
		v.Predicate,
		v.ModifiedColumn,
		v.Version,
		formatTime(v.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create view %q v%d: %w", v.Name, v.Version, err)
	}
	return nil
}

// GetView returns a view by id.
func (s *Store) GetView(ctx context.Context, id string) (model.DatasourceView, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, datasource_id, name, table_name, key_column, columns, predicate, modified_column, version, created_at
		FROM datasource_views
		WHERE id = ?
	`, id)
	return scanView(row)
}

// GetViewByName returns the highest version of a named view.
func (s *Store) GetViewByName(ctx context.Context, name string) (model.DatasourceView, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, datasource_id, name, table_name, key_column, columns, predicate, modified_column, version, created_at
		FROM datasource_views
		WHERE name = ?
		ORDER BY version DESC
		LIMIT 1
	`, name)
	return scanView(row)
}

// NextViewVersion returns the version number a new definition of the named
// view should carry. 1 when the name is unused.
func (s *Store) NextViewVersion(ctx context.Context, name string) (int, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(version) FROM datasource_views WHERE name = ?
	`, name).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("next view version for %q: %w", name, err)
	}
	if !v.Valid {
		return 1, nil
	}
	return int(v.Int64) + 1, nil
}

// ListViews returns all view versions for a datasource, newest name-version
// first within a name.
func (s *Store) ListViews(ctx context.Context, datasourceID string) ([]model.DatasourceView, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, datasource_id, name, table_name, key_column, columns, predicate, modified_column, version, created_at
		FROM datasource_views
		WHERE datasource_id = ?
		ORDER BY name ASC, version DESC, id COLLATE BINARY ASC
	`, datasourceID)
	if err != nil {
		return nil, fmt.Errorf("list views: %w", err)
	}
	defer rows.Close()

	out := []model.DatasourceView{}
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate views: %w", err)
	}
	return out, nil
}

func scanView(row rowScanner) (model.DatasourceView, error) {
	var (
		v         model.DatasourceView
		columns   string
		createdAt string
	)
	err := row.Scan(&v.ID, &v.DatasourceID, &v.Name, &v.Table, &v.KeyColumn, &columns, &v.Predicate, &v.ModifiedColumn, &v.Version, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DatasourceView{}, fmt.Errorf("view: %w", ErrNotFound)
	}
	if err != nil {
		return model.DatasourceView{}, fmt.Errorf("scan view: %w", err)
	}
	if v.Columns, err = unmarshalStrings(columns); err != nil {
		return model.DatasourceView{}, err
	}
	if v.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.DatasourceView{}, err
	}
	return v, nil
}
