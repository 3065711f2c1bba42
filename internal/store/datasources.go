package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tidesync/tidesync/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// UpsertDatasource inserts or updates a datasource by name. Re-applying a
// definition updates the connection fields and clears any soft delete;
// created_at is preserved on update.
func (s *Store) UpsertDatasource(ctx context.Context, ds model.Datasource) error {
	if err := ds.Validate(); err != nil {
		return fmt.Errorf("upsert datasource: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO datasources (id, name, driver, dsn, credential_ref, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(name) DO UPDATE SET
			driver = excluded.driver,
			dsn = excluded.dsn,
			credential_ref = excluded.credential_ref,
			updated_at = excluded.updated_at,
			deleted_at = NULL
	`,
		ds.ID,
		ds.Name,
		ds.Driver,
		ds.DSN,
		ds.CredentialRef,
		formatTime(ds.CreatedAt),
		formatTime(ds.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert datasource %q: %w", ds.Name, err)
	}
	return nil
}

// GetDatasource returns a datasource by id, soft-deleted rows included
// (callers decide whether a deleted source still matters, e.g. for audit).
func (s *Store) GetDatasource(ctx context.Context, id string) (model.Datasource, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, driver, dsn, credential_ref, created_at, updated_at, deleted_at
		FROM datasources
		WHERE id = ?
	`, id)
	return scanDatasource(row)
}

// GetDatasourceByName returns a live (not soft-deleted) datasource by name.
func (s *Store) GetDatasourceByName(ctx context.Context, name string) (model.Datasource, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, driver, dsn, credential_ref, created_at, updated_at, deleted_at
		FROM datasources
		WHERE name = ? AND deleted_at IS NULL
	`, name)
	return scanDatasource(row)
}

// ListDatasources returns all live datasources ordered by name.
func (s *Store) ListDatasources(ctx context.Context) ([]model.Datasource, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, driver, dsn, credential_ref, created_at, updated_at, deleted_at
		FROM datasources
		WHERE deleted_at IS NULL
		ORDER BY name ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list datasources: %w", err)
	}
	defer rows.Close()

	out := []model.Datasource{}
	for rows.Next() {
		ds, err := scanDatasource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ds)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate datasources: %w", err)
	}
	return out, nil
}

// RotateDatasourceCredentials updates the DSN and credential reference.
// The caller must invalidate the datasource's schema cache afterwards.
func (s *Store) RotateDatasourceCredentials(ctx context.Context, id, dsn, credentialRef string, updatedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE datasources
		SET dsn = ?, credential_ref = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`, dsn, credentialRef, formatTime(updatedAt), id)
	if err != nil {
		return fmt.Errorf("rotate credentials for %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rotate credentials for %q: rows affected: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("rotate credentials for %q: %w", id, ErrNotFound)
	}
	return nil
}

// SoftDeleteDatasource marks a datasource as removed. The row is retained;
// views and history keep their references.
func (s *Store) SoftDeleteDatasource(ctx context.Context, id string, deletedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE datasources SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL
	`, formatTime(deletedAt), id)
	if err != nil {
		return fmt.Errorf("soft delete datasource %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("soft delete datasource %q: rows affected: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("soft delete datasource %q: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDatasource(row rowScanner) (model.Datasource, error) {
	var (
		ds                   model.Datasource
		createdAt, updatedAt string
		deletedAt            sql.NullString
	)
	err := row.Scan(&ds.ID, &ds.Name, &ds.Driver, &ds.DSN, &ds.CredentialRef, &createdAt, &updatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Datasource{}, fmt.Errorf("datasource: %w", ErrNotFound)
	}
	if err != nil {
		return model.Datasource{}, fmt.Errorf("scan datasource: %w", err)
	}
	if ds.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Datasource{}, err
	}
	if ds.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.Datasource{}, err
	}
	if ds.DeletedAt, err = parseNullableTime(deletedAt); err != nil {
		return model.Datasource{}, err
	}
	return ds, nil
}
