package connector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/tidesync/tidesync/internal/model"
)

func init() {
	Register(model.DriverSQLite, func(dsn string) (Connector, error) {
		return openSQLite(dsn)
	})
}

type sqliteConn struct {
	db      *sql.DB
	schemas schemaMemo
}

func openSQLite(dsn string) (*sqliteConn, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, classifySQLite(err, "")
	}

	// Single connection: SQLite has one writer anyway, and serializing
	// through the pool avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, classifySQLite(fmt.Errorf("%s: %w", pragma, err), "")
		}
	}
	return &sqliteConn{db: db}, nil
}

func (c *sqliteConn) ListSchema(ctx context.Context, table string) (model.TableSchema, error) {
	// PRAGMA arguments cannot be bound, so the table name is quoted in.
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", sqliteQuote(table)))
	if err != nil {
		return model.TableSchema{}, classifySQLite(err, "")
	}
	defer rows.Close()

	ts := model.TableSchema{Table: table}
	for rows.Next() {
		var (
			cid       int
			name      string
			dbType    string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &dbType, &notNull, &dfltValue, &pk); err != nil {
			return model.TableSchema{}, &Error{Kind: KindQuery, Err: fmt.Errorf("scan table_info row: %w", err)}
		}
		ts.Columns = append(ts.Columns, model.Column{
			Name:       name,
			Kind:       model.KindOfDBType(dbType),
			DBType:     dbType,
			Nullable:   notNull == 0 && pk == 0,
			PrimaryKey: pk > 0,
		})
	}
	if err := rows.Err(); err != nil {
		return model.TableSchema{}, classifySQLite(err, "")
	}
	if len(ts.Columns) == 0 {
		return model.TableSchema{}, &Error{Kind: KindQuery, Err: fmt.Errorf("table %q not found", table)}
	}

	fkRows, err := c.db.QueryContext(ctx, fmt.Sprintf("PRAGMA foreign_key_list(%s)", sqliteQuote(table)))
	if err != nil {
		return model.TableSchema{}, classifySQLite(err, "")
	}
	defer fkRows.Close()

	for fkRows.Next() {
		var (
			id, seq                   int
			refTable, from            string
			to                        sql.NullString // NULL references the parent's primary key
			onUpdate, onDelete, match string
		)
		if err := fkRows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return model.TableSchema{}, &Error{Kind: KindQuery, Err: fmt.Errorf("scan foreign_key_list row: %w", err)}
		}
		ts.ForeignKeys = append(ts.ForeignKeys, model.ForeignKey{
			Column:           from,
			ReferencedTable:  refTable,
			ReferencedColumn: to.String,
		})
	}
	if err := fkRows.Err(); err != nil {
		return model.TableSchema{}, classifySQLite(err, "")
	}
	return ts, nil
}

func (c *sqliteConn) ReadPage(ctx context.Context, req ReadRequest) ([]model.Record, error) {
	ts, err := c.schemas.get(ctx, req.View.Table, c.ListSchema)
	if err != nil {
		return nil, err
	}

	q := fmt.Sprintf("SELECT %s FROM %s", sqliteColumnList(req.View.Columns), sqliteQuote(req.View.Table))
	var (
		where []string
		args  []any
	)
	if req.View.Predicate != "" {
		where = append(where, "("+req.View.Predicate+")")
	}
	if req.AfterKey != nil {
		where = append(where, fmt.Sprintf("%s > ?", sqliteQuote(req.View.KeyColumn)))
		args = append(args, model.Driver(req.AfterKey))
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += fmt.Sprintf(" ORDER BY %s ASC LIMIT ?", sqliteQuote(req.View.KeyColumn))
	args = append(args, req.Limit)

	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classifySQLite(err, "")
	}
	defer rows.Close()

	return scanRecords(rows, kindsOf(ts))
}

func (c *sqliteConn) ReadKeys(ctx context.Context, view model.DatasourceView, keys []model.Value) (map[string]model.Record, error) {
	out := map[string]model.Record{}
	if len(keys) == 0 {
		return out, nil
	}
	ts, err := c.schemas.get(ctx, view.Table, c.ListSchema)
	if err != nil {
		return nil, err
	}

	placeholders := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		placeholders[i] = "?"
		args[i] = model.Driver(k)
	}
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s)",
		sqliteColumnList(view.Columns), sqliteQuote(view.Table),
		sqliteQuote(view.KeyColumn), strings.Join(placeholders, ", "))

	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classifySQLite(err, "")
	}
	defer rows.Close()

	records, err := scanRecords(rows, kindsOf(ts))
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		key, err := model.KeyString(rec[view.KeyColumn])
		if err != nil {
			return nil, &Error{Kind: KindQuery, Err: fmt.Errorf("key column %q: %w", view.KeyColumn, err)}
		}
		out[key] = rec
	}
	return out, nil
}

func (c *sqliteConn) WriteBatch(ctx context.Context, view model.DatasourceView, records []model.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLite(err, "")
	}
	defer tx.Rollback()

	for _, rec := range records {
		if err := sqliteUpsert(ctx, tx, view, rec); err != nil {
			return classifySQLite(err, recordKeyOf(rec, view.KeyColumn))
		}
	}
	if err := tx.Commit(); err != nil {
		return classifySQLite(err, "")
	}
	return nil
}

func sqliteUpsert(ctx context.Context, tx *sql.Tx, view model.DatasourceView, rec model.Record) error {
	cols := rec.SortedKeys()
	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	updates := make([]string, 0, len(cols))
	values := make([]any, len(cols))
	for i, col := range cols {
		quoted[i] = sqliteQuote(col)
		placeholders[i] = "?"
		values[i] = model.Driver(rec[col])
		if col != view.KeyColumn {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", sqliteQuote(col), sqliteQuote(col)))
		}
	}

	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		sqliteQuote(view.Table),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
		sqliteQuote(view.KeyColumn),
		strings.Join(updates, ", "))
	if len(updates) == 0 {
		q = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO NOTHING",
			sqliteQuote(view.Table),
			strings.Join(quoted, ", "),
			strings.Join(placeholders, ", "),
			sqliteQuote(view.KeyColumn))
	}

	_, err := tx.ExecContext(ctx, q, values...)
	return err
}

func (c *sqliteConn) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return classifySQLite(err, "")
	}
	return nil
}

func (c *sqliteConn) Close() error {
	return c.db.Close()
}

func sqliteQuote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func sqliteColumnList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = sqliteQuote(c)
	}
	return strings.Join(quoted, ", ")
}

func classifySQLite(err error, recordKey string) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}

	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrAuth, sqlite3.ErrPerm:
			return &Error{Kind: KindAuth, RecordKey: recordKey, Err: err}
		case sqlite3.ErrConstraint:
			return &Error{Kind: KindConstraint, RecordKey: recordKey, Err: err}
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return &Error{Kind: KindQuery, RecordKey: recordKey, Retryable: true, Err: err}
		case sqlite3.ErrCantOpen, sqlite3.ErrNotADB:
			return &Error{Kind: KindConnection, RecordKey: recordKey, Err: err}
		default:
			return &Error{Kind: KindQuery, RecordKey: recordKey, Err: err}
		}
	}
	return &Error{Kind: KindConnection, RecordKey: recordKey, Err: err}
}
