package connector

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tidesync/tidesync/internal/model"
)

func init() {
	Register(model.DriverMySQL, func(dsn string) (Connector, error) {
		return openMySQL(dsn)
	})
}

type mysqlConn struct {
	db      *gorm.DB
	schemas schemaMemo
}

func openMySQL(dsn string) (*mysqlConn, error) {
	// Scanned datetimes must arrive as time.Time, in UTC, or fingerprints
	// would depend on the session time zone.
	if !strings.Contains(dsn, "parseTime") {
		if strings.Contains(dsn, "?") {
			dsn += "&parseTime=true&loc=UTC"
		} else {
			dsn += "?parseTime=true&loc=UTC"
		}
	}

	db, err := gorm.Open(gormmysql.Open(dsn), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, classifyMySQL(err, "")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, classifyMySQL(err, "")
	}
	sqlDB.SetMaxIdleConns(4)
	sqlDB.SetMaxOpenConns(8)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return &mysqlConn{db: db}, nil
}

// newMySQLWithConn wraps an existing connection; tests hand in a mock.
func newMySQLWithConn(conn *sql.DB) (*mysqlConn, error) {
	db, err := gorm.Open(gormmysql.New(gormmysql.Config{
		Conn:                      conn,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, classifyMySQL(err, "")
	}
	return &mysqlConn{db: db}, nil
}

func (c *mysqlConn) ListSchema(ctx context.Context, table string) (model.TableSchema, error) {
	rows, err := c.db.WithContext(ctx).Raw(`
		SELECT COLUMN_NAME, COLUMN_TYPE, IS_NULLABLE, COLUMN_KEY
		FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`, table).Rows()
	if err != nil {
		return model.TableSchema{}, classifyMySQL(err, "")
	}
	defer rows.Close()

	ts := model.TableSchema{Table: table}
	for rows.Next() {
		var (
			name, columnType, nullable, columnKey string
		)
		if err := rows.Scan(&name, &columnType, &nullable, &columnKey); err != nil {
			return model.TableSchema{}, &Error{Kind: KindQuery, Err: fmt.Errorf("scan column row: %w", err)}
		}
		ts.Columns = append(ts.Columns, model.Column{
			Name:       name,
			Kind:       model.KindOfDBType(columnType),
			DBType:     columnType,
			Nullable:   nullable == "YES",
			PrimaryKey: columnKey == "PRI",
		})
	}
	if err := rows.Err(); err != nil {
		return model.TableSchema{}, classifyMySQL(err, "")
	}
	if len(ts.Columns) == 0 {
		return model.TableSchema{}, &Error{Kind: KindQuery, Err: fmt.Errorf("table %q not found", table)}
	}

	fkRows, err := c.db.WithContext(ctx).Raw(`
		SELECT COLUMN_NAME, REFERENCED_TABLE_NAME, REFERENCED_COLUMN_NAME
		FROM information_schema.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?
		AND REFERENCED_TABLE_NAME IS NOT NULL
		ORDER BY COLUMN_NAME`, table).Rows()
	if err != nil {
		return model.TableSchema{}, classifyMySQL(err, "")
	}
	defer fkRows.Close()

	for fkRows.Next() {
		var fk model.ForeignKey
		if err := fkRows.Scan(&fk.Column, &fk.ReferencedTable, &fk.ReferencedColumn); err != nil {
			return model.TableSchema{}, &Error{Kind: KindQuery, Err: fmt.Errorf("scan foreign key row: %w", err)}
		}
		ts.ForeignKeys = append(ts.ForeignKeys, fk)
	}
	if err := fkRows.Err(); err != nil {
		return model.TableSchema{}, classifyMySQL(err, "")
	}
	return ts, nil
}

func (c *mysqlConn) ReadPage(ctx context.Context, req ReadRequest) ([]model.Record, error) {
	ts, err := c.schemas.get(ctx, req.View.Table, c.ListSchema)
	if err != nil {
		return nil, err
	}

	q := fmt.Sprintf("SELECT %s FROM %s", mysqlColumnList(req.View.Columns), mysqlQuote(req.View.Table))
	var (
		where []string
		args  []any
	)
	if req.View.Predicate != "" {
		where = append(where, "("+req.View.Predicate+")")
	}
	if req.AfterKey != nil {
		where = append(where, fmt.Sprintf("%s > ?", mysqlQuote(req.View.KeyColumn)))
		args = append(args, model.Driver(req.AfterKey))
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += fmt.Sprintf(" ORDER BY %s ASC LIMIT ?", mysqlQuote(req.View.KeyColumn))
	args = append(args, req.Limit)

	rows, err := c.db.WithContext(ctx).Raw(q, args...).Rows()
	if err != nil {
		return nil, classifyMySQL(err, "")
	}
	defer rows.Close()

	return scanRecords(rows, kindsOf(ts))
}

func (c *mysqlConn) ReadKeys(ctx context.Context, view model.DatasourceView, keys []model.Value) (map[string]model.Record, error) {
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
		mysqlColumnList(view.Columns), mysqlQuote(view.Table),
		mysqlQuote(view.KeyColumn), strings.Join(placeholders, ", "))

	rows, err := c.db.WithContext(ctx).Raw(q, args...).Rows()
	if err != nil {
		return nil, classifyMySQL(err, "")
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

func (c *mysqlConn) WriteBatch(ctx context.Context, view model.DatasourceView, records []model.Record) error {
	if len(records) == 0 {
		return nil
	}

	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, rec := range records {
			if err := mysqlUpsert(tx, view, rec); err != nil {
				return classifyMySQL(err, recordKeyOf(rec, view.KeyColumn))
			}
		}
		return nil
	})
}

func mysqlUpsert(tx *gorm.DB, view model.DatasourceView, rec model.Record) error {
	cols := rec.SortedKeys()
	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	updates := make([]string, 0, len(cols))
	values := make([]any, len(cols))
	for i, col := range cols {
		quoted[i] = mysqlQuote(col)
		placeholders[i] = "?"
		values[i] = model.Driver(rec[col])
		if col != view.KeyColumn {
			updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", mysqlQuote(col), mysqlQuote(col)))
		}
	}
	if len(updates) == 0 {
		// Key-only record: nothing to update, just absorb the duplicate.
		updates = append(updates, fmt.Sprintf("%s = %s", quoted[0], quoted[0]))
	}

	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		mysqlQuote(view.Table),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(updates, ", "))

	return tx.Exec(q, values...).Error
}

func (c *mysqlConn) Ping(ctx context.Context) error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return classifyMySQL(err, "")
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return classifyMySQL(err, "")
	}
	return nil
}

func (c *mysqlConn) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func mysqlQuote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func mysqlColumnList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = mysqlQuote(c)
	}
	return strings.Join(quoted, ", ")
}

func recordKeyOf(rec model.Record, keyColumn string) string {
	key, err := model.KeyString(rec[keyColumn])
	if err != nil {
		return ""
	}
	return key
}

// MySQL server error numbers that decide classification.
const (
	mysqlErrDBAccessDenied    = 1044
	mysqlErrAccessDenied      = 1045
	mysqlErrTableAccessDenied = 1142
	mysqlErrBadNull           = 1048
	mysqlErrDupEntry          = 1062
	mysqlErrLockWaitTimeout   = 1205
	mysqlErrDeadlock          = 1213
	mysqlErrRowIsReferenced   = 1451
	mysqlErrNoReferencedRow   = 1452
	mysqlErrCheckViolated     = 3819
)

func classifyMySQL(err error, recordKey string) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}

	var me *mysqldriver.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case mysqlErrDBAccessDenied, mysqlErrAccessDenied, mysqlErrTableAccessDenied:
			return &Error{Kind: KindAuth, RecordKey: recordKey, Err: err}
		case mysqlErrBadNull, mysqlErrDupEntry, mysqlErrRowIsReferenced, mysqlErrNoReferencedRow, mysqlErrCheckViolated:
			return &Error{Kind: KindConstraint, RecordKey: recordKey, Err: err}
		case mysqlErrLockWaitTimeout, mysqlErrDeadlock:
			return &Error{Kind: KindQuery, RecordKey: recordKey, Retryable: true, Err: err}
		default:
			return &Error{Kind: KindQuery, RecordKey: recordKey, Err: err}
		}
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysqldriver.ErrInvalidConn) {
		return &Error{Kind: KindConnection, RecordKey: recordKey, Retryable: true, Err: err}
	}
	if errors.Is(err, sql.ErrConnDone) {
		return &Error{Kind: KindConnection, RecordKey: recordKey, Retryable: true, Err: err}
	}
	return &Error{Kind: KindConnection, RecordKey: recordKey, Err: err}
}
