package model

import (
	"strings"
	"time"
)

// Column kinds, the engine-level view of a column's declared type.
// Connectors normalize driver-specific type names into this set.
const (
	KindInteger  = "integer"
	KindFloat    = "float"
	KindBoolean  = "boolean"
	KindText     = "text"
	KindDatetime = "datetime"
	KindBytes    = "bytes"
	KindUnknown  = "unknown"
)

// Column describes one column of a cached table schema.
type Column struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	DBType     string `json:"db_type"` // raw declared type as reported by the datasource
	Nullable   bool   `json:"nullable"`
	PrimaryKey bool   `json:"primary_key"`
}

// ForeignKey describes one outgoing reference from a cached table schema.
type ForeignKey struct {
	Column           string `json:"column"`
	ReferencedTable  string `json:"referenced_table"`
	ReferencedColumn string `json:"referenced_column"`
}

// TableSchema is one schema cache entry: the column and foreign-key
// metadata of (datasource, table) as of RefreshedAt. Stale marks a snapshot
// served past its TTL because a live refresh failed; consumers degrade to
// best-effort validation rather than halting.
type TableSchema struct {
	DatasourceID string       `json:"datasource_id"`
	Table        string       `json:"table"`
	Columns      []Column     `json:"columns"`
	ForeignKeys  []ForeignKey `json:"foreign_keys"`
	RefreshedAt  time.Time    `json:"refreshed_at"`
	Stale        bool         `json:"stale,omitempty"`
}

// Column returns the named column and whether it exists.
func (s TableSchema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ForeignKeyOn returns the foreign key departing from the named column, if
// any.
func (s TableSchema) ForeignKeyOn(column string) (ForeignKey, bool) {
	for _, fk := range s.ForeignKeys {
		if fk.Column == column {
			return fk, true
		}
	}
	return ForeignKey{}, false
}

// KindOfDBType normalizes a declared SQL type name into a column kind.
// Covers the MySQL and SQLite spellings the connectors report; anything
// unrecognized is KindUnknown, which the mapper treats as "no declared
// type" (pass-through).
func KindOfDBType(dbType string) string {
	t := strings.ToLower(strings.TrimSpace(dbType))
	if i := strings.IndexByte(t, '('); i >= 0 {
		// tinyint(1) is MySQL's boolean spelling; keep it before trimming
		if strings.HasPrefix(t, "tinyint(1)") {
			return KindBoolean
		}
		t = t[:i]
	}
	t = strings.TrimSuffix(t, " unsigned")
	switch t {
	case "int", "integer", "bigint", "smallint", "mediumint", "tinyint", "serial", "year":
		return KindInteger
	case "float", "double", "real", "decimal", "numeric":
		return KindFloat
	case "bool", "boolean":
		return KindBoolean
	case "char", "varchar", "text", "tinytext", "mediumtext", "longtext", "enum", "set", "json", "clob":
		return KindText
	case "date", "datetime", "timestamp", "time":
		return KindDatetime
	case "blob", "tinyblob", "mediumblob", "longblob", "binary", "varbinary":
		return KindBytes
	default:
		return KindUnknown
	}
}
