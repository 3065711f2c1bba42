package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidesync/tidesync/internal/model"
)

// storeTimeFormat is fixed width (nanoseconds always printed, always UTC)
// so that TEXT comparison in SQL matches chronological order.
const storeTimeFormat = "2006-01-02T15:04:05.000000000Z"

// formatTime renders a timestamp for storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(storeTimeFormat)
}

// parseTime parses a stored timestamp.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(storeTimeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

// formatNullableTime renders an optional timestamp.
func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// parseNullableTime parses an optional stored timestamp.
func parseNullableTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// marshalRecord converts a record to storage JSON TEXT. Record marshaling
// sorts keys, so equal records produce equal text.
func marshalRecord(r model.Record) (string, error) {
	if r == nil {
		r = model.Record{}
	}
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	return string(data), nil
}

// unmarshalRecord parses storage JSON TEXT into a record.
func unmarshalRecord(data string) (model.Record, error) {
	if data == "" || data == "{}" {
		return model.Record{}, nil
	}
	var r model.Record
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return r, nil
}

// marshalNullableRecord renders an optional record snapshot.
func marshalNullableRecord(r model.Record) (any, error) {
	if r == nil {
		return nil, nil
	}
	s, err := marshalRecord(r)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// unmarshalNullableRecord parses an optional record snapshot.
func unmarshalNullableRecord(ns sql.NullString) (model.Record, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	return unmarshalRecord(ns.String)
}

// marshalStrings converts a string slice to JSON TEXT.
func marshalStrings(ss []string) (string, error) {
	if ss == nil {
		ss = []string{}
	}
	data, err := json.Marshal(ss)
	if err != nil {
		return "", fmt.Errorf("marshal strings: %w", err)
	}
	return string(data), nil
}

// unmarshalStrings parses a stored JSON string array.
func unmarshalStrings(data string) ([]string, error) {
	if data == "" {
		return []string{}, nil
	}
	var ss []string
	if err := json.Unmarshal([]byte(data), &ss); err != nil {
		return nil, fmt.Errorf("unmarshal strings: %w", err)
	}
	if ss == nil {
		ss = []string{}
	}
	return ss, nil
}

// marshalValue converts an optional cell (mapping defaults) to storage JSON.
func marshalValue(v model.Value) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := model.MarshalValue(v)
	if err != nil {
		return nil, fmt.Errorf("marshal cell: %w", err)
	}
	return string(data), nil
}

// unmarshalValue parses an optional stored cell.
func unmarshalValue(ns sql.NullString) (model.Value, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	v, err := model.UnmarshalValue([]byte(ns.String))
	if err != nil {
		return nil, fmt.Errorf("unmarshal cell: %w", err)
	}
	return v, nil
}

// marshalColumns converts cached column definitions to JSON TEXT.
func marshalColumns(cols []model.Column) (string, error) {
	if cols == nil {
		cols = []model.Column{}
	}
	data, err := json.Marshal(cols)
	if err != nil {
		return "", fmt.Errorf("marshal columns: %w", err)
	}
	return string(data), nil
}

// unmarshalColumns parses stored column definitions.
func unmarshalColumns(data string) ([]model.Column, error) {
	var cols []model.Column
	if err := json.Unmarshal([]byte(data), &cols); err != nil {
		return nil, fmt.Errorf("unmarshal columns: %w", err)
	}
	if cols == nil {
		cols = []model.Column{}
	}
	return cols, nil
}

// marshalForeignKeys converts cached foreign keys to JSON TEXT, keeping the
// structured {column, referenced_table, referenced_column} shape.
func marshalForeignKeys(fks []model.ForeignKey) (string, error) {
	if fks == nil {
		fks = []model.ForeignKey{}
	}
	data, err := json.Marshal(fks)
	if err != nil {
		return "", fmt.Errorf("marshal foreign keys: %w", err)
	}
	return string(data), nil
}

// unmarshalForeignKeys parses stored foreign keys.
func unmarshalForeignKeys(data string) ([]model.ForeignKey, error) {
	var fks []model.ForeignKey
	if err := json.Unmarshal([]byte(data), &fks); err != nil {
		return nil, fmt.Errorf("unmarshal foreign keys: %w", err)
	}
	if fks == nil {
		fks = []model.ForeignKey{}
	}
	return fks, nil
}
