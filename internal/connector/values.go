package connector

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidesync/tidesync/internal/model"
)

// schemaMemo caches introspected table shapes for the lifetime of one
// connector. Executors open a fresh connector per run, so a memo entry can
// never outlive the job that scanned with it.
type schemaMemo struct {
	mu sync.Mutex
	m  map[string]model.TableSchema
}

func (sm *schemaMemo) get(ctx context.Context, table string, load func(context.Context, string) (model.TableSchema, error)) (model.TableSchema, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.m == nil {
		sm.m = map[string]model.TableSchema{}
	}
	if ts, ok := sm.m[table]; ok {
		return ts, nil
	}
	ts, err := load(ctx, table)
	if err != nil {
		return model.TableSchema{}, err
	}
	sm.m[table] = ts
	return ts, nil
}

func kindsOf(ts model.TableSchema) map[string]string {
	kinds := make(map[string]string, len(ts.Columns))
	for _, c := range ts.Columns {
		kinds[c.Name] = c.Kind
	}
	return kinds
}

// scanRecords drains rows into Records, normalizing each cell to its
// column's declared kind.
func scanRecords(rows *sql.Rows, kinds map[string]string) ([]model.Record, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, &Error{Kind: KindQuery, Err: fmt.Errorf("columns: %w", err)}
	}

	out := []model.Record{}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &Error{Kind: KindQuery, Err: fmt.Errorf("scan row: %w", err)}
		}
		rec := make(model.Record, len(cols))
		for i, c := range cols {
			v, err := model.FromDriver(vals[i])
			if err != nil {
				return nil, &Error{Kind: KindQuery, Err: fmt.Errorf("column %q: %w", c, err)}
			}
			v, err = normalizeValue(v, kinds[c])
			if err != nil {
				return nil, &Error{Kind: KindQuery, Err: fmt.Errorf("column %q: %w", c, err)}
			}
			rec[c] = v
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Kind: KindQuery, Err: fmt.Errorf("iterate rows: %w", err)}
	}
	return out, nil
}

// Datetime spellings seen in the wild: driver-parsed time.Time needs no
// help, but SQLite TEXT columns and MySQL connections without parseTime
// deliver strings.
var datetimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// normalizeValue coerces a freshly scanned value to its column kind.
// Drivers disagree about what a DECIMAL or a BOOLEAN scans as; fingerprints
// must not.
func normalizeValue(v model.Value, kind string) (model.Value, error) {
	if v == nil {
		return model.Null{}, nil
	}
	if _, isNull := v.(model.Null); isNull {
		return v, nil
	}

	switch kind {
	case model.KindInteger:
		switch t := v.(type) {
		case model.Int:
			return t, nil
		case model.Float:
			i := int64(t)
			if model.Float(i) != t {
				return nil, fmt.Errorf("value %v is not an integer", float64(t))
			}
			return model.Int(i), nil
		case model.String:
			i, err := strconv.ParseInt(strings.TrimSpace(string(t)), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse integer %q: %w", string(t), err)
			}
			return model.Int(i), nil
		case model.Bool:
			if t {
				return model.Int(1), nil
			}
			return model.Int(0), nil
		}

	case model.KindFloat:
		switch t := v.(type) {
		case model.Float:
			return t, nil
		case model.Int:
			return model.Float(float64(t)), nil
		case model.String:
			f, err := strconv.ParseFloat(strings.TrimSpace(string(t)), 64)
			if err != nil {
				return nil, fmt.Errorf("parse float %q: %w", string(t), err)
			}
			return model.Float(f), nil
		}

	case model.KindBoolean:
		switch t := v.(type) {
		case model.Bool:
			return t, nil
		case model.Int:
			return model.Bool(t != 0), nil
		case model.String:
			switch strings.ToLower(strings.TrimSpace(string(t))) {
			case "1", "true", "t":
				return model.Bool(true), nil
			case "0", "false", "f":
				return model.Bool(false), nil
			}
			return nil, fmt.Errorf("parse boolean %q", string(t))
		}

	case model.KindDatetime:
		switch t := v.(type) {
		case model.Time:
			return t, nil
		case model.String:
			s := strings.TrimSpace(string(t))
			for _, layout := range datetimeLayouts {
				if ts, err := time.Parse(layout, s); err == nil {
					return model.Time(ts.UTC()), nil
				}
			}
			return nil, fmt.Errorf("parse datetime %q", s)
		case model.Int:
			// Integer datetime columns hold unix seconds.
			return model.Time(time.Unix(int64(t), 0).UTC()), nil
		}

	case model.KindBytes:
		switch t := v.(type) {
		case model.Bytes:
			return t, nil
		case model.String:
			return model.Bytes([]byte(t)), nil
		}

	case model.KindText:
		switch t := v.(type) {
		case model.String:
			return t, nil
		case model.Int:
			return model.String(strconv.FormatInt(int64(t), 10)), nil
		case model.Float:
			return model.String(strconv.FormatFloat(float64(t), 'g', -1, 64)), nil
		case model.Bool:
			return model.String(strconv.FormatBool(bool(t))), nil
		case model.Time:
			return model.String(time.Time(t).UTC().Format(time.RFC3339Nano)), nil
		}

	case model.KindUnknown, "":
		return v, nil
	}

	return nil, fmt.Errorf("cannot normalize %T to %s", v, kind)
}
