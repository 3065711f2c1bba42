package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tidesync/tidesync/internal/connector"
	"github.com/tidesync/tidesync/internal/model"
)

// Fake connector operation names, for scripting failures.
const (
	OpSchema   = "schema"
	OpReadPage = "read_page"
	OpReadKeys = "read_keys"
	OpWrite    = "write"
	OpPing     = "ping"
)

// FakeConnector is an in-memory connector.Connector for engine and harness
// tests. Tables are seeded with records, failures are scripted per
// operation, and every write lands atomically, mirroring the transactional
// contract of the real drivers.
//
// View predicates are ignored: fakes hold exactly the rows a test seeds.
type FakeConnector struct {
	mu      sync.Mutex
	schemas map[string]model.TableSchema
	tables  map[string]*fakeTable
	errs    map[string][]error
	writes  int
	closed  bool
}

type fakeTable struct {
	keyColumn string
	rows      map[string]model.Record // canonical key text -> row
}

// NewFakeConnector creates an empty fake.
func NewFakeConnector() *FakeConnector {
	return &FakeConnector{
		schemas: map[string]model.TableSchema{},
		tables:  map[string]*fakeTable{},
		errs:    map[string][]error{},
	}
}

// SetSchema installs the schema ListSchema reports for a table.
func (f *FakeConnector) SetSchema(ts model.TableSchema) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schemas[ts.Table] = ts
}

// Seed upserts rows into a table, creating it with the given key column on
// first use.
func (f *FakeConnector) Seed(table, keyColumn string, recs ...model.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[table]
	if !ok {
		t = &fakeTable{keyColumn: keyColumn, rows: map[string]model.Record{}}
		f.tables[table] = t
	}
	for _, r := range recs {
		t.rows[mustKeyText(r[t.keyColumn])] = r.Clone()
	}
}

// Delete removes a row, for drift setups.
func (f *FakeConnector) Delete(table string, key model.Value) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tables[table]; ok {
		delete(t.rows, mustKeyText(key))
	}
}

// FailNext scripts the next call of an operation to return err; repeated
// calls queue up. The executor's retry loop consumes one scripted failure
// per attempt.
func (f *FakeConnector) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = append(f.errs[op], err)
}

// Row returns a copy of one stored row.
func (f *FakeConnector) Row(table string, key model.Value) (model.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[table]
	if !ok {
		return nil, false
	}
	r, ok := t.rows[mustKeyText(key)]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Rows returns all stored rows of a table in key order.
func (f *FakeConnector) Rows(table string) []model.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[table]
	if !ok {
		return nil
	}
	return t.sorted()
}

// WriteCalls reports how many WriteBatch calls committed.
func (f *FakeConnector) WriteCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

// Closed reports whether Close was called.
func (f *FakeConnector) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeConnector) scripted(op string) error {
	q := f.errs[op]
	if len(q) == 0 {
		return nil
	}
	err := q[0]
	f.errs[op] = q[1:]
	return err
}

// ListSchema implements connector.Connector. Tables without an installed
// schema derive one from their seeded rows.
func (f *FakeConnector) ListSchema(_ context.Context, table string) (model.TableSchema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.scripted(OpSchema); err != nil {
		return model.TableSchema{}, err
	}
	if ts, ok := f.schemas[table]; ok {
		return ts, nil
	}
	t, ok := f.tables[table]
	if !ok {
		return model.TableSchema{}, &connector.Error{Kind: connector.KindQuery, Err: fmt.Errorf("no such table %q", table)}
	}
	return deriveSchema(table, t), nil
}

// ReadPage implements connector.Connector: rows with key > AfterKey in key
// order, at most Limit, projected to the view's columns.
func (f *FakeConnector) ReadPage(_ context.Context, req connector.ReadRequest) ([]model.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.scripted(OpReadPage); err != nil {
		return nil, err
	}
	t, ok := f.tables[req.View.Table]
	if !ok {
		return nil, &connector.Error{Kind: connector.KindQuery, Err: fmt.Errorf("no such table %q", req.View.Table)}
	}

	out := []model.Record{}
	for _, r := range t.sorted() {
		if req.AfterKey != nil && compareValues(r[t.keyColumn], req.AfterKey) <= 0 {
			continue
		}
		out = append(out, r.Project(req.View.Columns))
		if len(out) == req.Limit {
			break
		}
	}
	return out, nil
}

// ReadKeys implements connector.Connector.
func (f *FakeConnector) ReadKeys(_ context.Context, view model.DatasourceView, keys []model.Value) (map[string]model.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.scripted(OpReadKeys); err != nil {
		return nil, err
	}
	t, ok := f.tables[view.Table]
	if !ok {
		return nil, &connector.Error{Kind: connector.KindQuery, Err: fmt.Errorf("no such table %q", view.Table)}
	}

	out := map[string]model.Record{}
	for _, k := range keys {
		kt := mustKeyText(k)
		if r, hit := t.rows[kt]; hit {
			out[kt] = r.Project(view.Columns)
		}
	}
	return out, nil
}

// WriteBatch implements connector.Connector: all rows land or none do.
func (f *FakeConnector) WriteBatch(_ context.Context, view model.DatasourceView, records []model.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.scripted(OpWrite); err != nil {
		return err
	}
	t, ok := f.tables[view.Table]
	if !ok {
		t = &fakeTable{keyColumn: view.KeyColumn, rows: map[string]model.Record{}}
		f.tables[view.Table] = t
	}

	staged := map[string]model.Record{}
	for _, r := range records {
		k, ok := r[t.keyColumn]
		if !ok || model.IsNull(k) {
			return &connector.Error{Kind: connector.KindConstraint,
				Err: fmt.Errorf("record without key column %q", t.keyColumn)}
		}
		kt := mustKeyText(k)
		merged := model.Record{}
		if prev, hit := t.rows[kt]; hit {
			merged = prev.Clone()
		}
		for col, v := range r {
			merged[col] = v
		}
		staged[kt] = merged
	}
	for kt, r := range staged {
		t.rows[kt] = r
	}
	f.writes++
	return nil
}

// Ping implements connector.Connector.
func (f *FakeConnector) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scripted(OpPing)
}

// Close implements connector.Connector.
func (f *FakeConnector) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (t *fakeTable) sorted() []model.Record {
	out := make([]model.Record, 0, len(t.rows))
	for _, r := range t.rows {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return compareValues(out[i][t.keyColumn], out[j][t.keyColumn]) < 0
	})
	return out
}

func deriveSchema(table string, t *fakeTable) model.TableSchema {
	cols := map[string]string{}
	for _, r := range t.rows {
		for name, v := range r {
			if _, seen := cols[name]; !seen || cols[name] == model.KindUnknown {
				cols[name] = kindOfValue(v)
			}
		}
	}
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	sort.Strings(names)

	ts := model.TableSchema{Table: table}
	for _, name := range names {
		ts.Columns = append(ts.Columns, model.Column{
			Name:       name,
			Kind:       cols[name],
			Nullable:   name != t.keyColumn,
			PrimaryKey: name == t.keyColumn,
		})
	}
	return ts
}

func kindOfValue(v model.Value) string {
	switch v.(type) {
	case model.Int:
		return model.KindInteger
	case model.Float:
		return model.KindFloat
	case model.Bool:
		return model.KindBoolean
	case model.String:
		return model.KindText
	case model.Time:
		return model.KindDatetime
	case model.Bytes:
		return model.KindBytes
	default:
		return model.KindUnknown
	}
}

func mustKeyText(v model.Value) string {
	k, err := model.KeyString(v)
	if err != nil {
		panic(fmt.Sprintf("testutil: unkeyable value: %v", err))
	}
	return k
}

func compareValues(a, b model.Value) int {
	switch av := a.(type) {
	case model.Int:
		if bv, ok := b.(model.Int); ok {
			return cmp(int64(av), int64(bv))
		}
	case model.Float:
		if bv, ok := b.(model.Float); ok {
			return cmp(float64(av), float64(bv))
		}
	case model.String:
		if bv, ok := b.(model.String); ok {
			return cmp(string(av), string(bv))
		}
	case model.Time:
		if bv, ok := b.(model.Time); ok {
			at, bt := time.Time(av), time.Time(bv)
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			}
			return 0
		}
	case model.Bytes:
		if bv, ok := b.(model.Bytes); ok {
			return cmp(string(av), string(bv))
		}
	}
	panic(fmt.Sprintf("testutil: keys %T and %T do not order", a, b))
}

func cmp[T int64 | float64 | string](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
