// Package connector talks to the external databases a sync moves data
// between. Each driver implements the same small surface: schema listing,
// keyset-paged reads, point reads by key, and transactional batch writes.
//
// Connectors normalize every value they hand back into the closed scalar
// set of the model package, using the table's declared column kinds, so
// fingerprints never depend on driver quirks (a MySQL DECIMAL and a SQLite
// REAL that hold the same number hash the same).
package connector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tidesync/tidesync/internal/model"
)

// ReadRequest asks for one page of a view in key order.
type ReadRequest struct {
	View model.DatasourceView

	// AfterKey is the exclusive lower bound; nil starts from the first row.
	AfterKey model.Value

	// Limit caps the page size. Must be positive.
	Limit int
}

// Connector is one live connection to an external database.
//
// WriteBatch is transactional: either every record lands or none do. On
// failure the returned error is an *Error whose RecordKey names the record
// the driver choked on, when it can tell, so the caller can drop the
// poisoned record and retry the rest.
type Connector interface {
	// ListSchema introspects the live shape of one table.
	ListSchema(ctx context.Context, table string) (model.TableSchema, error)

	// ReadPage returns up to Limit rows with key > AfterKey, ordered by
	// the view's key column. Rows carry only the view's columns.
	ReadPage(ctx context.Context, req ReadRequest) ([]model.Record, error)

	// ReadKeys fetches specific rows by key. Missing keys are simply
	// absent from the result.
	ReadKeys(ctx context.Context, view model.DatasourceView, keys []model.Value) (map[string]model.Record, error)

	// WriteBatch upserts records into the view's table in one transaction.
	WriteBatch(ctx context.Context, view model.DatasourceView, records []model.Record) error

	Ping(ctx context.Context) error
	Close() error
}

// Error kinds, the coarse classification the executor keys retry and
// failure decisions on.
const (
	KindConnection = "connection" // unreachable, dropped, timed out
	KindAuth       = "auth"       // rejected credentials or grants
	KindConstraint = "constraint" // unique, foreign key, not null
	KindQuery      = "query"      // bad SQL, unknown column, type clash
)

// Error wraps a driver failure with its classification.
type Error struct {
	Kind      string
	RecordKey string // offending record in a batch write, when known
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.RecordKey != "" {
		return fmt.Sprintf("%s error on record %s: %v", e.Kind, e.RecordKey, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether err is a connector error worth retrying.
func Retryable(err error) bool {
	var ce *Error
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Retryable
}

// Factory opens a connector for a DSN.
type Factory func(dsn string) (Connector, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a driver available to Open. Drivers register themselves
// in init, the same way database/sql drivers do.
func Register(driver string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[driver]; dup {
		panic(fmt.Sprintf("connector: driver %q registered twice", driver))
	}
	registry[driver] = f
}

// Drivers returns the registered driver names, sorted.
func Drivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Open connects to the datasource using its registered driver.
func Open(ds model.Datasource) (Connector, error) {
	registryMu.RLock()
	f, ok := registry[ds.Driver]
	registryMu.RUnlock()
	if !ok {
		return nil, &Error{Kind: KindQuery, Err: fmt.Errorf("no connector driver %q", ds.Driver)}
	}
	return f(ds.DSN)
}
