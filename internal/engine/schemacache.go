package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tidesync/tidesync/internal/connector"
	"github.com/tidesync/tidesync/internal/model"
	"github.com/tidesync/tidesync/internal/store"
)

// DefaultSchemaTTL is how long a cached table shape is served without a
// refresh against the live datasource.
const DefaultSchemaTTL = 5 * time.Minute

// SchemaCache serves table shapes with a TTL, persisting every snapshot
// through the store so restarts keep the last known schema.
//
// Degradation contract: when a refresh against the live datasource fails
// but an older snapshot exists, Get returns the snapshot with Stale=true
// instead of an error. Validation built on a stale snapshot is best-effort;
// the engine logs it and keeps going. Only a miss with no history at all
// propagates the refresh error.
//
// Concurrent refreshes for the same table may overlap; results replace,
// never merge (last refresh wins). Entries are advisory, so the race is
// harmless.
type SchemaCache struct {
	store *store.Store
	ttl   time.Duration
	now   func() time.Time
	log   *slog.Logger

	mu      sync.RWMutex
	entries map[string]model.TableSchema
}

// NewSchemaCache builds a cache over the store with the given TTL;
// ttl <= 0 selects DefaultSchemaTTL.
func NewSchemaCache(st *store.Store, ttl time.Duration, log *slog.Logger) *SchemaCache {
	if ttl <= 0 {
		ttl = DefaultSchemaTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &SchemaCache{
		store:   st,
		ttl:     ttl,
		now:     time.Now,
		log:     log,
		entries: map[string]model.TableSchema{},
	}
}

func cacheKey(datasourceID, table string) string {
	return datasourceID + "\x00" + table
}

// Get returns the table's schema, refreshing through conn when the cached
// snapshot is absent or older than the TTL.
func (c *SchemaCache) Get(ctx context.Context, conn connector.Connector, datasourceID, table string) (model.TableSchema, error) {
	if ts, ok := c.lookup(ctx, datasourceID, table); ok && !c.expired(ts) {
		return ts, nil
	}

	ts, err := c.Refresh(ctx, conn, datasourceID, table)
	if err == nil {
		return ts, nil
	}

	// Refresh failed: fall back to the last known snapshot, marked stale.
	if prev, ok := c.lookup(ctx, datasourceID, table); ok {
		c.log.Warn("schema refresh failed, serving stale snapshot",
			"datasource", datasourceID, "table", table, "error", err)
		prev.Stale = true
		return prev, nil
	}
	return model.TableSchema{}, fmt.Errorf("schema for %s.%s: %w", datasourceID, table, err)
}

// Refresh introspects the live table and replaces the cached snapshot.
func (c *SchemaCache) Refresh(ctx context.Context, conn connector.Connector, datasourceID, table string) (model.TableSchema, error) {
	ts, err := conn.ListSchema(ctx, table)
	if err != nil {
		return model.TableSchema{}, err
	}
	ts.DatasourceID = datasourceID
	ts.RefreshedAt = c.now()
	ts.Stale = false

	if err := c.store.PutCachedSchema(ctx, ts); err != nil {
		// The snapshot is still good for this process; only persistence
		// across restarts is degraded.
		c.log.Warn("failed to persist schema snapshot",
			"datasource", datasourceID, "table", table, "error", err)
	}

	c.mu.Lock()
	c.entries[cacheKey(datasourceID, table)] = ts
	c.mu.Unlock()
	return ts, nil
}

// Invalidate drops every cached table for a datasource, in memory and in
// the store. Called on credential rotation: new credentials may see
// different grants.
func (c *SchemaCache) Invalidate(ctx context.Context, datasourceID string) error {
	c.mu.Lock()
	prefix := datasourceID + "\x00"
	for k := range c.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()

	if _, err := c.store.InvalidateSchemaCache(ctx, datasourceID); err != nil {
		return fmt.Errorf("invalidate schema cache: %w", err)
	}
	return nil
}

// lookup checks memory first, then the store (restart recovery). A store
// hit is promoted into memory.
func (c *SchemaCache) lookup(ctx context.Context, datasourceID, table string) (model.TableSchema, bool) {
	c.mu.RLock()
	ts, ok := c.entries[cacheKey(datasourceID, table)]
	c.mu.RUnlock()
	if ok {
		return ts, true
	}

	ts, err := c.store.GetCachedSchema(ctx, datasourceID, table)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.log.Warn("schema cache read failed", "datasource", datasourceID, "table", table, "error", err)
		}
		return model.TableSchema{}, false
	}
	c.mu.Lock()
	c.entries[cacheKey(datasourceID, table)] = ts
	c.mu.Unlock()
	return ts, true
}

func (c *SchemaCache) expired(ts model.TableSchema) bool {
	return c.now().Sub(ts.RefreshedAt) >= c.ttl
}
