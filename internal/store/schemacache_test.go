package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tidesync/tidesync/internal/model"
)

func testTableSchema(datasourceID string, refreshedAt time.Time) model.TableSchema {
	return model.TableSchema{
		DatasourceID: datasourceID,
		Table:        "items",
		Columns: []model.Column{
			{Name: "id", Kind: model.KindInteger, DBType: "bigint", PrimaryKey: true},
			{Name: "sku", Kind: model.KindText, DBType: "varchar(64)"},
			{Name: "price", Kind: model.KindFloat, DBType: "decimal(10,2)", Nullable: true},
		},
		ForeignKeys: []model.ForeignKey{
			{Column: "category_id", ReferencedTable: "categories", ReferencedColumn: "id"},
		},
		RefreshedAt: refreshedAt,
	}
}

func TestPutCachedSchema_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedCatalog(t, s)

	ts := testTableSchema("ds-src", testNow)
	if err := s.PutCachedSchema(ctx, ts); err != nil {
		t.Fatalf("PutCachedSchema() failed: %v", err)
	}

	got, err := s.GetCachedSchema(ctx, "ds-src", "items")
	if err != nil {
		t.Fatalf("GetCachedSchema() failed: %v", err)
	}
	if len(got.Columns) != 3 {
		t.Fatalf("columns = %d, want 3", len(got.Columns))
	}
	if got.Columns[0].Name != "id" || !got.Columns[0].PrimaryKey {
		t.Errorf("columns[0] = %+v", got.Columns[0])
	}
	if got.Columns[2].Kind != model.KindFloat || !got.Columns[2].Nullable {
		t.Errorf("columns[2] = %+v", got.Columns[2])
	}
	if len(got.ForeignKeys) != 1 || got.ForeignKeys[0].ReferencedTable != "categories" {
		t.Errorf("foreign keys = %+v", got.ForeignKeys)
	}
	if !got.RefreshedAt.Equal(testNow) {
		t.Errorf("refreshed_at = %v, want %v", got.RefreshedAt, testNow)
	}
	if got.Stale {
		t.Error("Stale should be left false by the store")
	}
}

func TestPutCachedSchema_Overwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedCatalog(t, s)

	if err := s.PutCachedSchema(ctx, testTableSchema("ds-src", testNow)); err != nil {
		t.Fatalf("first PutCachedSchema() failed: %v", err)
	}

	refreshed := testTableSchema("ds-src", testNow.Add(time.Hour))
	refreshed.Columns = refreshed.Columns[:2] // a column was dropped upstream
	if err := s.PutCachedSchema(ctx, refreshed); err != nil {
		t.Fatalf("second PutCachedSchema() failed: %v", err)
	}

	got, err := s.GetCachedSchema(ctx, "ds-src", "items")
	if err != nil {
		t.Fatalf("GetCachedSchema() failed: %v", err)
	}
	if len(got.Columns) != 2 {
		t.Errorf("columns = %d, want 2 after overwrite", len(got.Columns))
	}
	if !got.RefreshedAt.Equal(testNow.Add(time.Hour)) {
		t.Errorf("refreshed_at = %v, want bumped", got.RefreshedAt)
	}
}

func TestInvalidateSchemaCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedCatalog(t, s)

	first := testTableSchema("ds-src", testNow)
	second := testTableSchema("ds-src", testNow)
	second.Table = "orders"
	other := testTableSchema("ds-tgt", testNow)
	for _, ts := range []model.TableSchema{first, second, other} {
		if err := s.PutCachedSchema(ctx, ts); err != nil {
			t.Fatalf("PutCachedSchema(%s) failed: %v", ts.Table, err)
		}
	}

	n, err := s.InvalidateSchemaCache(ctx, "ds-src")
	if err != nil {
		t.Fatalf("InvalidateSchemaCache() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("invalidated = %d, want 2", n)
	}

	if _, err := s.GetCachedSchema(ctx, "ds-src", "items"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ds-src/items error = %v, want ErrNotFound", err)
	}
	// The other datasource's entry survives.
	if _, err := s.GetCachedSchema(ctx, "ds-tgt", "items"); err != nil {
		t.Errorf("ds-tgt/items unexpectedly gone: %v", err)
	}
}
