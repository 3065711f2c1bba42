package connector

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tidesync/tidesync/internal/model"
)

func newSQLiteHarness(t *testing.T) *sqliteConn {
	t.Helper()
	c, err := openSQLite(filepath.Join(t.TempDir(), "data.db"))
	if err != nil {
		t.Fatalf("openSQLite() failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	ddl := []string{
		`CREATE TABLE categories (
			id   INTEGER PRIMARY KEY,
			name TEXT NOT NULL
		)`,
		`CREATE TABLE items (
			id          INTEGER PRIMARY KEY,
			sku         TEXT NOT NULL,
			price       REAL,
			active      BOOLEAN NOT NULL DEFAULT 1,
			category_id INTEGER REFERENCES categories(id),
			updated_at  DATETIME
		)`,
		`INSERT INTO categories (id, name) VALUES (1, 'tools')`,
		`INSERT INTO items (id, sku, price, active, category_id, updated_at) VALUES
			(1, 'sku-1', 9.99,  1, 1, '2026-03-01 10:00:00'),
			(2, 'sku-2', 15.5,  1, 1, '2026-03-01 10:01:00'),
			(3, 'sku-3', NULL,  0, 1, '2026-03-01 10:02:00'),
			(4, 'sku-4', 42.0,  1, NULL, '2026-03-01 10:03:00'),
			(5, 'sku-5', 7.25,  1, 1, '2026-03-01 10:04:00')`,
	}
	for _, stmt := range ddl {
		if _, err := c.db.Exec(stmt); err != nil {
			t.Fatalf("setup statement failed: %v\n%s", err, stmt)
		}
	}
	return c
}

func itemsView() model.DatasourceView {
	return model.DatasourceView{
		ID:           "view-items",
		DatasourceID: "ds-1",
		Name:         "items",
		Table:        "items",
		KeyColumn:    "id",
		Columns:      []string{"id", "sku", "price", "active", "category_id", "updated_at"},
		Version:      1,
	}
}

func TestSQLiteListSchema(t *testing.T) {
	c := newSQLiteHarness(t)

	ts, err := c.ListSchema(context.Background(), "items")
	if err != nil {
		t.Fatalf("ListSchema() failed: %v", err)
	}
	if len(ts.Columns) != 6 {
		t.Fatalf("columns = %d, want 6", len(ts.Columns))
	}

	wantKinds := map[string]string{
		"id":          model.KindInteger,
		"sku":         model.KindText,
		"price":       model.KindFloat,
		"active":      model.KindBoolean,
		"category_id": model.KindInteger,
		"updated_at":  model.KindDatetime,
	}
	for _, col := range ts.Columns {
		if col.Kind != wantKinds[col.Name] {
			t.Errorf("column %q kind = %q, want %q", col.Name, col.Kind, wantKinds[col.Name])
		}
	}

	id, ok := ts.Column("id")
	if !ok || !id.PrimaryKey {
		t.Errorf("id column = %+v, want primary key", id)
	}
	sku, _ := ts.Column("sku")
	if sku.Nullable {
		t.Error("sku should not be nullable")
	}
	price, _ := ts.Column("price")
	if !price.Nullable {
		t.Error("price should be nullable")
	}

	fk, ok := ts.ForeignKeyOn("category_id")
	if !ok {
		t.Fatal("category_id foreign key not reported")
	}
	if fk.ReferencedTable != "categories" || fk.ReferencedColumn != "id" {
		t.Errorf("foreign key = %+v", fk)
	}
}

func TestSQLiteListSchema_MissingTable(t *testing.T) {
	c := newSQLiteHarness(t)

	_, err := c.ListSchema(context.Background(), "nope")
	if err == nil {
		t.Fatal("expected error for missing table, got nil")
	}
	var ce *Error
	if !errors.As(err, &ce) || ce.Kind != KindQuery {
		t.Errorf("error = %v, want query-kind *Error", err)
	}
}

func TestSQLiteReadPage_KeysetPagination(t *testing.T) {
	c := newSQLiteHarness(t)
	ctx := context.Background()
	view := itemsView()

	var (
		got      []int64
		afterKey model.Value
	)
	for {
		page, err := c.ReadPage(ctx, ReadRequest{View: view, AfterKey: afterKey, Limit: 2})
		if err != nil {
			t.Fatalf("ReadPage() failed: %v", err)
		}
		if len(page) == 0 {
			break
		}
		if len(page) > 2 {
			t.Fatalf("page has %d rows, limit was 2", len(page))
		}
		for _, rec := range page {
			got = append(got, int64(rec["id"].(model.Int)))
		}
		afterKey = page[len(page)-1]["id"]
	}

	want := []int64{1, 2, 3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("read %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("read %v, want %v (key order)", got, want)
		}
	}
}

func TestSQLiteReadPage_Predicate(t *testing.T) {
	c := newSQLiteHarness(t)
	view := itemsView()
	view.Predicate = "active = 1"

	page, err := c.ReadPage(context.Background(), ReadRequest{View: view, Limit: 10})
	if err != nil {
		t.Fatalf("ReadPage() failed: %v", err)
	}
	if len(page) != 4 {
		t.Fatalf("rows = %d, want 4 (row 3 is inactive)", len(page))
	}
	for _, rec := range page {
		if !model.Equal(rec["active"], model.Bool(true)) {
			t.Errorf("predicate leaked inactive row: %v", rec)
		}
	}
}

func TestSQLiteReadPage_NormalizesValues(t *testing.T) {
	c := newSQLiteHarness(t)

	page, err := c.ReadPage(context.Background(), ReadRequest{View: itemsView(), Limit: 1})
	if err != nil {
		t.Fatalf("ReadPage() failed: %v", err)
	}
	if len(page) != 1 {
		t.Fatalf("rows = %d, want 1", len(page))
	}
	rec := page[0]

	if !model.Equal(rec["id"], model.Int(1)) {
		t.Errorf("id = %#v, want Int(1)", rec["id"])
	}
	if !model.Equal(rec["sku"], model.String("sku-1")) {
		t.Errorf("sku = %#v, want String(sku-1)", rec["sku"])
	}
	if !model.Equal(rec["price"], model.Float(9.99)) {
		t.Errorf("price = %#v, want Float(9.99)", rec["price"])
	}
	if !model.Equal(rec["active"], model.Bool(true)) {
		t.Errorf("active = %#v, want Bool(true)", rec["active"])
	}

	ts, ok := rec["updated_at"].(model.Time)
	if !ok {
		t.Fatalf("updated_at = %#v, want Time", rec["updated_at"])
	}
	want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if !time.Time(ts).Equal(want) {
		t.Errorf("updated_at = %v, want %v", time.Time(ts), want)
	}
}

func TestSQLiteReadPage_NullValues(t *testing.T) {
	c := newSQLiteHarness(t)
	view := itemsView()

	page, err := c.ReadPage(context.Background(), ReadRequest{View: view, AfterKey: model.Int(2), Limit: 1})
	if err != nil {
		t.Fatalf("ReadPage() failed: %v", err)
	}
	if len(page) != 1 {
		t.Fatalf("rows = %d, want 1", len(page))
	}
	if !model.Equal(page[0]["price"], model.Null{}) {
		t.Errorf("price = %#v, want Null", page[0]["price"])
	}
}

func TestSQLiteReadKeys(t *testing.T) {
	c := newSQLiteHarness(t)

	got, err := c.ReadKeys(context.Background(), itemsView(), []model.Value{
		model.Int(2), model.Int(4), model.Int(99),
	})
	if err != nil {
		t.Fatalf("ReadKeys() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("records = %d, want 2", len(got))
	}
	if !model.Equal(got[`2`]["sku"], model.String("sku-2")) {
		t.Errorf("record 2 = %v", got[`2`])
	}
	if _, ok := got[`99`]; ok {
		t.Error("missing key 99 should be absent")
	}

	empty, err := c.ReadKeys(context.Background(), itemsView(), nil)
	if err != nil {
		t.Fatalf("ReadKeys(nil) failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("empty key read returned %d records", len(empty))
	}
}

func TestSQLiteWriteBatch_Upsert(t *testing.T) {
	c := newSQLiteHarness(t)
	ctx := context.Background()
	view := itemsView()

	batch := []model.Record{
		{ // update of an existing row
			"id": model.Int(1), "sku": model.String("sku-1"), "price": model.Float(11.0),
			"active": model.Bool(true), "category_id": model.Int(1),
			"updated_at": model.Time(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)),
		},
		{ // brand new row
			"id": model.Int(6), "sku": model.String("sku-6"), "price": model.Float(3.5),
			"active": model.Bool(true), "category_id": model.Null{},
			"updated_at": model.Time(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)),
		},
	}
	if err := c.WriteBatch(ctx, view, batch); err != nil {
		t.Fatalf("WriteBatch() failed: %v", err)
	}

	got, err := c.ReadKeys(ctx, view, []model.Value{model.Int(1), model.Int(6)})
	if err != nil {
		t.Fatalf("ReadKeys() failed: %v", err)
	}
	if !model.Equal(got[`1`]["price"], model.Float(11.0)) {
		t.Errorf("row 1 price = %v, want updated 11", got[`1`]["price"])
	}
	if !model.Equal(got[`6`]["sku"], model.String("sku-6")) {
		t.Errorf("row 6 = %v", got[`6`])
	}

	if err := c.WriteBatch(ctx, view, nil); err != nil {
		t.Errorf("empty WriteBatch() failed: %v", err)
	}
}

func TestSQLiteWriteBatch_RollsBackWholePage(t *testing.T) {
	c := newSQLiteHarness(t)
	ctx := context.Background()
	view := itemsView()

	batch := []model.Record{
		{
			"id": model.Int(7), "sku": model.String("sku-7"), "price": model.Float(1.0),
			"active": model.Bool(true), "category_id": model.Null{}, "updated_at": model.Null{},
		},
		{ // violates NOT NULL on sku
			"id": model.Int(8), "sku": model.Null{}, "price": model.Float(2.0),
			"active": model.Bool(true), "category_id": model.Null{}, "updated_at": model.Null{},
		},
	}
	err := c.WriteBatch(ctx, view, batch)
	if err == nil {
		t.Fatal("expected constraint error, got nil")
	}
	var ce *Error
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want *Error", err)
	}
	if ce.Kind != KindConstraint {
		t.Errorf("kind = %q, want constraint", ce.Kind)
	}
	if ce.RecordKey != `8` {
		t.Errorf("record key = %q, want 8", ce.RecordKey)
	}

	// The valid record must not have landed.
	got, err := c.ReadKeys(ctx, view, []model.Value{model.Int(7)})
	if err != nil {
		t.Fatalf("ReadKeys() failed: %v", err)
	}
	if len(got) != 0 {
		t.Error("record 7 leaked out of rolled-back batch")
	}
}

func TestSQLiteWriteBatch_ForeignKeyViolation(t *testing.T) {
	c := newSQLiteHarness(t)
	view := itemsView()

	err := c.WriteBatch(context.Background(), view, []model.Record{
		{
			"id": model.Int(9), "sku": model.String("sku-9"), "price": model.Float(1.0),
			"active": model.Bool(true), "category_id": model.Int(404), "updated_at": model.Null{},
		},
	})
	var ce *Error
	if !errors.As(err, &ce) || ce.Kind != KindConstraint {
		t.Errorf("error = %v, want constraint *Error", err)
	}
}

func TestSQLitePing(t *testing.T) {
	c := newSQLiteHarness(t)
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping() failed: %v", err)
	}
}

func TestConnectorRegistry(t *testing.T) {
	drivers := Drivers()
	want := map[string]bool{"mysql": false, "sqlite": false}
	for _, d := range drivers {
		if _, ok := want[d]; ok {
			want[d] = true
		}
	}
	for d, seen := range want {
		if !seen {
			t.Errorf("driver %q not registered", d)
		}
	}

	_, err := Open(model.Datasource{Driver: "oracle", DSN: "x"})
	if err == nil {
		t.Error("expected error for unknown driver, got nil")
	}
}
