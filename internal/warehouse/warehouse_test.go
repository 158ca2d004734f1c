package warehouse_test

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"tableauetl/internal/table"
	"tableauetl/internal/warehouse"
	_ "tableauetl/internal/warehouse/sqlite"
)

func openPokedex(t *testing.T) *warehouse.Client {
	t.Helper()
	ctx := context.Background()
	c, err := warehouse.Open(ctx, warehouse.Config{Kind: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	for _, stmt := range []string{
		"CREATE TABLE pokemon (id INTEGER, name TEXT, weight REAL)",
		"INSERT INTO pokemon VALUES (1, 'Bulbasaur', 6.9), (4, 'Charmander', 8.5), (7, 'Squirtle', NULL)",
	} {
		if err := c.Exec(ctx, stmt); err != nil {
			t.Fatalf("seed %q: %v", stmt, err)
		}
	}
	return c
}

// queryAll collects every batch of query into one.
func queryAll(t *testing.T, c *warehouse.Client, query string) (table.Batch, error) {
	t.Helper()
	var out table.Batch
	_, err := c.Query(context.Background(), query, 0, func(b table.Batch) error {
		out.Columns = b.Columns
		out.Rows = append(out.Rows, b.Rows...)
		return nil
	})
	return out, err
}

func TestQuery_BatchesWithDeclaredTypes(t *testing.T) {
	c := openPokedex(t)

	var batches []table.Batch
	st, err := c.Query(context.Background(), "SELECT id, name, weight FROM pokemon ORDER BY id", 2, func(b table.Batch) error {
		batches = append(batches, b)
		return nil
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if st.Rows != 3 || st.Batches != 2 || len(batches) != 2 {
		t.Fatalf("stats=%+v batches=%d", st, len(batches))
	}
	want := []table.Column{
		{Name: "id", Type: table.BigInt},
		{Name: "name", Type: table.Varchar},
		{Name: "weight", Type: table.Double},
	}
	if !table.SameSchema(st.Columns, want) {
		t.Fatalf("columns=%v, want %v", st.Columns, want)
	}
	if got := batches[1].Rows[0]; got[0] != int64(7) || got[2] != nil {
		t.Fatalf("last row=%#v", got)
	}
}

func TestQuery_InfersExpressionColumns(t *testing.T) {
	c := openPokedex(t)
	b, err := queryAll(t, c, "SELECT count(*) AS n, max(weight) AS heaviest, id, id FROM pokemon")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if b.Columns[0].Type != table.BigInt || b.Columns[1].Type != table.Double {
		t.Fatalf("columns=%v", b.Columns)
	}
	if b.Columns[3].Name != "id.1" {
		t.Fatalf("duplicate column not renamed: %v", b.Names())
	}
	if b.Rows[0][0] != int64(3) {
		t.Fatalf("count=%#v", b.Rows[0][0])
	}
}

func TestQuery_EmptyResultKeepsSchema(t *testing.T) {
	c := openPokedex(t)
	calls := 0
	st, err := c.Query(context.Background(), "SELECT id, name FROM pokemon WHERE id < 0", 10, func(b table.Batch) error {
		calls++
		if b.Len() != 0 || len(b.Columns) != 2 {
			t.Fatalf("unexpected batch %+v", b)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if calls != 1 || st.Rows != 0 {
		t.Fatalf("calls=%d rows=%d", calls, st.Rows)
	}
}

func TestQuery_ValueDoesNotFitDeclaredType(t *testing.T) {
	c := openPokedex(t)
	ctx := context.Background()
	if err := c.Exec(ctx, "INSERT INTO pokemon VALUES ('MissingNo', 'glitch', 0)"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err := queryAll(t, c, "SELECT id FROM pokemon ORDER BY name")
	if err == nil || !strings.Contains(err.Error(), `column "id"`) {
		t.Fatalf("expected conversion error, got %v", err)
	}
}

func TestQuery_CallbackErrorIsReturned(t *testing.T) {
	c := openPokedex(t)
	stop := errors.New("stop")
	_, err := c.Query(context.Background(), "SELECT id FROM pokemon", 1, func(table.Batch) error { return stop })
	if !errors.Is(err, stop) {
		t.Fatalf("err=%v", err)
	}
}

func TestOpen_UnknownKind(t *testing.T) {
	_, err := warehouse.Open(context.Background(), warehouse.Config{Kind: "oracle"})
	if err == nil || !strings.Contains(err.Error(), "sqlite") {
		t.Fatalf("expected error listing registered kinds, got %v", err)
	}
}

func TestRegister_Duplicate(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate kind")
		}
	}()
	warehouse.Register("sqlite", func(context.Context, warehouse.Config) (*sql.DB, error) { return nil, nil })
}

func TestQuery_DecimalColumnsKeepWidth(t *testing.T) {
	c := openPokedex(t)
	ctx := context.Background()
	for _, stmt := range []string{
		"CREATE TABLE prizes (trainer TEXT, amount DECIMAL(10,2), ratio NUMERIC)",
		"INSERT INTO prizes VALUES ('Red', 1234.56, 2.5), ('Blue', 5, NULL)",
	} {
		if err := c.Exec(ctx, stmt); err != nil {
			t.Fatalf("seed %q: %v", stmt, err)
		}
	}

	b, err := queryAll(t, c, "SELECT trainer, amount, ratio FROM prizes ORDER BY trainer DESC")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	want := []table.Column{
		{Name: "trainer", Type: table.Varchar},
		{Name: "amount", Type: table.Decimal, Precision: 10, Scale: 2},
		{Name: "ratio", Type: table.Varchar},
	}
	if !table.SameSchema(b.Columns, want) {
		t.Fatalf("columns=%+v, want %+v", b.Columns, want)
	}
	if b.Rows[0][1] != "1234.56" || b.Rows[1][1] != "5" {
		t.Fatalf("amounts=%#v %#v", b.Rows[0][1], b.Rows[1][1])
	}
	if b.Rows[0][2] != "2.5" {
		t.Fatalf("ratio=%#v", b.Rows[0][2])
	}
}
