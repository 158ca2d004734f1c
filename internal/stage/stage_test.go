package stage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tableauetl/internal/table"
)

var pokemonCols = []table.Column{
	{Name: "id", Type: table.BigInt},
	{Name: "name", Type: table.Varchar},
	{Name: "weight", Type: table.Double},
	{Name: "legendary", Type: table.Boolean},
	{Name: "caught_on", Type: table.Date},
}

func batch(rows ...[]any) table.Batch {
	return table.Batch{Columns: pokemonCols, Rows: rows}
}

func newWriter(t *testing.T, dir string) *Writer {
	t.Helper()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestWriter_WritesNumberedParts(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "pokemon", "generate_extract_from_csv", "parquet_files")
	w := newWriter(t, dir)

	day := time.Date(1996, 2, 27, 0, 0, 0, 0, time.UTC)
	p1, err := w.Write(ctx, batch(
		[]any{int64(1), "Bulbasaur", 6.9, false, day},
		[]any{int64(150), "Mewtwo", 122.0, true, nil},
	))
	if err != nil {
		t.Fatalf("Write #1: %v", err)
	}
	p2, err := w.Write(ctx, batch([]any{int64(25), nil, 6.0, false, day}))
	if err != nil {
		t.Fatalf("Write #2: %v", err)
	}
	if filepath.Base(p1) != "part-00000.parquet" || filepath.Base(p2) != "part-00001.parquet" {
		t.Fatalf("unexpected names %s %s", p1, p2)
	}

	files, err := List(dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(files) != 2 || files[0] != p1 || files[1] != p2 {
		t.Fatalf("List=%v", files)
	}
	if got := w.Files(); len(got) != 2 {
		t.Fatalf("Files=%v", got)
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	var n int64
	var legendary int64
	q := "SELECT count(*), count(*) FILTER (WHERE legendary) FROM read_parquet(" + table.QuoteLiteral(filepath.Join(dir, "*.parquet")) + ")"
	if err := db.QueryRow(q).Scan(&n, &legendary); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if n != 3 || legendary != 1 {
		t.Fatalf("rows=%d legendary=%d", n, legendary)
	}

	var typ string
	q = "SELECT data_type FROM (DESCRIBE SELECT * FROM read_parquet(" + table.QuoteLiteral(p1) + ")) WHERE column_name = 'caught_on'"
	if err := db.QueryRow(q).Scan(&typ); err != nil {
		t.Fatalf("describe: %v", err)
	}
	if typ != "DATE" {
		t.Fatalf("caught_on type=%s, want DATE", typ)
	}
}

func TestWriter_DecimalKeepsExactValue(t *testing.T) {
	w := newWriter(t, t.TempDir())
	p, err := w.Write(context.Background(), table.Batch{
		Columns: []table.Column{
			{Name: "trainer", Type: table.Varchar},
			{Name: "prize_money", Type: table.Decimal, Precision: 38, Scale: 2},
		},
		Rows: [][]any{{"Red", "12345678901234567.89"}, {"Blue", nil}},
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	var typ, val string
	q := "SELECT typeof(prize_money), CAST(prize_money AS VARCHAR) FROM read_parquet(" + table.QuoteLiteral(p) + ") WHERE trainer = 'Red'"
	if err := db.QueryRow(q).Scan(&typ, &val); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if typ != "DECIMAL(38,2)" || val != "12345678901234567.89" {
		t.Fatalf("prize_money=%s %s, want DECIMAL(38,2) 12345678901234567.89", typ, val)
	}
}

func TestWriter_EmptyBatchKeepsSchema(t *testing.T) {
	w := newWriter(t, t.TempDir())
	p, err := w.Write(context.Background(), batch())
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if fi, err := os.Stat(p); err != nil || fi.Size() == 0 {
		t.Fatalf("expected non-empty parquet file: %v", err)
	}
}

func TestWriter_RejectsInvalidBatch(t *testing.T) {
	w := newWriter(t, t.TempDir())
	_, err := w.Write(context.Background(), table.Batch{
		Columns: []table.Column{{Name: "id"}, {Name: "ID"}},
	})
	if err == nil {
		t.Fatalf("expected duplicate column error")
	}
}

func TestNewWriter_RemovesStaleParts(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"part-00007.parquet", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	newWriter(t, dir)

	if _, err := os.Stat(filepath.Join(dir, "part-00007.parquet")); !os.IsNotExist(err) {
		t.Fatalf("stale part should be removed, stat err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Fatalf("unrelated file removed: %v", err)
	}
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.parquet", "a.PARQUET", "c.csv"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "nested.parquet"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := List(dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || filepath.Base(got[0]) != "a.PARQUET" || filepath.Base(got[1]) != "b.parquet" {
		t.Fatalf("List=%v", got)
	}
	if !filepath.IsAbs(got[0]) {
		t.Fatalf("expected absolute path, got %s", got[0])
	}

	if _, err := List(filepath.Join(dir, "missing")); err == nil {
		t.Fatalf("expected error for missing dir")
	}
	if _, err := List(filepath.Join(dir, "c.csv")); err == nil {
		t.Fatalf("expected error for file path")
	}
}
