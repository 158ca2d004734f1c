// Package stage writes table batches as parquet files, one file per batch,
// and lists a directory of staged files in load order.
//
// Files are named part-NNNNN.parquet so lexical order equals write order.
// Conversion goes through an in-memory DuckDB: the batch is appended to a
// scratch table and exported with COPY ... (FORMAT parquet). Decimal columns
// are appended as text and cast to DECIMAL(p,s) in the export, so the
// parquet file holds the exact value.
package stage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/marcboeker/go-duckdb/v2"

	"tableauetl/internal/metrics"
	"tableauetl/internal/table"
)

const scratchTable = "stage_batch"

// Writer stages batches into one directory. Not safe for concurrent use.
type Writer struct {
	dir   string
	db    *sql.DB
	next  int
	files []string
}

// NewWriter creates dir (and parents) and opens the in-memory engine.
//
// Edge cases:
//   - part-*.parquet files left in dir by an earlier run are removed, so a
//     rerun that produces fewer batches does not leave stale parts behind.
//     Other files in dir are not touched.
func NewWriter(dir string) (*Writer, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("stage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create stage dir: %w", err)
	}
	stale, err := filepath.Glob(filepath.Join(abs, "part-*.parquet"))
	if err != nil {
		return nil, err
	}
	for _, p := range stale {
		if err := os.Remove(p); err != nil {
			return nil, fmt.Errorf("remove stale part: %w", err)
		}
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &Writer{dir: abs, db: db}, nil
}

// Dir returns the absolute staging directory.
func (w *Writer) Dir() string { return w.dir }

// Files returns the paths written so far, in write order.
func (w *Writer) Files() []string { return append([]string(nil), w.files...) }

// Write stages b as the next part file and returns its absolute path.
// An empty batch still produces a file carrying the schema.
func (w *Writer) Write(ctx context.Context, b table.Batch) (string, error) {
	if err := b.Validate(); err != nil {
		return "", fmt.Errorf("stage: %w", err)
	}
	path := filepath.Join(w.dir, fmt.Sprintf("part-%05d.parquet", w.next))

	conn, err := w.db.Conn(ctx)
	if err != nil {
		return "", fmt.Errorf("stage conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, createScratch(b.Columns)); err != nil {
		return "", fmt.Errorf("stage create: %w", err)
	}

	err = conn.Raw(func(dc any) error {
		dconn, ok := dc.(driver.Conn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", dc)
		}
		app, err := duckdb.NewAppenderFromConn(dconn, "", scratchTable)
		if err != nil {
			return err
		}
		vals := make([]driver.Value, len(b.Columns))
		for _, row := range b.Rows {
			for i, v := range row {
				vals[i] = v
			}
			if err := app.AppendRow(vals...); err != nil {
				return errors.Join(err, app.Close())
			}
		}
		return app.Close()
	})
	if err != nil {
		return "", fmt.Errorf("stage append: %w", err)
	}

	copySQL := fmt.Sprintf("COPY (%s) TO %s (FORMAT parquet)", exportSelect(b.Columns), table.QuoteLiteral(path))
	if _, err := conn.ExecContext(ctx, copySQL); err != nil {
		return "", fmt.Errorf("stage export %s: %w", filepath.Base(path), err)
	}
	if _, err := conn.ExecContext(ctx, "DROP TABLE "+table.QuoteIdent(scratchTable)); err != nil {
		return "", fmt.Errorf("stage drop: %w", err)
	}

	w.next++
	w.files = append(w.files, path)
	metrics.RecordFiles("parquet", 1)
	metrics.RecordRecords("parquet", int64(b.Len()))
	return path, nil
}

// Close releases the in-memory engine. Staged files stay on disk.
func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

// List returns the absolute paths of every *.parquet file directly in dir,
// sorted by name.
//
// Errors:
//   - dir does not exist or is not a directory.
func List(dir string) ([]string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("parquet dir: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("parquet dir: %s is not a directory", abs)
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("parquet dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".parquet") {
			continue
		}
		out = append(out, filepath.Join(abs, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

func createScratch(cols []table.Column) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		typ := c.SQL()
		if c.Type == table.Decimal {
			typ = table.Varchar.SQL()
		}
		defs[i] = table.QuoteIdent(c.Name) + " " + typ
	}
	return fmt.Sprintf("CREATE OR REPLACE TABLE %s (%s)", table.QuoteIdent(scratchTable), strings.Join(defs, ", "))
}

func exportSelect(cols []table.Column) string {
	exprs := make([]string, len(cols))
	for i, c := range cols {
		q := table.QuoteIdent(c.Name)
		if c.Type == table.Decimal {
			exprs[i] = fmt.Sprintf("CAST(%s AS %s) AS %s", q, c.SQL(), q)
			continue
		}
		exprs[i] = q
	}
	return fmt.Sprintf("SELECT %s FROM %s", strings.Join(exprs, ", "), table.QuoteIdent(scratchTable))
}
