// Package extract loads staged parquet files into the "Extract"."Extract"
// table of a DuckDB database file.
//
// The load is create-or-append: when the catalog does not list the table it
// is created from the first file (CREATE TABLE AS SELECT), and every other
// file is appended with INSERT ... BY NAME. Re-running over the same files
// appends them again; there is no de-duplication.
package extract

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/marcboeker/go-duckdb/v2"

	"tableauetl/internal/logging"
	"tableauetl/internal/metrics"
	"tableauetl/internal/table"
)

const (
	DefaultSchema = "Extract"
	DefaultTable  = "Extract"
)

// ErrNoInputFiles is returned by Build when the file list is empty.
var ErrNoInputFiles = errors.New("extract: no input files")

// Builder loads parquet files into one table. The zero value targets
// "Extract"."Extract" and discards logs.
type Builder struct {
	Schema string
	Table  string
	Logger *slog.Logger
}

// Result describes one Build call.
type Result struct {
	// Created is true when this run created the table.
	Created bool
	// Files is the number of files loaded.
	Files int
	// Rows is the number of rows added by this run.
	Rows int64
}

func (b Builder) names() (schema, tbl string) {
	schema, tbl = b.Schema, b.Table
	if schema == "" {
		schema = DefaultSchema
	}
	if tbl == "" {
		tbl = DefaultTable
	}
	return schema, tbl
}

func (b Builder) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return logging.Discard()
}

// Build ensures the target table exists in the database file at dbPath and
// appends every file in order. The parent directory of dbPath is created and
// an existing database file is reused.
//
// Edge cases:
//   - files is loaded in the given order; only the first decides the column
//     types when the table is created. Later files are matched by column name.
//   - a table created by an earlier run is appended to, never replaced.
//
// Errors:
//   - ErrNoInputFiles for an empty list.
//   - a listed file that does not exist, checked before anything is written.
//   - any create or insert failure aborts the run. Files already loaded stay
//     loaded; the load is not transactional across files.
func (b Builder) Build(ctx context.Context, dbPath string, files []string) (Result, error) {
	var res Result
	if len(files) == 0 {
		return res, ErrNoInputFiles
	}
	schema, tbl := b.names()
	log := b.logger()

	abs := make([]string, len(files))
	for i, f := range files {
		p, err := filepath.Abs(f)
		if err != nil {
			return res, err
		}
		fi, err := os.Stat(p)
		if err != nil {
			return res, fmt.Errorf("extract input: %w", err)
		}
		if fi.IsDir() {
			return res, fmt.Errorf("extract input: %s is a directory", p)
		}
		abs[i] = p
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return res, fmt.Errorf("create extract dir: %w", err)
	}
	db, err := Open(dbPath)
	if err != nil {
		return res, err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+table.QuoteIdent(schema)); err != nil {
		return res, fmt.Errorf("create schema %s: %w", schema, err)
	}

	exists, err := TableExists(ctx, db, schema, tbl)
	if err != nil {
		return res, err
	}
	var before int64
	if exists {
		if before, err = CountRows(ctx, db, schema, tbl); err != nil {
			return res, err
		}
	}

	target := table.QuoteIdent(schema) + "." + table.QuoteIdent(tbl)
	for _, p := range abs {
		src := "SELECT * FROM read_parquet(" + table.QuoteLiteral(p) + ")"
		log.Info("Starting parquet ingestion", "file", filepath.Base(p))

		if !exists {
			if _, err := db.ExecContext(ctx, "CREATE TABLE "+target+" AS "+src); err != nil {
				return res, fmt.Errorf("create %s from %s: %w", target, filepath.Base(p), err)
			}
			exists = true
			res.Created = true
			log.Info("Parquet file used to create table", "file", filepath.Base(p), "table", target)
		} else {
			if _, err := db.ExecContext(ctx, "INSERT INTO "+target+" BY NAME "+src); err != nil {
				return res, fmt.Errorf("append %s into %s: %w", filepath.Base(p), target, err)
			}
			log.Info("Parquet file appended successfully", "file", filepath.Base(p))
		}
		res.Files++
	}

	after, err := CountRows(ctx, db, schema, tbl)
	if err != nil {
		return res, err
	}
	res.Rows = after - before

	metrics.RecordFiles("extract", res.Files)
	metrics.RecordRecords("extract", res.Rows)
	log.Info("Extract ready", "path", dbPath, "files", res.Files, "rows_added", res.Rows, "rows_total", after)
	return res, nil
}

// Open opens (or creates) the DuckDB database file at path with a single
// connection.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open extract %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// TableExists reports whether schema.tbl is listed in the database catalog.
func TableExists(ctx context.Context, db *sql.DB, schema, tbl string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		"SELECT count(*) FROM information_schema.tables WHERE table_schema = ? AND table_name = ?",
		schema, tbl,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("list tables of %s: %w", schema, err)
	}
	return n > 0, nil
}

// CountRows returns the row count of schema.tbl.
func CountRows(ctx context.Context, db *sql.DB, schema, tbl string) (int64, error) {
	var n int64
	q := "SELECT count(*) FROM " + table.QuoteIdent(schema) + "." + table.QuoteIdent(tbl)
	if err := db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s.%s: %w", schema, tbl, err)
	}
	return n, nil
}
