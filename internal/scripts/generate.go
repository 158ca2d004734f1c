package scripts

import (
	"context"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"tableauetl/internal/config"
	"tableauetl/internal/extract"
	"tableauetl/internal/logging"
	"tableauetl/internal/source/csv"
	"tableauetl/internal/stage"
	"tableauetl/internal/table"
	"tableauetl/internal/warehouse"
)

// generateFromCSV: CSV file -> parquet parts -> extract.
func generateFromCSV(ctx context.Context, env Env, opt Options) error {
	if err := required("generate_extract_from_csv", "source", opt.Source); err != nil {
		return err
	}
	comma, err := parseDelimiter(opt.Delimiter)
	if err != nil {
		return err
	}
	l := newLayout(opt, stem(opt.Source), "generate_extract_from_csv")

	err = stageBatches(ctx, env, l.ParquetDir, func(write func(table.Batch) error) error {
		st, err := csv.ReadFile(ctx, opt.Source, csv.Options{
			Comma:            comma,
			Encoding:         opt.Encoding,
			BatchSize:        opt.BatchSize,
			AllText:          opt.AllText,
			TrimSpace:        opt.TrimSpace,
			LazyQuotes:       opt.LazyQuotes,
			NormalizeHeaders: opt.NormalizeHeaders,
			HeaderMap:        opt.Rename,
		}, write)
		if err != nil {
			return err
		}
		env.Logger.Info("CSV read", "file", opt.Source, "rows", st.Rows, "batches", st.Batches, "columns", len(st.Columns))
		return nil
	})
	if err != nil {
		return err
	}
	return loadExtract(ctx, env, l)
}

// generateFromParquet: existing parquet directory -> extract.
func generateFromParquet(ctx context.Context, env Env, opt Options) error {
	if err := required("generate_extract", "parquet-dir", opt.ParquetDir); err != nil {
		return err
	}
	source := opt.Source
	if source == "" {
		source = stem(strings.TrimRight(opt.ParquetDir, `/\`))
	}
	l := newLayout(opt, source, "generate_extract")
	l.ParquetDir = opt.ParquetDir
	return loadExtract(ctx, env, l)
}

// generateFromWarehouse: warehouse query -> parquet parts -> extract.
func generateFromWarehouse(ctx context.Context, env Env, opt Options) error {
	query, err := resolveQuery(opt)
	if err != nil {
		return err
	}
	source := opt.Source
	if source == "" {
		source = "warehouse"
	}
	l := newLayout(opt, source, "generate_extract_from_warehouse")

	wcfg := warehouse.Config{Kind: env.Config.Warehouse.Kind, DSN: env.Config.Warehouse.DSN}
	// a DSN carries its own Databricks credentials
	if (wcfg.Kind == "" || wcfg.Kind == config.DefaultWarehouseKind) && wcfg.DSN == "" {
		creds, err := env.Config.Databricks()
		if err != nil {
			return err
		}
		wcfg.Databricks = creds
	}

	var wh *warehouse.Client
	err = logging.Step(ctx, env.Logger, "connect_warehouse", func(ctx context.Context) error {
		var err error
		wh, err = env.OpenWarehouse(ctx, wcfg)
		return err
	})
	if err != nil {
		return err
	}
	defer wh.Close()

	for _, stmt := range opt.SessionSQL {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if err := wh.Exec(ctx, stmt); err != nil {
			return err
		}
		env.Logger.Debug("Session statement applied", "sql", stmt)
	}

	err = stageBatches(ctx, env, l.ParquetDir, func(write func(table.Batch) error) error {
		st, err := wh.Query(ctx, query, opt.BatchSize, write)
		if err != nil {
			return err
		}
		env.Logger.Info("Warehouse query read", "kind", wh.Kind(), "rows", st.Rows, "batches", st.Batches)
		return nil
	})
	if err != nil {
		return err
	}
	return loadExtract(ctx, env, l)
}

// stageBatches opens a parquet writer on dir and hands produce a callback
// that stages one batch per call.
func stageBatches(ctx context.Context, env Env, dir string, produce func(write func(table.Batch) error) error) error {
	return logging.Step(ctx, env.Logger, "stage_parquet", func(ctx context.Context) error {
		w, err := stage.NewWriter(dir)
		if err != nil {
			return err
		}
		defer w.Close()

		err = produce(func(b table.Batch) error {
			p, err := w.Write(ctx, b)
			if err != nil {
				return err
			}
			env.Logger.Debug("Staged parquet file", "file", p, "rows", b.Len())
			return nil
		})
		if err != nil {
			return err
		}
		env.Logger.Info("Parquet files staged", "dir", w.Dir(), "files", len(w.Files()))
		return nil
	})
}

func loadExtract(ctx context.Context, env Env, l layout) error {
	return logging.Step(ctx, env.Logger, "load_extract", func(ctx context.Context) error {
		files, err := stage.List(l.ParquetDir)
		if err != nil {
			return err
		}
		res, err := extract.Builder{Logger: env.Logger}.Build(ctx, l.ExtractPath, files)
		if err != nil {
			return err
		}
		env.Logger.Info("Extract generated", "path", l.ExtractPath, "created", res.Created, "files", res.Files, "rows", res.Rows)
		return nil
	})
}

func resolveQuery(opt Options) (string, error) {
	q, f := strings.TrimSpace(opt.Query), strings.TrimSpace(opt.QueryFile)
	switch {
	case q != "" && f != "":
		return "", fmt.Errorf("generate_extract_from_warehouse: use either --query or --query-file, not both")
	case q != "":
		return q, nil
	case f != "":
		b, err := os.ReadFile(f)
		if err != nil {
			return "", fmt.Errorf("read query file: %w", err)
		}
		if s := strings.TrimSpace(string(b)); s != "" {
			return s, nil
		}
		return "", fmt.Errorf("query file %s is empty", f)
	}
	return "", fmt.Errorf("generate_extract_from_warehouse: missing required flag(s): --query or --query-file")
}

// parseDelimiter accepts a single character, or "tab" / `\t`.
func parseDelimiter(s string) (rune, error) {
	switch s {
	case "":
		return ',', nil
	case "tab", `\t`:
		return '\t', nil
	}
	r, size := utf8.DecodeRuneInString(s)
	if size != len(s) || r == utf8.RuneError || r == '"' || r == '\r' || r == '\n' {
		return 0, fmt.Errorf("invalid delimiter %q: want a single character", s)
	}
	return r, nil
}
