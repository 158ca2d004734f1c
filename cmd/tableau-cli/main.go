package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"tableauetl/internal/config"
	"tableauetl/internal/logging"
	"tableauetl/internal/metrics"
	"tableauetl/internal/metrics/datadog"
	"tableauetl/internal/scripts"
	"tableauetl/internal/source/csv"
	"tableauetl/internal/tableau"

	// every warehouse kind is selectable through WAREHOUSE_KIND
	_ "tableauetl/internal/warehouse/all"
)

const appName = "tableau-cli"

// backendCloser is the minimal interface used to manage a metrics backend.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// deps are the external seams of run.
//
// When to use:
//   - Unit tests: inject config, a fake script runner and capture output.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	LoadConfig     func(envFile string) (*config.Config, error)
	BackendFactory func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error)
	RunScript      func(ctx context.Context, name string, env scripts.Env, opt scripts.Options) error
	NewRunID       func() string
}

// main wires real dependencies and exits with run's code.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], deps{
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		LoadConfig: config.FromEnv,
		BackendFactory: func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error) {
			return datadog.NewBackend(ctx, datadog.Options{
				JobName:    jobName,
				Tags:       tags,
				FlushEvery: flushEvery,
			})
		},
		RunScript: scripts.Run,
		NewRunID:  func() string { return uuid.NewString() },
	})
	stop()
	os.Exit(code)
}

type cliFlags struct {
	script  string
	envFile string
	opt     scripts.Options
}

func newRootCmd(f *cliFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   appName + " --script <name> [flags]",
		Short: "Build DuckDB extracts from CSV, parquet or warehouse data and manage Tableau datasources",
		Long: "Runs one named script. Available scripts:\n  " +
			strings.Join(scripts.Names(), "\n  "),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          func(*cobra.Command, []string) error { return nil },
	}

	bindFlags(cmd.Flags(), f)
	_ = cmd.MarkFlagRequired("script")
	return cmd
}

func bindFlags(fl *pflag.FlagSet, f *cliFlags) {
	fl.StringVar(&f.script, "script", "", "script to run")
	fl.StringVar(&f.envFile, "env-file", ".env", "optional dotenv file loaded before reading the environment")

	fl.StringVar(&f.opt.Source, "source", "", "CSV file (generate_extract_from_csv) or logical source name")
	fl.StringVar(&f.opt.ParquetDir, "parquet-dir", "", "directory of parquet files (generate_extract)")
	fl.StringVar(&f.opt.Query, "query", "", "SQL query (generate_extract_from_warehouse)")
	fl.StringVar(&f.opt.QueryFile, "query-file", "", "file holding the SQL query (generate_extract_from_warehouse)")
	fl.StringVar(&f.opt.WorkDir, "work-dir", scripts.DefaultWorkDir, "root directory for parquet and extract files")
	fl.StringVar(&f.opt.Extract, "extract", "", "extract file path (publish_extract, or override for generate scripts)")

	fl.StringVar(&f.opt.Project, "project", "", "target project id (publish_extract)")
	fl.StringVar(&f.opt.DatasourceName, "datasource-name", "", "published datasource name; defaults to the file name")
	fl.StringVar(&f.opt.Mode, "mode", string(tableau.CreateNew), "publish mode: CreateNew, Append or Overwrite")
	fl.StringVar(&f.opt.DatasourceID, "datasource-id", "", "datasource id (refresh_datasource)")
	fl.DurationVar(&f.opt.Timeout, "timeout", tableau.DefaultJobTimeout, "how long to wait for the refresh job")

	fl.IntVar(&f.opt.BatchSize, "batch-size", csv.DefaultBatchSize, "rows per staged parquet file")
	fl.StringVar(&f.opt.Delimiter, "delimiter", ",", `CSV delimiter (single character or "tab")`)
	fl.StringVar(&f.opt.Encoding, "encoding", "utf-8", "CSV character encoding (utf-8, windows-1250, iso-8859-2, ...)")
	fl.BoolVar(&f.opt.AllText, "all-text", false, "load every CSV column as text instead of inferring types")
	fl.BoolVar(&f.opt.TrimSpace, "trim", false, "trim leading and trailing whitespace from CSV cells")
	fl.BoolVar(&f.opt.LazyQuotes, "lazy-quotes", false, "accept stray quotes inside unquoted CSV fields")
	fl.BoolVar(&f.opt.NormalizeHeaders, "normalize-headers", false, "lower-case CSV headers and replace spaces with underscores")
	fl.StringToStringVar(&f.opt.Rename, "rename", nil, "rename CSV columns, e.g. --rename \"Total Power=power\" (repeatable)")
	fl.StringArrayVar(&f.opt.SessionSQL, "session-sql", nil, "statement run on the warehouse connection before the query (repeatable)")

	fl.StringVar(&f.opt.Resource, "resource", "projects", "list_resources target: projects, datasources or workbooks")
	fl.SortFlags = false
}

// run executes one CLI invocation and returns an exit code.
//
// Exit codes:
//   - 0: success (or --help).
//   - 1: the script failed.
//   - 2: usage or configuration error, including an unknown script name.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.LoadConfig == nil || d.RunScript == nil {
		fmt.Fprintln(d.Stderr, "internal error: LoadConfig and RunScript are required")
		return 2
	}
	if d.NewRunID == nil {
		d.NewRunID = func() string { return "" }
	}

	var f cliFlags
	ran := false
	cmd := newRootCmd(&f)
	cmd.RunE = func(*cobra.Command, []string) error {
		ran = true
		return nil
	}
	cmd.SetArgs(args)
	cmd.SetOut(d.Stdout)
	cmd.SetErr(d.Stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(d.Stderr, "error: %v\n", err)
		return 2
	}
	if !ran {
		return 0
	}

	if _, ok := scripts.Lookup(f.script); !ok {
		fmt.Fprintf(d.Stderr, "No script found: %s\n", f.script)
		return 2
	}

	cfg, err := d.LoadConfig(f.envFile)
	if err != nil {
		fmt.Fprintf(d.Stderr, "config: %v\n", err)
		return 2
	}

	log := logging.New(d.Stdout, cfg.LogLevel, appName, d.NewRunID())
	log.Info("Starting CLI", "script", f.script)

	closeMetrics := initMetrics(ctx, cfg, d, log)
	defer closeMetrics()

	err = d.RunScript(ctx, f.script, scripts.Env{
		Config: cfg,
		Logger: log,
		Stdout: d.Stdout,
	}, f.opt)
	if err != nil {
		log.Error("Script failed", "script", f.script, "error", err)
		fmt.Fprintf(d.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// initMetrics installs the configured metrics backend and returns its
// cleanup. Backend failures are logged and leave metrics disabled.
func initMetrics(ctx context.Context, cfg *config.Config, d deps, log *slog.Logger) func() {
	switch cfg.Metrics.Backend {
	case "", "none":
		return func() {}
	case "datadog":
		if d.BackendFactory == nil {
			log.Warn("metrics: datadog requested but no backend factory; metrics disabled")
			return func() {}
		}
		tags := datadog.ParseTagsCSV(cfg.Metrics.Tags)
		b, err := d.BackendFactory(ctx, appName, tags, 60*time.Second)
		if err != nil {
			log.Warn("metrics: failed to init datadog backend; metrics disabled", "error", err)
			return func() {}
		}
		log.Info("metrics: datadog backend enabled", "job_name", appName, "tags", tags)
		metrics.SetBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				log.Warn("metrics: datadog close/flush error", "error", err)
			}
			metrics.SetBackend(nil)
		}
	default:
		log.Warn("metrics: unknown backend; metrics disabled", "backend", cfg.Metrics.Backend)
		return func() {}
	}
}
