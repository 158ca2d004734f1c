// Package scripts holds the named workflows the CLI dispatches to with
// --script, and the registry that maps names to them.
package scripts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"tableauetl/internal/config"
	"tableauetl/internal/logging"
	"tableauetl/internal/tableau"
	"tableauetl/internal/warehouse"
)

// DefaultWorkDir is the root of staged parquet files and extract files.
const DefaultWorkDir = "temp"

// ErrUnknownScript is returned by Run for a name that is not registered.
var ErrUnknownScript = errors.New("unknown script")

// Options are the per-run inputs, filled from CLI flags. Each script reads
// only the fields it needs and reports missing required ones.
type Options struct {
	// Source is the CSV path for generate_extract_from_csv and the logical
	// source name for the other generate scripts.
	Source     string
	ParquetDir string
	Query      string
	QueryFile  string
	WorkDir    string
	// Extract overrides the extract file path.
	Extract string

	Project        string
	DatasourceName string
	Mode           string
	DatasourceID   string
	Timeout        time.Duration

	BatchSize int
	Delimiter string
	Encoding  string

	// CSV parsing switches, passed to the CSV reader unchanged.
	AllText          bool
	TrimSpace        bool
	LazyQuotes       bool
	NormalizeHeaders bool
	// Rename maps a header name to the column name used in the extract.
	Rename map[string]string

	// SessionSQL statements run on the warehouse connection before the
	// query (catalog selection, session settings).
	SessionSQL []string

	Resource string
}

// Env carries the collaborators shared by every script.
type Env struct {
	Config *config.Config
	Logger *slog.Logger
	Stdout io.Writer

	// NewTableau builds the server client. Defaults to tableau.New with the
	// configured retry policy.
	NewTableau func(creds config.TableauCredentials) (*tableau.Client, error)

	// OpenWarehouse defaults to warehouse.Open.
	OpenWarehouse func(ctx context.Context, cfg warehouse.Config) (*warehouse.Client, error)
}

func (e Env) withDefaults() Env {
	if e.Config == nil {
		e.Config = &config.Config{}
	}
	if e.Logger == nil {
		e.Logger = logging.Discard()
	}
	if e.Stdout == nil {
		e.Stdout = io.Discard
	}
	if e.NewTableau == nil {
		retryMax := e.Config.HTTPRetryMax
		log := e.Logger
		e.NewTableau = func(creds config.TableauCredentials) (*tableau.Client, error) {
			return tableau.New(creds, tableau.Options{Logger: log, RetryMax: retryMax})
		}
	}
	if e.OpenWarehouse == nil {
		e.OpenWarehouse = warehouse.Open
	}
	return e
}

// Script is one named workflow.
type Script func(ctx context.Context, env Env, opt Options) error

var registry = map[string]Script{
	"generate_extract_from_csv":       generateFromCSV,
	"generate_extract":                generateFromParquet,
	"generate_extract_from_warehouse": generateFromWarehouse,
	"publish_extract":                 publishExtract,
	"refresh_datasource":              refreshDatasource,
	"list_resources":                  listResources,
}

// Lookup returns the script registered under name.
func Lookup(name string) (Script, bool) {
	s, ok := registry[name]
	return s, ok
}

// Names returns every registered script name, sorted.
func Names() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Run executes the script registered under name inside a timed step and
// logs its start and finish.
//
// Errors:
//   - ErrUnknownScript (wrapped with the name) when nothing is registered.
//   - whatever the script returns.
func Run(ctx context.Context, name string, env Env, opt Options) error {
	s, ok := Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownScript, name)
	}
	env = env.withDefaults()
	env.Logger = env.Logger.With("script", name)

	env.Logger.Info("Starting script: " + name)
	err := logging.Step(ctx, env.Logger, name, func(ctx context.Context) error {
		return s(ctx, env, opt)
	})
	if err != nil {
		return err
	}
	env.Logger.Info("Script finished: " + name)
	return nil
}

// layout is the on-disk location of one run's staged and loaded files:
// <work>/<source>/<script>/parquet_files and
// <work>/<source>/<script>/extract_file/<source>.duckdb.
type layout struct {
	ParquetDir  string
	ExtractPath string
}

func newLayout(opt Options, source, script string) layout {
	work := opt.WorkDir
	if work == "" {
		work = DefaultWorkDir
	}
	base := filepath.Join(work, source, script)
	l := layout{
		ParquetDir:  filepath.Join(base, "parquet_files"),
		ExtractPath: filepath.Join(base, "extract_file", source+".duckdb"),
	}
	if opt.Extract != "" {
		l.ExtractPath = opt.Extract
	}
	return l
}

// stem returns the file name of p without directory and extension.
func stem(p string) string {
	b := filepath.Base(p)
	return strings.TrimSuffix(b, filepath.Ext(b))
}

func required(script string, pairs ...string) error {
	var missing []string
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			missing = append(missing, "--"+pairs[i])
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s: missing required flag(s): %s", script, strings.Join(missing, ", "))
	}
	return nil
}
