// Package warehouse runs SQL against a remote (or local) warehouse and
// streams the result as typed table batches.
//
// Drivers live in subpackages that register an Opener from init(); import
// tableauetl/internal/warehouse/all to get every supported kind.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	"tableauetl/internal/config"
	"tableauetl/internal/metrics"
	"tableauetl/internal/table"
)

// DefaultBatchSize is the number of rows per batch when Query is called with
// batchSize <= 0.
const DefaultBatchSize = 100_000

// Config selects and configures a warehouse connection.
//
// Edge cases:
//   - Kind defaults to config.DefaultWarehouseKind ("databricks").
//   - DSN is passed through to DSN-based drivers (postgres, mssql, sqlite,
//     snowflake). The databricks opener ignores it and uses Databricks.
type Config struct {
	Kind       string
	DSN        string
	Databricks config.DatabricksCredentials
}

// Opener builds a *sql.DB for one warehouse kind. Open pings the result, so
// openers should not.
type Opener func(ctx context.Context, cfg Config) (*sql.DB, error)

var (
	mu      sync.RWMutex
	openers = map[string]Opener{}
)

// Register makes an opener available under kind.
//
// When to use:
//   - Call Register from an init() function in a driver package.
//
// Panics:
//   - If kind is empty, o is nil, or kind is already registered.
func Register(kind string, o Opener) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("warehouse: Register called with empty kind")
	}
	if o == nil {
		panic("warehouse: Register called with nil opener")
	}
	if _, exists := openers[kind]; exists {
		panic(fmt.Sprintf("warehouse: opener already registered for kind=%q", kind))
	}
	openers[kind] = o
}

// Kinds returns the registered kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(openers))
	for k := range openers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Client is an open warehouse connection pool.
type Client struct {
	kind string
	db   *sql.DB
}

// Open connects to the warehouse selected by cfg.Kind and verifies the
// connection with a ping.
//
// Errors:
//   - unknown kind (the message lists the registered kinds).
//   - whatever the driver returns while opening or pinging.
func Open(ctx context.Context, cfg Config) (*Client, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.Kind))
	if kind == "" {
		kind = config.DefaultWarehouseKind
	}

	mu.RLock()
	o := openers[kind]
	mu.RUnlock()
	if o == nil {
		return nil, fmt.Errorf("unsupported warehouse kind=%s (registered: %s)", kind, strings.Join(Kinds(), ", "))
	}

	db, err := o(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s warehouse: %w", kind, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s warehouse: %w", kind, err)
	}
	return &Client{kind: kind, db: db}, nil
}

// Kind returns the warehouse kind this client was opened with.
func (c *Client) Kind() string { return c.kind }

// Close releases the connection pool. Safe on a nil client.
func (c *Client) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Exec runs a statement that returns no rows (preflight DDL, session
// settings).
func (c *Client) Exec(ctx context.Context, stmt string) error {
	if _, err := c.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("warehouse exec: %w", err)
	}
	return nil
}

// Stats summarises one query.
type Stats struct {
	Rows    int64
	Batches int
	Columns []table.Column
}

// Query runs query and calls fn once per batch of up to batchSize rows.
//
// Column types come from the driver's reported database type names. Columns
// the driver cannot describe are inferred from the first batch's values.
// The schema fixed by the first batch is reused for every later batch. A
// query returning no rows yields one empty batch carrying the schema.
//
// Errors:
//   - query and scan errors from the driver.
//   - a value that cannot be converted to its column type (row number and
//     column name in the message).
//   - any error returned by fn, as is.
func (c *Client) Query(ctx context.Context, query string, batchSize int, fn func(table.Batch) error) (Stats, error) {
	var st Stats
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return st, fmt.Errorf("warehouse query: %w", err)
	}
	defer rows.Close()

	cts, err := rows.ColumnTypes()
	if err != nil {
		return st, fmt.Errorf("warehouse column types: %w", err)
	}
	names := make([]string, len(cts))
	for i, ct := range cts {
		names[i] = ct.Name()
	}
	names = table.UniqueNames(names)

	declared := make([]table.Column, len(cts))
	known := make([]bool, len(cts))
	for i, ct := range cts {
		declared[i] = declaredColumn(names[i], ct)
		_, known[i] = table.TypeFromDatabase(ct.DatabaseTypeName())
	}

	pending := make([][]any, 0, batchSize)
	var rowNum int64

	flush := func() error {
		if st.Columns == nil {
			st.Columns = make([]table.Column, len(names))
			for i := range names {
				st.Columns[i] = declared[i]
				if !known[i] {
					col := make([]any, len(pending))
					for j, r := range pending {
						col[j] = r[i]
					}
					st.Columns[i].Type = table.InferFromValues(col)
				}
			}
		}
		b := table.Batch{Columns: st.Columns, Rows: make([][]any, 0, len(pending))}
		first := rowNum - int64(len(pending)) + 1
		for j, raw := range pending {
			row := make([]any, len(raw))
			for i, v := range raw {
				cv, err := table.Coerce(v, st.Columns[i].Type)
				if err != nil {
					return fmt.Errorf("warehouse: row %d column %q: %w", first+int64(j), st.Columns[i].Name, err)
				}
				row[i] = cv
			}
			b.Rows = append(b.Rows, row)
		}
		if err := fn(b); err != nil {
			return err
		}
		st.Rows += int64(len(pending))
		st.Batches++
		pending = pending[:0]
		return nil
	}

	for rows.Next() {
		vals := make([]any, len(cts))
		ptrs := make([]any, len(cts))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return st, fmt.Errorf("warehouse scan: %w", err)
		}
		pending = append(pending, vals)
		rowNum++

		if len(pending) >= batchSize {
			if err := flush(); err != nil {
				return st, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("warehouse rows: %w", err)
	}
	if len(pending) > 0 || st.Batches == 0 {
		if err := flush(); err != nil {
			return st, err
		}
	}

	metrics.RecordRecords("warehouse", st.Rows)
	return st, nil
}

// declaredColumn maps a driver column to a table column. Fixed-point
// columns keep their precision and scale; when the driver reports no usable
// width (or one wider than the extract engine stores) they become VARCHAR so
// no digit is lost.
func declaredColumn(name string, ct *sql.ColumnType) table.Column {
	t, _ := table.TypeFromDatabase(ct.DatabaseTypeName())
	if t != table.Decimal {
		return table.Column{Name: name, Type: t}
	}

	p, s, ok := ct.DecimalSize()
	if !ok || p <= 0 {
		var pi, si int
		pi, si, ok = table.DecimalSize(ct.DatabaseTypeName())
		p, s = int64(pi), int64(si)
	}
	if !ok || p <= 0 || p > table.MaxDecimalPrecision || s < 0 || s > p {
		return table.Column{Name: name, Type: table.Varchar}
	}
	return table.Column{Name: name, Type: table.Decimal, Precision: int(p), Scale: int(s)}
}
