// Package databricks registers the "databricks" warehouse kind, backed by
// the Databricks SQL driver.
package databricks

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	dbsql "github.com/databricks/databricks-sql-go"

	"tableauetl/internal/warehouse"
)

// Kind is the warehouse kind this package registers.
const Kind = "databricks"

func init() {
	warehouse.Register(Kind, Open)
}

// Open builds a connection pool from the Databricks credentials. A non-empty
// DSN takes precedence and is handed to the driver as is.
func Open(_ context.Context, cfg warehouse.Config) (*sql.DB, error) {
	if dsn := strings.TrimSpace(cfg.DSN); dsn != "" {
		return sql.Open("databricks", dsn)
	}

	c := cfg.Databricks
	if c.ServerHostname == "" || c.HTTPPath == "" || c.Token == "" {
		return nil, fmt.Errorf("databricks: server hostname, http path and token are required")
	}
	connector, err := dbsql.NewConnector(
		dbsql.WithServerHostname(c.ServerHostname),
		dbsql.WithPort(443),
		dbsql.WithHTTPPath(c.HTTPPath),
		dbsql.WithAccessToken(c.Token),
	)
	if err != nil {
		return nil, fmt.Errorf("databricks connector: %w", err)
	}
	return sql.OpenDB(connector), nil
}
