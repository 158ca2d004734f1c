// Package snowflake registers the "snowflake" warehouse kind.
package snowflake

import (
	"context"
	"database/sql"
	"fmt"

	sf "github.com/snowflakedb/gosnowflake"

	"tableauetl/internal/warehouse"
)

const Kind = "snowflake"

func init() {
	warehouse.Register(Kind, Open)
}

// Open parses cfg.DSN (user:password@account/database/schema?warehouse=wh)
// and opens a pool through the driver's connector.
func Open(_ context.Context, cfg warehouse.Config) (*sql.DB, error) {
	sc, err := sf.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("snowflake dsn: %w", err)
	}
	return sql.OpenDB(sf.NewConnector(sf.SnowflakeDriver{}, *sc)), nil
}
