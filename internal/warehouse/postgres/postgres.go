// Package postgres registers the "postgres" warehouse kind through pgx's
// database/sql adapter.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"tableauetl/internal/warehouse"
)

const Kind = "postgres"

func init() {
	warehouse.Register(Kind, Open)
}

// Open parses cfg.DSN (URL or keyword/value form) and opens a pool.
func Open(_ context.Context, cfg warehouse.Config) (*sql.DB, error) {
	cc, err := pgx.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	return stdlib.OpenDB(*cc), nil
}
