// Package sqlite registers the "sqlite" warehouse kind (pure-Go driver).
// Mostly useful for local files and tests.
package sqlite

import (
	"context"
	"database/sql"

	_ "modernc.org/sqlite"

	"tableauetl/internal/warehouse"
)

const Kind = "sqlite"

func init() {
	warehouse.Register(Kind, Open)
}

// Open opens cfg.DSN with a single connection, so ":memory:" databases are
// shared by every query of the client.
func Open(_ context.Context, cfg warehouse.Config) (*sql.DB, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}
