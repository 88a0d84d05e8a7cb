package sqlstore

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

// OpenPostgres opens a bun handle over lib/pq.
func OpenPostgres(dsn string) (*bun.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("sqlstore: postgres dsn is required")
	}
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open postgres: %w", err)
	}
	return bun.NewDB(sqlDB, pgdialect.New()), nil
}

// OpenSQLite opens a bun handle over go-sqlite3. The pool is pinned to one
// connection since SQLite serializes writers. Foreign keys are switched on
// unless the dsn sets them, so queue rows cascade with their events.
func OpenSQLite(dsn string) (*bun.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("sqlstore: sqlite dsn is required")
	}
	dsn = withSQLiteForeignKeys(dsn)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return bun.NewDB(sqlDB, sqlitedialect.New()), nil
}

func withSQLiteForeignKeys(dsn string) string {
	_, query, hasQuery := strings.Cut(dsn, "?")
	if hasQuery {
		for _, param := range strings.Split(query, "&") {
			key, _, _ := strings.Cut(param, "=")
			if key == "_foreign_keys" || key == "_fk" {
				return dsn
			}
		}
		return dsn + "&_foreign_keys=on"
	}
	return dsn + "?_foreign_keys=on"
}
