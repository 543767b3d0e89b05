package metastore

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// driverName maps a metastore dialect to its registered database/sql driver.
func driverName(dialect string) (string, error) {
	switch dialect {
	case DialectSQLite:
		return "sqlite", nil
	case DialectPostgres:
		return "postgres", nil
	default:
		return "", fmt.Errorf("unsupported metastore dialect: %s", dialect)
	}
}

// Open connects to the configured database, migrates the schema and returns
// the store together with the owned *sql.DB handle. The caller closes it.
func Open(ctx context.Context, dialect, dsn string) (*SQLStore, *sql.DB, error) {
	driver, err := driverName(dialect)
	if err != nil {
		return nil, nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("metastore open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("metastore ping: %w", err)
	}
	store, err := NewSQLStore(ctx, db, dialect)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, db, nil
}
