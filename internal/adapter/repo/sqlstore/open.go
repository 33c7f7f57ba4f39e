package sqlstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/restogear/print-service/internal/domain"
)

// Open dispatches on the configured driver. dsn is a file path for SQLite
// and a connection string for PostgreSQL.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite:
		return OpenSQLite(dsn)
	case DriverPostgres:
		return OpenPostgres(dsn)
	default:
		return nil, fmt.Errorf("op=sqlstore.Open: driver %q: %w", driver, domain.ErrInvalidArgument)
	}
}

// OpenSQLite opens (or creates) the embedded database at path. The parent
// directory is created on demand so first boot on a clean host works.
func OpenSQLite(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("op=sqlstore.OpenSQLite: mkdir %s: %w: %v", dir, domain.ErrStore, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("op=sqlstore.OpenSQLite: open %s: %w: %v", path, domain.ErrStore, err)
	}

	// SQLite serialises writes; one connection avoids SQLITE_BUSY under the
	// concurrent workers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("op=sqlstore.OpenSQLite: %s: %w: %v", pragma, domain.ErrStore, err)
		}
	}
	return &Store{db: db, driver: DriverSQLite, now: time.Now}, nil
}

// OpenPostgres opens a pgx-backed pool with query tracing enabled.
func OpenPostgres(dsn string) (*Store, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("op=sqlstore.OpenPostgres: parse dsn: %w: %v", domain.ErrStore, err)
	}
	cfg.Tracer = otelpgx.NewTracer()
	db := stdlib.OpenDB(*cfg)
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db, driver: DriverPostgres, now: time.Now}, nil
}
