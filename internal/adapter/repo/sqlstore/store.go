// Package sqlstore persists every print-service aggregate behind a single
// database/sql layer. It runs on embedded SQLite (modernc.org/sqlite, pure Go)
// by default and on PostgreSQL via pgx for multi-terminal deployments; the
// SQL is written once and rebound per dialect.
package sqlstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/restogear/print-service/internal/domain"
)

const (
	// DriverSQLite selects the embedded store.
	DriverSQLite = "sqlite"
	// DriverPostgres selects the shared PostgreSQL store.
	DriverPostgres = "postgres"
)

// timeLayout is fixed-width UTC so that lexicographic order on stored TEXT
// columns matches chronological order (queue drain depends on it).
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements the domain repository ports on top of database/sql.
type Store struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// DB exposes the underlying handle for readiness probes.
func (s *Store) DB() *sql.DB { return s.db }

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx domain.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("op=sqlstore.Ping: %w: %v", domain.ErrStore, err)
	}
	return nil
}

// Close releases the underlying pool.
func (s *Store) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders to $n for PostgreSQL. Queries are written
// with ? throughout; SQLite consumes them as-is.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *Store) exec(ctx domain.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx domain.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx domain.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// wrapScan maps the driver's no-rows sentinel onto the domain taxonomy.
func wrapScan(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
	}
	return fmt.Errorf("op=%s: %w", op, err)
}

func (s *Store) fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func (s *Store) fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return s.fmtTime(*t)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		// Rows written by other tooling may carry plain RFC 3339.
		t, err = time.Parse(time.RFC3339Nano, v)
	}
	return t, err
}

func parseTimePtr(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func durPtr(v sql.NullInt64) *time.Duration {
	if !v.Valid {
		return nil
	}
	d := time.Duration(v.Int64)
	return &d
}

func marshalMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMap(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}
