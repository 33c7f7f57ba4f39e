package sqlstore

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/restogear/print-service/internal/domain"
)

// migration pairs an idempotent apply with its rollback. Versions are
// forward-only; applied versions are recorded in schema_migrations inside
// the same transaction as their effect.
type migration struct {
	version     int
	description string
	up          []string
	down        []string
}

// DDL is written in SQLite vocabulary; ddl() rewrites the binary column
// type for PostgreSQL. Column names stay lowercase so the rewrite only
// touches the uppercase type token.
func (s *Store) ddl(stmt string) string {
	if s.driver == DriverPostgres {
		return strings.ReplaceAll(stmt, "BLOB", "BYTEA")
	}
	return stmt
}

func migrations() []migration {
	return []migration{
		{
			version:     1,
			description: "orders and print jobs",
			up: []string{
				`CREATE TABLE IF NOT EXISTS orders (
					id                TEXT PRIMARY KEY,
					external_order_id TEXT NOT NULL UNIQUE,
					status            TEXT NOT NULL,
					items_blob        TEXT NOT NULL,
					customer_blob     TEXT NOT NULL,
					delivery_blob     TEXT NOT NULL,
					total_amount      DOUBLE PRECISION NOT NULL,
					currency          TEXT NOT NULL,
					created_at        TEXT NOT NULL,
					raw_blob          BLOB
				)`,
				`CREATE TABLE IF NOT EXISTS print_jobs (
					id            TEXT PRIMARY KEY,
					order_id      TEXT NOT NULL REFERENCES orders(id),
					job_type      TEXT NOT NULL,
					status        TEXT NOT NULL,
					content_blob  BLOB NOT NULL,
					attempts      INTEGER NOT NULL DEFAULT 0,
					max_attempts  INTEGER NOT NULL DEFAULT 3,
					created_at    TEXT NOT NULL,
					updated_at    TEXT NOT NULL,
					printed_at    TEXT,
					error_message TEXT NOT NULL DEFAULT ''
				)`,
				`CREATE INDEX IF NOT EXISTS idx_print_jobs_status ON print_jobs(status, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_print_jobs_order ON print_jobs(order_id)`,
			},
			down: []string{
				`DROP TABLE IF EXISTS print_jobs`,
				`DROP TABLE IF EXISTS orders`,
			},
		},
		{
			version:     2,
			description: "offline queue",
			up: []string{
				`CREATE TABLE IF NOT EXISTS offline_queue (
					id            TEXT PRIMARY KEY,
					item_type     TEXT NOT NULL,
					item_id       TEXT NOT NULL,
					priority      INTEGER NOT NULL,
					status        TEXT NOT NULL,
					created_at    TEXT NOT NULL,
					updated_at    TEXT NOT NULL,
					retry_count   INTEGER NOT NULL DEFAULT 0,
					max_retries   INTEGER NOT NULL DEFAULT 3,
					expires_at    TEXT,
					error_message TEXT NOT NULL DEFAULT '',
					metadata_blob TEXT NOT NULL DEFAULT '{}'
				)`,
				`CREATE INDEX IF NOT EXISTS idx_queue_drain ON offline_queue(status, priority DESC, created_at ASC)`,
				`CREATE INDEX IF NOT EXISTS idx_queue_item ON offline_queue(item_type, status)`,
				// One live row per referenced entity; terminal rows may repeat.
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_live ON offline_queue(item_type, item_id)
					WHERE status IN ('queued', 'processing')`,
			},
			down: []string{`DROP TABLE IF EXISTS offline_queue`},
		},
		{
			version:     3,
			description: "connectivity events",
			up: []string{
				`CREATE TABLE IF NOT EXISTS connectivity_events (
					id               TEXT PRIMARY KEY,
					event_type       TEXT NOT NULL,
					component        TEXT NOT NULL,
					status           TEXT NOT NULL,
					timestamp        TEXT NOT NULL,
					duration_offline INTEGER,
					details_blob     TEXT NOT NULL DEFAULT '{}'
				)`,
				`CREATE INDEX IF NOT EXISTS idx_conn_events_ts ON connectivity_events(timestamp DESC)`,
			},
			down: []string{`DROP TABLE IF EXISTS connectivity_events`},
		},
		{
			version:     4,
			description: "retry attempt log",
			up: []string{
				`CREATE TABLE IF NOT EXISTS retry_attempts (
					id             TEXT PRIMARY KEY,
					task_id        TEXT NOT NULL,
					attempt_number INTEGER NOT NULL,
					timestamp      TEXT NOT NULL,
					delay_before   INTEGER NOT NULL,
					success        BOOLEAN NOT NULL,
					duration       INTEGER,
					error_message  TEXT NOT NULL DEFAULT '',
					failure_type   TEXT NOT NULL,
					dead_letter_at TEXT
				)`,
				`CREATE INDEX IF NOT EXISTS idx_retry_task ON retry_attempts(task_id, attempt_number)`,
			},
			down: []string{`DROP TABLE IF EXISTS retry_attempts`},
		},
		{
			version:     5,
			description: "health metrics and self-healing events",
			up: []string{
				`CREATE TABLE IF NOT EXISTS health_metrics (
					id            TEXT PRIMARY KEY,
					resource_type TEXT NOT NULL,
					timestamp     TEXT NOT NULL,
					value         DOUBLE PRECISION NOT NULL,
					status        TEXT NOT NULL,
					metadata_blob TEXT NOT NULL DEFAULT '{}'
				)`,
				`CREATE INDEX IF NOT EXISTS idx_health_resource_ts ON health_metrics(resource_type, timestamp DESC)`,
				`CREATE TABLE IF NOT EXISTS self_healing_events (
					id            TEXT PRIMARY KEY,
					event_type    TEXT NOT NULL,
					resource_type TEXT NOT NULL,
					timestamp     TEXT NOT NULL,
					details_blob  TEXT NOT NULL DEFAULT '{}'
				)`,
			},
			down: []string{
				`DROP TABLE IF EXISTS self_healing_events`,
				`DROP TABLE IF EXISTS health_metrics`,
			},
		},
		{
			version:     6,
			description: "notification history, config and templates",
			up: []string{
				`CREATE TABLE IF NOT EXISTS notification_history (
					id                TEXT PRIMARY KEY,
					notification_type TEXT NOT NULL,
					context_blob      TEXT NOT NULL DEFAULT '{}',
					success           BOOLEAN NOT NULL,
					sent_at           TEXT NOT NULL,
					error_message     TEXT NOT NULL DEFAULT ''
				)`,
				`CREATE INDEX IF NOT EXISTS idx_notification_sent ON notification_history(sent_at DESC)`,
				`CREATE TABLE IF NOT EXISTS notification_config (
					key         TEXT PRIMARY KEY,
					value       TEXT NOT NULL,
					type        TEXT NOT NULL DEFAULT 'string',
					description TEXT NOT NULL DEFAULT ''
				)`,
				`CREATE TABLE IF NOT EXISTS notification_templates (
					notification_type TEXT PRIMARY KEY,
					subject           TEXT NOT NULL,
					body              TEXT NOT NULL,
					html              TEXT NOT NULL DEFAULT '',
					throttle_minutes  INTEGER NOT NULL DEFAULT 5,
					max_per_hour      INTEGER NOT NULL DEFAULT 12,
					enabled           BOOLEAN NOT NULL DEFAULT TRUE
				)`,
			},
			down: []string{
				`DROP TABLE IF EXISTS notification_templates`,
				`DROP TABLE IF EXISTS notification_config`,
				`DROP TABLE IF EXISTS notification_history`,
			},
		},
		{
			version:     7,
			description: "recovery sessions",
			up: []string{
				`CREATE TABLE IF NOT EXISTS recovery_sessions (
					id              TEXT PRIMARY KEY,
					recovery_type   TEXT NOT NULL,
					phase           TEXT NOT NULL,
					started_at      TEXT NOT NULL,
					updated_at      TEXT NOT NULL,
					completed_at    TEXT,
					items_total     INTEGER NOT NULL DEFAULT 0,
					items_processed INTEGER NOT NULL DEFAULT 0,
					items_failed    INTEGER NOT NULL DEFAULT 0,
					error_message   TEXT NOT NULL DEFAULT '',
					metadata_blob   TEXT NOT NULL DEFAULT '{}'
				)`,
				`CREATE INDEX IF NOT EXISTS idx_recovery_started ON recovery_sessions(started_at DESC)`,
			},
			down: []string{`DROP TABLE IF EXISTS recovery_sessions`},
		},
	}
}

// Migrate applies every pending version in order. Safe to run on every
// boot; already-applied versions are skipped.
func (s *Store) Migrate(ctx domain.Context) error {
	if err := s.ensureMigrationsTable(ctx); err != nil {
		return err
	}
	applied, err := s.appliedVersions(ctx)
	if err != nil {
		return err
	}
	for _, m := range migrations() {
		if applied[m.version] {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
		slog.Info("schema migrated", slog.Int("version", m.version), slog.String("description", m.description))
	}
	return nil
}

// MigrateDown rolls back the most recent steps versions. Intended for
// operator tooling, not the boot path.
func (s *Store) MigrateDown(ctx domain.Context, steps int) error {
	if steps <= 0 {
		return nil
	}
	applied, err := s.appliedVersions(ctx)
	if err != nil {
		return err
	}
	versions := make([]int, 0, len(applied))
	for v := range applied {
		versions = append(versions, v)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(versions)))
	if steps > len(versions) {
		steps = len(versions)
	}

	byVersion := make(map[int]migration, len(migrations()))
	for _, m := range migrations() {
		byVersion[m.version] = m
	}
	for _, v := range versions[:steps] {
		m, ok := byVersion[v]
		if !ok {
			return fmt.Errorf("op=sqlstore.MigrateDown: version %d has no rollback: %w", v, domain.ErrInvalidArgument)
		}
		if err := s.rollbackMigration(ctx, m); err != nil {
			return err
		}
		slog.Info("schema rolled back", slog.Int("version", m.version))
	}
	return nil
}

// SchemaVersion reports the highest applied version, 0 on a fresh store.
func (s *Store) SchemaVersion(ctx domain.Context) (int, error) {
	if err := s.ensureMigrationsTable(ctx); err != nil {
		return 0, err
	}
	var v int
	row := s.queryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	if err := row.Scan(&v); err != nil {
		return 0, fmt.Errorf("op=sqlstore.SchemaVersion: %w", err)
	}
	return v, nil
}

func (s *Store) ensureMigrationsTable(ctx domain.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version     INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at  TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("op=sqlstore.ensureMigrationsTable: %w: %v", domain.ErrStore, err)
	}
	return nil
}

func (s *Store) appliedVersions(ctx domain.Context) (map[int]bool, error) {
	rows, err := s.query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("op=sqlstore.appliedVersions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("op=sqlstore.appliedVersions: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (s *Store) applyMigration(ctx domain.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("op=sqlstore.applyMigration: begin v%d: %w", m.version, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.up {
		if _, err := tx.ExecContext(ctx, s.ddl(stmt)); err != nil {
			return fmt.Errorf("op=sqlstore.applyMigration: v%d: %w", m.version, err)
		}
	}
	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`),
		m.version, m.description, s.fmtTime(s.now()))
	if err != nil {
		return fmt.Errorf("op=sqlstore.applyMigration: record v%d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("op=sqlstore.applyMigration: commit v%d: %w", m.version, err)
	}
	return nil
}

func (s *Store) rollbackMigration(ctx domain.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("op=sqlstore.rollbackMigration: begin v%d: %w", m.version, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.down {
		if _, err := tx.ExecContext(ctx, s.ddl(stmt)); err != nil {
			return fmt.Errorf("op=sqlstore.rollbackMigration: v%d: %w", m.version, err)
		}
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM schema_migrations WHERE version = ?`), m.version); err != nil {
		return fmt.Errorf("op=sqlstore.rollbackMigration: unrecord v%d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("op=sqlstore.rollbackMigration: commit v%d: %w", m.version, err)
	}
	return nil
}
