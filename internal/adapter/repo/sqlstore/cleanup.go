package sqlstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Cleaner enforces data retention over the append-only logs and terminal
// rows. Live work (pending/printing jobs, live queue rows) is never
// touched regardless of age.
type Cleaner struct {
	Store         *Store
	RetentionDays int
}

// NewCleaner constructs a Cleaner with the given retention window.
func NewCleaner(store *Store, retentionDays int) *Cleaner {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &Cleaner{Store: store, RetentionDays: retentionDays}
}

// CleanupOldData removes rows older than the retention window in one
// transaction. Orders go last so the print_jobs foreign key stays valid.
func (c *Cleaner) CleanupOldData(ctx context.Context) error {
	cutoff := c.Store.fmtTime(c.Store.now().AddDate(0, 0, -c.RetentionDays))

	tx, err := c.Store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("op=sqlstore.CleanupOldData: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	steps := []struct {
		table string
		query string
		args  []any
	}{
		{"retry_attempts", `DELETE FROM retry_attempts WHERE timestamp < ?`, []any{cutoff}},
		{"connectivity_events", `DELETE FROM connectivity_events WHERE timestamp < ?`, []any{cutoff}},
		{"health_metrics", `DELETE FROM health_metrics WHERE timestamp < ?`, []any{cutoff}},
		{"self_healing_events", `DELETE FROM self_healing_events WHERE timestamp < ?`, []any{cutoff}},
		{"notification_history", `DELETE FROM notification_history WHERE sent_at < ?`, []any{cutoff}},
		{"recovery_sessions", `DELETE FROM recovery_sessions WHERE phase IN ('completion', 'failed') AND started_at < ?`, []any{cutoff}},
		{"offline_queue", `DELETE FROM offline_queue WHERE status IN ('completed', 'failed', 'expired') AND updated_at < ?`, []any{cutoff}},
		{"print_jobs", `DELETE FROM print_jobs WHERE status IN ('completed', 'failed') AND updated_at < ?`, []any{cutoff}},
		{"orders", `DELETE FROM orders WHERE created_at < ?
			AND id NOT IN (SELECT order_id FROM print_jobs)
			AND id NOT IN (SELECT item_id FROM offline_queue WHERE item_type = 'order')`, []any{cutoff}},
	}

	deleted := make([]any, 0, len(steps)+1)
	for _, step := range steps {
		res, err := tx.ExecContext(ctx, c.Store.rebind(step.query), step.args...)
		if err != nil {
			return fmt.Errorf("op=sqlstore.CleanupOldData: %s: %w", step.table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("op=sqlstore.CleanupOldData: %s: %w", step.table, err)
		}
		if n > 0 {
			deleted = append(deleted, slog.Int64(step.table, n))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("op=sqlstore.CleanupOldData: commit: %w", err)
	}
	if len(deleted) > 0 {
		deleted = append(deleted, slog.String("cutoff", cutoff))
		slog.Info("retention cleanup completed", deleted...)
	}
	return nil
}

// RunPeriodic runs cleanup immediately and then on the given interval
// until the context is cancelled.
func (c *Cleaner) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := c.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := c.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
