package sqlstore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/restogear/print-service/internal/domain"
)

const queueColumns = `id, item_type, item_id, priority, status, created_at, updated_at, retry_count, max_retries, expires_at, error_message, metadata_blob`

// liveStatuses is the predicate behind the one-live-row invariant; it must
// stay in sync with the idx_queue_live partial index.
const liveStatuses = `('queued', 'processing')`

// CreateQueueItem inserts a queue row unless a live row for the same
// (item_type, item_id) already exists, in which case the existing id is
// returned with created=false. The check and insert share one transaction.
func (s *Store) CreateQueueItem(ctx domain.Context, item domain.QueueItem) (string, bool, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Create")
	defer span.End()

	id := item.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := item.Status
	if status == "" {
		status = domain.QueueStatusQueued
	}
	priority := item.Priority
	if priority == 0 {
		priority = domain.PriorityNormal
	}
	maxRetries := item.MaxRetries
	if maxRetries <= 0 {
		maxRetries = domain.DefaultQueueMaxRetries
	}
	createdAt := item.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	meta, err := marshalMap(item.Metadata)
	if err != nil {
		return "", false, fmt.Errorf("op=queue.create: metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("op=queue.create: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT id FROM offline_queue
		WHERE item_type = ? AND item_id = ? AND status IN `+liveStatuses+` LIMIT 1`),
		item.ItemType, item.ItemID).Scan(&existing)
	switch {
	case err == nil:
		return existing, false, nil
	case err != sql.ErrNoRows:
		return "", false, fmt.Errorf("op=queue.create: dedupe: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO offline_queue (`+queueColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		id, item.ItemType, item.ItemID, int(priority), status,
		s.fmtTime(createdAt), s.fmtTime(createdAt), item.RetryCount, maxRetries,
		s.fmtTimePtr(item.ExpiresAt), item.ErrorMessage, meta)
	if err != nil {
		return "", false, fmt.Errorf("op=queue.create: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("op=queue.create: commit: %w", err)
	}
	return id, true, nil
}

// GetQueueItem loads one queue row by id.
func (s *Store) GetQueueItem(ctx domain.Context, id string) (domain.QueueItem, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Get")
	defer span.End()

	row := s.queryRow(ctx, `SELECT `+queueColumns+` FROM offline_queue WHERE id = ?`, id)
	return scanQueueRow(row.Scan, "queue.get")
}

// NextQueueItems lists claimable rows: queued, unexpired, priority desc
// then createdAt asc. An empty itemType matches any.
func (s *Store) NextQueueItems(ctx domain.Context, itemType domain.ItemType, limit int) ([]domain.QueueItem, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Next")
	defer span.End()

	q := `SELECT ` + queueColumns + ` FROM offline_queue
		WHERE status = ? AND (expires_at IS NULL OR expires_at > ?)`
	args := []any{domain.QueueStatusQueued, s.fmtTime(s.now())}
	if itemType != "" {
		q += ` AND item_type = ?`
		args = append(args, itemType)
	}
	q += ` ORDER BY priority DESC, created_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=queue.next: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []domain.QueueItem
	for rows.Next() {
		it, err := scanQueueRow(rows.Scan, "queue.next")
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// ClaimQueueItems flips queued rows to processing in one transaction and
// reports how many actually flipped. Rows already claimed or finished are
// skipped, not errors.
func (s *Store) ClaimQueueItems(ctx domain.Context, ids []string, now time.Time) (int, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Claim")
	defer span.End()

	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("op=queue.claim: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	claimed := 0
	stmt := s.rebind(`UPDATE offline_queue SET status = ?, updated_at = ? WHERE id = ? AND status = ?`)
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, stmt, domain.QueueStatusProcessing, s.fmtTime(now), id, domain.QueueStatusQueued)
		if err != nil {
			return 0, fmt.Errorf("op=queue.claim: id=%s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("op=queue.claim: id=%s: %w", id, err)
		}
		claimed += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("op=queue.claim: commit: %w", err)
	}
	return claimed, nil
}

// UpdateQueueItemStatus moves a row to the given status, recording the
// error message for failed rows.
func (s *Store) UpdateQueueItemStatus(ctx domain.Context, id string, status domain.QueueStatus, errMsg string) error {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.UpdateStatus")
	defer span.End()

	res, err := s.exec(ctx, `UPDATE offline_queue SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		status, errMsg, s.fmtTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("op=queue.update_status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("op=queue.update_status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("op=queue.update_status: item %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// IncrementQueueRetry spends one queue retry and returns the row to queued
// in a single statement.
func (s *Store) IncrementQueueRetry(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.IncrementRetry")
	defer span.End()

	res, err := s.exec(ctx, `UPDATE offline_queue
		SET retry_count = retry_count + 1, status = ?, updated_at = ?
		WHERE id = ?`,
		domain.QueueStatusQueued, s.fmtTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("op=queue.increment_retry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("op=queue.increment_retry: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("op=queue.increment_retry: item %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// RemoveQueueItem deletes a row outright. Missing rows are a no-op so the
// call is idempotent across crash-replays.
func (s *Store) RemoveQueueItem(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Remove")
	defer span.End()

	if _, err := s.exec(ctx, `DELETE FROM offline_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("op=queue.remove: %w", err)
	}
	return nil
}

// CleanupExpiredItems flags queued rows past their expiry. Processing rows
// are left alone; their claimant decides their fate.
func (s *Store) CleanupExpiredItems(ctx domain.Context, now time.Time) (int, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.CleanupExpired")
	defer span.End()

	res, err := s.exec(ctx, `UPDATE offline_queue
		SET status = ?, updated_at = ?
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		domain.QueueStatusExpired, s.fmtTime(now), domain.QueueStatusQueued, s.fmtTime(now))
	if err != nil {
		return 0, fmt.Errorf("op=queue.cleanup_expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("op=queue.cleanup_expired: %w", err)
	}
	return int(n), nil
}

// CountLiveQueueItems reports rows occupying queue capacity.
func (s *Store) CountLiveQueueItems(ctx domain.Context) (int, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.CountLive")
	defer span.End()

	var n int
	row := s.queryRow(ctx, `SELECT COUNT(*) FROM offline_queue WHERE status IN `+liveStatuses)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("op=queue.count_live: %w", err)
	}
	return n, nil
}

// QueueStatistics aggregates the queue for operators and recovery
// validation. ByPriority and ByItemType cover live rows only; ByStatus
// covers everything still in the table.
func (s *Store) QueueStatistics(ctx domain.Context, now time.Time) (domain.QueueStats, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Statistics")
	defer span.End()

	stats := domain.QueueStats{
		ByStatus:   make(map[domain.QueueStatus]int),
		ByPriority: make(map[domain.Priority]int),
		ByItemType: make(map[domain.ItemType]int),
	}

	rows, err := s.query(ctx, `SELECT status, COUNT(*) FROM offline_queue GROUP BY status`)
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=queue.statistics: by_status: %w", err)
	}
	for rows.Next() {
		var st domain.QueueStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			_ = rows.Close()
			return domain.QueueStats{}, fmt.Errorf("op=queue.statistics: by_status: %w", err)
		}
		stats.ByStatus[st] = n
		if st == domain.QueueStatusQueued || st == domain.QueueStatusProcessing {
			stats.Live += n
		}
	}
	if err := rows.Err(); err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=queue.statistics: by_status: %w", err)
	}
	_ = rows.Close()

	rows, err = s.query(ctx, `SELECT priority, item_type, COUNT(*) FROM offline_queue
		WHERE status IN `+liveStatuses+` GROUP BY priority, item_type`)
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=queue.statistics: live: %w", err)
	}
	for rows.Next() {
		var prio int
		var it domain.ItemType
		var n int
		if err := rows.Scan(&prio, &it, &n); err != nil {
			_ = rows.Close()
			return domain.QueueStats{}, fmt.Errorf("op=queue.statistics: live: %w", err)
		}
		stats.ByPriority[domain.Priority(prio)] += n
		stats.ByItemType[it] += n
	}
	if err := rows.Err(); err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=queue.statistics: live: %w", err)
	}
	_ = rows.Close()

	var oldest sql.NullString
	row := s.queryRow(ctx, `SELECT MIN(created_at) FROM offline_queue WHERE status = ?`, domain.QueueStatusQueued)
	if err := row.Scan(&oldest); err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=queue.statistics: oldest: %w", err)
	}
	if stats.OldestQueuedAt, err = parseTimePtr(oldest); err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=queue.statistics: oldest: %w", err)
	}

	row = s.queryRow(ctx, `SELECT COUNT(*) FROM offline_queue
		WHERE status IN `+liveStatuses+` AND expires_at IS NOT NULL AND expires_at <= ?`,
		s.fmtTime(now.Add(time.Hour)))
	if err := row.Scan(&stats.ExpiringSoon); err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=queue.statistics: expiring: %w", err)
	}
	return stats, nil
}

func scanQueueRow(scan func(dest ...any) error, op string) (domain.QueueItem, error) {
	var (
		it                   domain.QueueItem
		priority             int
		createdAt, updatedAt string
		expiresAt            sql.NullString
		meta                 []byte
	)
	err := scan(&it.ID, &it.ItemType, &it.ItemID, &priority, &it.Status, &createdAt, &updatedAt,
		&it.RetryCount, &it.MaxRetries, &expiresAt, &it.ErrorMessage, &meta)
	if err != nil {
		return domain.QueueItem{}, wrapScan(op, err)
	}
	it.Priority = domain.Priority(priority)
	if it.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.QueueItem{}, fmt.Errorf("op=%s: created_at: %w", op, err)
	}
	if it.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return domain.QueueItem{}, fmt.Errorf("op=%s: updated_at: %w", op, err)
	}
	if it.ExpiresAt, err = parseTimePtr(expiresAt); err != nil {
		return domain.QueueItem{}, fmt.Errorf("op=%s: expires_at: %w", op, err)
	}
	if it.Metadata, err = unmarshalMap(meta); err != nil {
		return domain.QueueItem{}, fmt.Errorf("op=%s: metadata: %w", op, err)
	}
	return it, nil
}
