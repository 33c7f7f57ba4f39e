package sqlstore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/restogear/print-service/internal/domain"
)

// AppendRetryAttempt records one attempt of a retryable task.
func (s *Store) AppendRetryAttempt(ctx domain.Context, taskID string, ft domain.FailureType, a domain.RetryAttempt) error {
	tracer := otel.Tracer("repo.retrylog")
	ctx, span := tracer.Start(ctx, "retrylog.Append")
	defer span.End()

	ts := a.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	_, err := s.exec(ctx, `INSERT INTO retry_attempts
		(id, task_id, attempt_number, timestamp, delay_before, success, duration, error_message, failure_type, dead_letter_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		uuid.New().String(), taskID, a.AttemptNumber, s.fmtTime(ts),
		int64(a.DelayBefore), a.Success, int64(a.Duration), a.ErrorMessage, ft)
	if err != nil {
		return fmt.Errorf("op=retrylog.append: %w", err)
	}
	return nil
}

// MarkTaskDeadLettered stamps every attempt row of an exhausted task.
func (s *Store) MarkTaskDeadLettered(ctx domain.Context, taskID string, at time.Time) error {
	tracer := otel.Tracer("repo.retrylog")
	ctx, span := tracer.Start(ctx, "retrylog.MarkDeadLettered")
	defer span.End()

	_, err := s.exec(ctx, `UPDATE retry_attempts SET dead_letter_at = ? WHERE task_id = ?`,
		s.fmtTime(at), taskID)
	if err != nil {
		return fmt.Errorf("op=retrylog.mark_dead_lettered: %w", err)
	}
	return nil
}

// ClearDeadLetter unstamps a requeued task.
func (s *Store) ClearDeadLetter(ctx domain.Context, taskID string) error {
	tracer := otel.Tracer("repo.retrylog")
	ctx, span := tracer.Start(ctx, "retrylog.ClearDeadLetter")
	defer span.End()

	_, err := s.exec(ctx, `UPDATE retry_attempts SET dead_letter_at = NULL WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("op=retrylog.clear_dead_letter: %w", err)
	}
	return nil
}

// TaskAttempts returns a task's attempt log in attempt order.
func (s *Store) TaskAttempts(ctx domain.Context, taskID string) ([]domain.RetryAttempt, error) {
	tracer := otel.Tracer("repo.retrylog")
	ctx, span := tracer.Start(ctx, "retrylog.TaskAttempts")
	defer span.End()

	rows, err := s.query(ctx, `SELECT attempt_number, timestamp, delay_before, success, duration, error_message
		FROM retry_attempts WHERE task_id = ? ORDER BY attempt_number ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("op=retrylog.task_attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var attempts []domain.RetryAttempt
	for rows.Next() {
		var (
			a        domain.RetryAttempt
			ts       string
			delay    int64
			duration sql.NullInt64
		)
		if err := rows.Scan(&a.AttemptNumber, &ts, &delay, &a.Success, &duration, &a.ErrorMessage); err != nil {
			return nil, fmt.Errorf("op=retrylog.task_attempts: %w", err)
		}
		if a.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("op=retrylog.task_attempts: timestamp: %w", err)
		}
		a.DelayBefore = time.Duration(delay)
		if duration.Valid {
			a.Duration = time.Duration(duration.Int64)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
