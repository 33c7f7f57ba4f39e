package sqlstore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/restogear/print-service/internal/domain"
)

const jobColumns = `id, order_id, job_type, status, content_blob, attempts, max_attempts, created_at, updated_at, printed_at, error_message`

// CreatePrintJob inserts a new job and returns its id.
func (s *Store) CreatePrintJob(ctx domain.Context, j domain.PrintJob) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()

	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := j.Status
	if status == "" {
		status = domain.JobPending
	}
	maxAttempts := j.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultMaxAttempts
	}
	createdAt := j.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.exec(ctx, `INSERT INTO print_jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, j.OrderID, j.JobType, status, j.Content, j.Attempts, maxAttempts,
		s.fmtTime(createdAt), s.fmtTime(createdAt), s.fmtTimePtr(j.PrintedAt), j.ErrorMessage)
	if err != nil {
		return "", fmt.Errorf("op=jobs.create: %w", err)
	}
	return id, nil
}

// GetPrintJob loads a job by id.
func (s *Store) GetPrintJob(ctx domain.Context, id string) (domain.PrintJob, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()

	row := s.queryRow(ctx, `SELECT `+jobColumns+` FROM print_jobs WHERE id = ?`, id)
	return scanJobRow(row.Scan, "jobs.get")
}

// PendingPrintJobs lists dispatchable jobs oldest first. Jobs whose attempt
// budget is spent are excluded; they are repaired to failed elsewhere.
func (s *Store) PendingPrintJobs(ctx domain.Context) ([]domain.PrintJob, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Pending")
	defer span.End()

	rows, err := s.query(ctx, `SELECT `+jobColumns+` FROM print_jobs
		WHERE status = ? AND attempts < max_attempts
		ORDER BY created_at ASC`, domain.JobPending)
	if err != nil {
		return nil, fmt.Errorf("op=jobs.pending: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []domain.PrintJob
	for rows.Next() {
		j, err := scanJobRow(rows.Scan, "jobs.pending")
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// MarkJobPrinting flips pending to printing and spends one attempt in a
// single guarded statement, then returns the updated row. A job that is
// missing yields ErrNotFound; one in any other state yields ErrConflict.
func (s *Store) MarkJobPrinting(ctx domain.Context, id string) (domain.PrintJob, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkPrinting")
	defer span.End()

	res, err := s.exec(ctx, `UPDATE print_jobs
		SET status = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = ? AND attempts < max_attempts`,
		domain.JobPrinting, s.fmtTime(s.now()), id, domain.JobPending)
	if err != nil {
		return domain.PrintJob{}, fmt.Errorf("op=jobs.mark_printing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.PrintJob{}, fmt.Errorf("op=jobs.mark_printing: %w", err)
	}
	if n == 0 {
		if _, getErr := s.GetPrintJob(ctx, id); getErr != nil {
			return domain.PrintJob{}, fmt.Errorf("op=jobs.mark_printing: %w", domain.ErrNotFound)
		}
		return domain.PrintJob{}, fmt.Errorf("op=jobs.mark_printing: job %s not printable: %w", id, domain.ErrConflict)
	}
	return s.GetPrintJob(ctx, id)
}

// CompleteJob finalises a printing job. Completed is terminal; completing
// anything else reports ErrConflict.
func (s *Store) CompleteJob(ctx domain.Context, id string, printedAt time.Time) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Complete")
	defer span.End()

	res, err := s.exec(ctx, `UPDATE print_jobs
		SET status = ?, printed_at = ?, error_message = '', updated_at = ?
		WHERE id = ? AND status = ?`,
		domain.JobCompleted, s.fmtTime(printedAt), s.fmtTime(s.now()), id, domain.JobPrinting)
	if err != nil {
		return fmt.Errorf("op=jobs.complete: %w", err)
	}
	return s.requireTransition(ctx, res, id, "jobs.complete")
}

// FailJob terminally fails a job, keeping the last error for operators.
func (s *Store) FailJob(ctx domain.Context, id string, errMsg string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Fail")
	defer span.End()

	res, err := s.exec(ctx, `UPDATE print_jobs
		SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		domain.JobFailed, errMsg, s.fmtTime(s.now()), id, domain.JobPending, domain.JobPrinting)
	if err != nil {
		return fmt.Errorf("op=jobs.fail: %w", err)
	}
	return s.requireTransition(ctx, res, id, "jobs.fail")
}

// ReturnJobToPending puts a transiently failed job back for the next pass.
// The attempt spent by MarkJobPrinting stays spent.
func (s *Store) ReturnJobToPending(ctx domain.Context, id string, errMsg string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ReturnToPending")
	defer span.End()

	res, err := s.exec(ctx, `UPDATE print_jobs
		SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		domain.JobPending, errMsg, s.fmtTime(s.now()), id, domain.JobPrinting)
	if err != nil {
		return fmt.Errorf("op=jobs.return_to_pending: %w", err)
	}
	return s.requireTransition(ctx, res, id, "jobs.return_to_pending")
}

// CompleteQueuedPrint removes the drained queue row and completes its job
// inside one transaction, queue delete first. An already-completed job does
// not abort the transaction; the queue row still goes away.
func (s *Store) CompleteQueuedPrint(ctx domain.Context, queueItemID, jobID string, printedAt time.Time) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CompleteQueuedPrint")
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("op=jobs.complete_queued_print: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM offline_queue WHERE id = ?`), queueItemID); err != nil {
		return fmt.Errorf("op=jobs.complete_queued_print: dequeue: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.rebind(`UPDATE print_jobs
		SET status = ?, printed_at = ?, error_message = '', updated_at = ?
		WHERE id = ? AND status IN (?, ?)`),
		domain.JobCompleted, s.fmtTime(printedAt), s.fmtTime(s.now()), jobID, domain.JobPending, domain.JobPrinting)
	if err != nil {
		return fmt.Errorf("op=jobs.complete_queued_print: complete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("op=jobs.complete_queued_print: commit: %w", err)
	}
	return nil
}

// ResetFailedJobs returns every failed job to pending with a fresh attempt
// budget. Used by the operator retry surface and printer recovery.
func (s *Store) ResetFailedJobs(ctx domain.Context) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ResetFailed")
	defer span.End()

	res, err := s.exec(ctx, `UPDATE print_jobs
		SET status = ?, attempts = 0, error_message = '', updated_at = ?
		WHERE status = ?`,
		domain.JobPending, s.fmtTime(s.now()), domain.JobFailed)
	if err != nil {
		return 0, fmt.Errorf("op=jobs.reset_failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("op=jobs.reset_failed: %w", err)
	}
	return int(n), nil
}

// ResetStalePrinting repairs jobs stranded in printing by a crash: back to
// pending while budget remains, terminally failed otherwise.
func (s *Store) ResetStalePrinting(ctx domain.Context, cutoff time.Time) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ResetStalePrinting")
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("op=jobs.reset_stale_printing: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.fmtTime(s.now())
	cut := s.fmtTime(cutoff)

	failed, err := tx.ExecContext(ctx, s.rebind(`UPDATE print_jobs
		SET status = ?, error_message = 'stale printing: attempt budget spent', updated_at = ?
		WHERE status = ? AND updated_at < ? AND attempts >= max_attempts`),
		domain.JobFailed, now, domain.JobPrinting, cut)
	if err != nil {
		return 0, fmt.Errorf("op=jobs.reset_stale_printing: fail: %w", err)
	}
	requeued, err := tx.ExecContext(ctx, s.rebind(`UPDATE print_jobs
		SET status = ?, updated_at = ?
		WHERE status = ? AND updated_at < ? AND attempts < max_attempts`),
		domain.JobPending, now, domain.JobPrinting, cut)
	if err != nil {
		return 0, fmt.Errorf("op=jobs.reset_stale_printing: requeue: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("op=jobs.reset_stale_printing: commit: %w", err)
	}
	nf, _ := failed.RowsAffected()
	nr, _ := requeued.RowsAffected()
	return int(nf + nr), nil
}

// JobStatistics aggregates print_jobs for the operator surface. Always
// computed fresh; nothing here is cached.
func (s *Store) JobStatistics(ctx domain.Context) (domain.JobStats, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Statistics")
	defer span.End()

	stats := domain.JobStats{
		ByStatus: make(map[domain.JobStatus]int),
		ByType:   make(map[domain.JobType]int),
	}

	rows, err := s.query(ctx, `SELECT status, COUNT(*) FROM print_jobs GROUP BY status`)
	if err != nil {
		return domain.JobStats{}, fmt.Errorf("op=jobs.statistics: by_status: %w", err)
	}
	for rows.Next() {
		var st domain.JobStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			_ = rows.Close()
			return domain.JobStats{}, fmt.Errorf("op=jobs.statistics: by_status: %w", err)
		}
		stats.ByStatus[st] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return domain.JobStats{}, fmt.Errorf("op=jobs.statistics: by_status: %w", err)
	}
	_ = rows.Close()

	rows, err = s.query(ctx, `SELECT job_type, COUNT(*) FROM print_jobs GROUP BY job_type`)
	if err != nil {
		return domain.JobStats{}, fmt.Errorf("op=jobs.statistics: by_type: %w", err)
	}
	for rows.Next() {
		var jt domain.JobType
		var n int
		if err := rows.Scan(&jt, &n); err != nil {
			_ = rows.Close()
			return domain.JobStats{}, fmt.Errorf("op=jobs.statistics: by_type: %w", err)
		}
		stats.ByType[jt] = n
	}
	if err := rows.Err(); err != nil {
		return domain.JobStats{}, fmt.Errorf("op=jobs.statistics: by_type: %w", err)
	}
	_ = rows.Close()

	dayStart := s.now().UTC().Truncate(24 * time.Hour)
	row := s.queryRow(ctx, `SELECT
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM print_jobs WHERE updated_at >= ?`,
		domain.JobCompleted, domain.JobFailed, s.fmtTime(dayStart))
	if err := row.Scan(&stats.CompletedToday, &stats.FailedToday); err != nil {
		return domain.JobStats{}, fmt.Errorf("op=jobs.statistics: today: %w", err)
	}
	return stats, nil
}

// requireTransition maps a zero-row guarded update onto the error taxonomy.
func (s *Store) requireTransition(ctx domain.Context, res sql.Result, id, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("op=%s: %w", op, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetPrintJob(ctx, id); err != nil {
		return fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
	}
	return fmt.Errorf("op=%s: job %s wrong status: %w", op, id, domain.ErrConflict)
}

func scanJobRow(scan func(dest ...any) error, op string) (domain.PrintJob, error) {
	var (
		j                    domain.PrintJob
		createdAt, updatedAt string
		printedAt            sql.NullString
	)
	err := scan(&j.ID, &j.OrderID, &j.JobType, &j.Status, &j.Content, &j.Attempts, &j.MaxAttempts,
		&createdAt, &updatedAt, &printedAt, &j.ErrorMessage)
	if err != nil {
		return domain.PrintJob{}, wrapScan(op, err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.PrintJob{}, fmt.Errorf("op=%s: created_at: %w", op, err)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return domain.PrintJob{}, fmt.Errorf("op=%s: updated_at: %w", op, err)
	}
	if j.PrintedAt, err = parseTimePtr(printedAt); err != nil {
		return domain.PrintJob{}, fmt.Errorf("op=%s: printed_at: %w", op, err)
	}
	return j, nil
}
