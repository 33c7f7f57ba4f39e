package sqlstore

import (
	"database/sql"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/restogear/print-service/internal/domain"
)

const recoveryColumns = `id, recovery_type, phase, started_at, updated_at, completed_at, items_total, items_processed, items_failed, error_message, metadata_blob`

// SaveRecoverySession upserts the full session snapshot. The recovery
// manager is the single writer; the upsert makes phase updates one call.
func (s *Store) SaveRecoverySession(ctx domain.Context, sess domain.RecoverySession) error {
	tracer := otel.Tracer("repo.recovery")
	ctx, span := tracer.Start(ctx, "recovery.Save")
	defer span.End()

	meta, err := marshalMap(sess.Metadata)
	if err != nil {
		return fmt.Errorf("op=recovery.save: metadata: %w", err)
	}
	updatedAt := sess.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}
	_, err = s.exec(ctx, `INSERT INTO recovery_sessions (`+recoveryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			phase = excluded.phase,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at,
			items_total = excluded.items_total,
			items_processed = excluded.items_processed,
			items_failed = excluded.items_failed,
			error_message = excluded.error_message,
			metadata_blob = excluded.metadata_blob`,
		sess.ID, sess.RecoveryType, sess.Phase, s.fmtTime(sess.StartedAt), s.fmtTime(updatedAt),
		s.fmtTimePtr(sess.CompletedAt), sess.ItemsTotal, sess.ItemsProcessed, sess.ItemsFailed,
		sess.ErrorMessage, meta)
	if err != nil {
		return fmt.Errorf("op=recovery.save: %w", err)
	}
	return nil
}

// GetRecoverySession loads one session by id.
func (s *Store) GetRecoverySession(ctx domain.Context, id string) (domain.RecoverySession, error) {
	tracer := otel.Tracer("repo.recovery")
	ctx, span := tracer.Start(ctx, "recovery.Get")
	defer span.End()

	row := s.queryRow(ctx, `SELECT `+recoveryColumns+` FROM recovery_sessions WHERE id = ?`, id)
	return scanRecoveryRow(row.Scan, "recovery.get")
}

// LatestRecoverySession returns the most recently started session;
// ErrNotFound on a fresh store.
func (s *Store) LatestRecoverySession(ctx domain.Context) (domain.RecoverySession, error) {
	tracer := otel.Tracer("repo.recovery")
	ctx, span := tracer.Start(ctx, "recovery.Latest")
	defer span.End()

	row := s.queryRow(ctx, `SELECT `+recoveryColumns+` FROM recovery_sessions ORDER BY started_at DESC LIMIT 1`)
	return scanRecoveryRow(row.Scan, "recovery.latest")
}

// RecentRecoverySessions lists newest sessions first.
func (s *Store) RecentRecoverySessions(ctx domain.Context, limit int) ([]domain.RecoverySession, error) {
	tracer := otel.Tracer("repo.recovery")
	ctx, span := tracer.Start(ctx, "recovery.Recent")
	defer span.End()

	rows, err := s.query(ctx, `SELECT `+recoveryColumns+` FROM recovery_sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("op=recovery.recent: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []domain.RecoverySession
	for rows.Next() {
		sess, err := scanRecoveryRow(rows.Scan, "recovery.recent")
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// FailDanglingSessions marks sessions left non-terminal by a crash as
// failed. Runs at startup before the manager accepts triggers.
func (s *Store) FailDanglingSessions(ctx domain.Context, reason string) (int, error) {
	tracer := otel.Tracer("repo.recovery")
	ctx, span := tracer.Start(ctx, "recovery.FailDangling")
	defer span.End()

	now := s.fmtTime(s.now())
	res, err := s.exec(ctx, `UPDATE recovery_sessions
		SET phase = ?, error_message = ?, completed_at = ?, updated_at = ?
		WHERE phase IN (?, ?)`,
		domain.PhaseFailed, reason, now, now, domain.PhaseValidation, domain.PhaseProcessing)
	if err != nil {
		return 0, fmt.Errorf("op=recovery.fail_dangling: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("op=recovery.fail_dangling: %w", err)
	}
	return int(n), nil
}

func scanRecoveryRow(scan func(dest ...any) error, op string) (domain.RecoverySession, error) {
	var (
		sess                 domain.RecoverySession
		startedAt, updatedAt string
		completedAt          sql.NullString
		meta                 []byte
	)
	err := scan(&sess.ID, &sess.RecoveryType, &sess.Phase, &startedAt, &updatedAt, &completedAt,
		&sess.ItemsTotal, &sess.ItemsProcessed, &sess.ItemsFailed, &sess.ErrorMessage, &meta)
	if err != nil {
		return domain.RecoverySession{}, wrapScan(op, err)
	}
	if sess.StartedAt, err = parseTime(startedAt); err != nil {
		return domain.RecoverySession{}, fmt.Errorf("op=%s: started_at: %w", op, err)
	}
	if sess.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return domain.RecoverySession{}, fmt.Errorf("op=%s: updated_at: %w", op, err)
	}
	if sess.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return domain.RecoverySession{}, fmt.Errorf("op=%s: completed_at: %w", op, err)
	}
	if sess.Metadata, err = unmarshalMap(meta); err != nil {
		return domain.RecoverySession{}, fmt.Errorf("op=%s: metadata: %w", op, err)
	}
	return sess, nil
}
