package sqlstore

import (
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/restogear/print-service/internal/domain"
)

// AppendNotification records one delivery attempt, success or not.
func (s *Store) AppendNotification(ctx domain.Context, r domain.NotificationRecord) error {
	tracer := otel.Tracer("repo.notifications")
	ctx, span := tracer.Start(ctx, "notifications.Append")
	defer span.End()

	id := r.ID
	if id == "" {
		id = uuid.New().String()
	}
	sentAt := r.SentAt
	if sentAt.IsZero() {
		sentAt = s.now()
	}
	contextBlob, err := marshalMap(r.Context)
	if err != nil {
		return fmt.Errorf("op=notifications.append: context: %w", err)
	}
	_, err = s.exec(ctx, `INSERT INTO notification_history
		(id, notification_type, context_blob, success, sent_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, r.Type, contextBlob, r.Success, s.fmtTime(sentAt), r.ErrorMessage)
	if err != nil {
		return fmt.Errorf("op=notifications.append: %w", err)
	}
	return nil
}

// RecentNotifications lists newest deliveries first.
func (s *Store) RecentNotifications(ctx domain.Context, limit int) ([]domain.NotificationRecord, error) {
	tracer := otel.Tracer("repo.notifications")
	ctx, span := tracer.Start(ctx, "notifications.Recent")
	defer span.End()

	rows, err := s.query(ctx, `SELECT id, notification_type, context_blob, success, sent_at, error_message
		FROM notification_history ORDER BY sent_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("op=notifications.recent: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []domain.NotificationRecord
	for rows.Next() {
		var (
			r           domain.NotificationRecord
			contextBlob []byte
			sentAt      string
		)
		if err := rows.Scan(&r.ID, &r.Type, &contextBlob, &r.Success, &sentAt, &r.ErrorMessage); err != nil {
			return nil, fmt.Errorf("op=notifications.recent: %w", err)
		}
		if r.SentAt, err = parseTime(sentAt); err != nil {
			return nil, fmt.Errorf("op=notifications.recent: sent_at: %w", err)
		}
		if r.Context, err = unmarshalMap(contextBlob); err != nil {
			return nil, fmt.Errorf("op=notifications.recent: context: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetNotificationConfig reads one config value by key.
func (s *Store) GetNotificationConfig(ctx domain.Context, key string) (string, error) {
	tracer := otel.Tracer("repo.notifications")
	ctx, span := tracer.Start(ctx, "notifications.GetConfig")
	defer span.End()

	var value string
	row := s.queryRow(ctx, `SELECT value FROM notification_config WHERE key = ?`, key)
	if err := row.Scan(&value); err != nil {
		return "", wrapScan("notifications.get_config", err)
	}
	return value, nil
}

// SetNotificationConfig upserts one config entry.
func (s *Store) SetNotificationConfig(ctx domain.Context, key, value, typ, description string) error {
	tracer := otel.Tracer("repo.notifications")
	ctx, span := tracer.Start(ctx, "notifications.SetConfig")
	defer span.End()

	_, err := s.exec(ctx, `INSERT INTO notification_config (key, value, type, description)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, type = excluded.type, description = excluded.description`,
		key, value, typ, description)
	if err != nil {
		return fmt.Errorf("op=notifications.set_config: %w", err)
	}
	return nil
}

// UpsertNotificationTemplate stores the subject/body pair for one type.
func (s *Store) UpsertNotificationTemplate(ctx domain.Context, t domain.NotificationTemplate) error {
	tracer := otel.Tracer("repo.notifications")
	ctx, span := tracer.Start(ctx, "notifications.UpsertTemplate")
	defer span.End()

	_, err := s.exec(ctx, `INSERT INTO notification_templates
		(notification_type, subject, body, html, throttle_minutes, max_per_hour, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (notification_type) DO UPDATE SET
			subject = excluded.subject,
			body = excluded.body,
			html = excluded.html,
			throttle_minutes = excluded.throttle_minutes,
			max_per_hour = excluded.max_per_hour,
			enabled = excluded.enabled`,
		t.Type, t.Subject, t.Body, t.HTML, t.ThrottleMinutes, t.MaxPerHour, t.Enabled)
	if err != nil {
		return fmt.Errorf("op=notifications.upsert_template: %w", err)
	}
	return nil
}

// GetNotificationTemplate loads the template for one type.
func (s *Store) GetNotificationTemplate(ctx domain.Context, typ domain.NotificationType) (domain.NotificationTemplate, error) {
	tracer := otel.Tracer("repo.notifications")
	ctx, span := tracer.Start(ctx, "notifications.GetTemplate")
	defer span.End()

	row := s.queryRow(ctx, `SELECT notification_type, subject, body, html, throttle_minutes, max_per_hour, enabled
		FROM notification_templates WHERE notification_type = ?`, typ)
	var t domain.NotificationTemplate
	err := row.Scan(&t.Type, &t.Subject, &t.Body, &t.HTML, &t.ThrottleMinutes, &t.MaxPerHour, &t.Enabled)
	if err != nil {
		return domain.NotificationTemplate{}, wrapScan("notifications.get_template", err)
	}
	return t, nil
}

// ListNotificationTemplates returns every stored template.
func (s *Store) ListNotificationTemplates(ctx domain.Context) ([]domain.NotificationTemplate, error) {
	tracer := otel.Tracer("repo.notifications")
	ctx, span := tracer.Start(ctx, "notifications.ListTemplates")
	defer span.End()

	rows, err := s.query(ctx, `SELECT notification_type, subject, body, html, throttle_minutes, max_per_hour, enabled
		FROM notification_templates ORDER BY notification_type`)
	if err != nil {
		return nil, fmt.Errorf("op=notifications.list_templates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var templates []domain.NotificationTemplate
	for rows.Next() {
		var t domain.NotificationTemplate
		if err := rows.Scan(&t.Type, &t.Subject, &t.Body, &t.HTML, &t.ThrottleMinutes, &t.MaxPerHour, &t.Enabled); err != nil {
			return nil, fmt.Errorf("op=notifications.list_templates: %w", err)
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}
