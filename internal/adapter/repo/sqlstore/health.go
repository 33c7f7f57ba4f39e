package sqlstore

import (
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/restogear/print-service/internal/domain"
)

// AppendHealthMetric persists one resource sample.
func (s *Store) AppendHealthMetric(ctx domain.Context, m domain.HealthMetric) error {
	tracer := otel.Tracer("repo.health")
	ctx, span := tracer.Start(ctx, "health.AppendMetric")
	defer span.End()

	id := m.ID
	if id == "" {
		id = uuid.New().String()
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	meta, err := marshalMap(m.Metadata)
	if err != nil {
		return fmt.Errorf("op=health.append_metric: metadata: %w", err)
	}
	_, err = s.exec(ctx, `INSERT INTO health_metrics (id, resource_type, timestamp, value, status, metadata_blob)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, m.ResourceType, s.fmtTime(ts), m.Value, m.Status, meta)
	if err != nil {
		return fmt.Errorf("op=health.append_metric: %w", err)
	}
	return nil
}

// RecentHealthMetrics lists the newest samples for one resource.
func (s *Store) RecentHealthMetrics(ctx domain.Context, resource domain.ResourceType, limit int) ([]domain.HealthMetric, error) {
	tracer := otel.Tracer("repo.health")
	ctx, span := tracer.Start(ctx, "health.RecentMetrics")
	defer span.End()

	rows, err := s.query(ctx, `SELECT id, resource_type, timestamp, value, status, metadata_blob
		FROM health_metrics WHERE resource_type = ? ORDER BY timestamp DESC LIMIT ?`, resource, limit)
	if err != nil {
		return nil, fmt.Errorf("op=health.recent_metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var metrics []domain.HealthMetric
	for rows.Next() {
		var (
			m    domain.HealthMetric
			ts   string
			meta []byte
		)
		if err := rows.Scan(&m.ID, &m.ResourceType, &ts, &m.Value, &m.Status, &meta); err != nil {
			return nil, fmt.Errorf("op=health.recent_metrics: %w", err)
		}
		if m.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("op=health.recent_metrics: timestamp: %w", err)
		}
		if m.Metadata, err = unmarshalMap(meta); err != nil {
			return nil, fmt.Errorf("op=health.recent_metrics: metadata: %w", err)
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// AppendSelfHealingEvent records a cleanup run for audit.
func (s *Store) AppendSelfHealingEvent(ctx domain.Context, e domain.SelfHealingEvent) error {
	tracer := otel.Tracer("repo.health")
	ctx, span := tracer.Start(ctx, "health.AppendSelfHealing")
	defer span.End()

	id := e.ID
	if id == "" {
		id = uuid.New().String()
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	details, err := marshalMap(e.Details)
	if err != nil {
		return fmt.Errorf("op=health.append_self_healing: details: %w", err)
	}
	_, err = s.exec(ctx, `INSERT INTO self_healing_events (id, event_type, resource_type, timestamp, details_blob)
		VALUES (?, ?, ?, ?, ?)`,
		id, e.EventType, e.ResourceType, s.fmtTime(ts), details)
	if err != nil {
		return fmt.Errorf("op=health.append_self_healing: %w", err)
	}
	return nil
}
