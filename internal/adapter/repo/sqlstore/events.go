package sqlstore

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/restogear/print-service/internal/domain"
)

// AppendConnectivityEvent records one transition in the append-only log.
func (s *Store) AppendConnectivityEvent(ctx domain.Context, e domain.ConnectivityEvent) error {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.Append")
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
		return fmt.Errorf("op=events.append: details: %w", err)
	}
	var durOffline any
	if e.DurationOffline != nil {
		durOffline = int64(*e.DurationOffline)
	}
	_, err = s.exec(ctx, `INSERT INTO connectivity_events
		(id, event_type, component, status, timestamp, duration_offline, details_blob)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, e.EventType, e.Component, e.Status, s.fmtTime(ts), durOffline, details)
	if err != nil {
		return fmt.Errorf("op=events.append: %w", err)
	}
	return nil
}

// RecentConnectivityEvents lists the newest events first.
func (s *Store) RecentConnectivityEvents(ctx domain.Context, limit int) ([]domain.ConnectivityEvent, error) {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.Recent")
	defer span.End()

	rows, err := s.query(ctx, `SELECT id, event_type, component, status, timestamp, duration_offline, details_blob
		FROM connectivity_events ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("op=events.recent: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []domain.ConnectivityEvent
	for rows.Next() {
		var (
			e       domain.ConnectivityEvent
			ts      string
			dur     sql.NullInt64
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.EventType, &e.Component, &e.Status, &ts, &dur, &details); err != nil {
			return nil, fmt.Errorf("op=events.recent: %w", err)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("op=events.recent: timestamp: %w", err)
		}
		e.DurationOffline = durPtr(dur)
		if e.Details, err = unmarshalMap(details); err != nil {
			return nil, fmt.Errorf("op=events.recent: details: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
