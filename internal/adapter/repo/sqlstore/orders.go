package sqlstore

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/restogear/print-service/internal/domain"
)

const orderColumns = `id, external_order_id, status, items_blob, customer_blob, delivery_blob, total_amount, currency, created_at, raw_blob`

// SaveOrder upserts an order row keyed on id; created_at and the external
// id never change on replay. The caller assigns the id (UUID online,
// LOCAL_* offline); a second id for the same external id surfaces the
// store's unique violation.
func (s *Store) SaveOrder(ctx domain.Context, o domain.Order) error {
	tracer := otel.Tracer("repo.orders")
	ctx, span := tracer.Start(ctx, "orders.Save")
	defer span.End()

	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("op=orders.save: items: %w", err)
	}
	customer, err := json.Marshal(o.Customer)
	if err != nil {
		return fmt.Errorf("op=orders.save: customer: %w", err)
	}
	delivery, err := json.Marshal(o.Delivery)
	if err != nil {
		return fmt.Errorf("op=orders.save: delivery: %w", err)
	}
	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err = s.exec(ctx, `INSERT INTO orders (`+orderColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			items_blob = excluded.items_blob,
			customer_blob = excluded.customer_blob,
			delivery_blob = excluded.delivery_blob,
			total_amount = excluded.total_amount,
			currency = excluded.currency,
			raw_blob = excluded.raw_blob`,
		o.ID, o.ExternalOrderID, o.Status, string(items), string(customer), string(delivery),
		o.TotalAmount, o.Currency, s.fmtTime(createdAt), o.RawPayload)
	if err != nil {
		return fmt.Errorf("op=orders.save: %w", err)
	}
	return nil
}

// GetOrder loads an order by internal id.
func (s *Store) GetOrder(ctx domain.Context, id string) (domain.Order, error) {
	tracer := otel.Tracer("repo.orders")
	ctx, span := tracer.Start(ctx, "orders.Get")
	defer span.End()

	row := s.queryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	return scanOrder(row, "orders.get")
}

// GetOrderByExternalID loads an order by the id the upstream system sent.
func (s *Store) GetOrderByExternalID(ctx domain.Context, externalID string) (domain.Order, error) {
	tracer := otel.Tracer("repo.orders")
	ctx, span := tracer.Start(ctx, "orders.GetByExternalID")
	defer span.End()

	row := s.queryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE external_order_id = ?`, externalID)
	return scanOrder(row, "orders.get_by_external_id")
}

func scanOrder(row *sql.Row, op string) (domain.Order, error) {
	var (
		o                         domain.Order
		items, customer, delivery []byte
		createdAt                 string
	)
	err := row.Scan(&o.ID, &o.ExternalOrderID, &o.Status, &items, &customer, &delivery,
		&o.TotalAmount, &o.Currency, &createdAt, &o.RawPayload)
	if err != nil {
		return domain.Order{}, wrapScan(op, err)
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return domain.Order{}, fmt.Errorf("op=%s: items: %w", op, err)
	}
	if err := json.Unmarshal(customer, &o.Customer); err != nil {
		return domain.Order{}, fmt.Errorf("op=%s: customer: %w", op, err)
	}
	if err := json.Unmarshal(delivery, &o.Delivery); err != nil {
		return domain.Order{}, fmt.Errorf("op=%s: delivery: %w", op, err)
	}
	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.Order{}, fmt.Errorf("op=%s: created_at: %w", op, err)
	}
	return o, nil
}
