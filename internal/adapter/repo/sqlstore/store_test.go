package sqlstore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/restogear/print-service/internal/adapter/repo/sqlstore"
	"github.com/restogear/print-service/internal/domain"
)

func newTestStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	s, err := sqlstore.OpenSQLite(filepath.Join(t.TempDir(), "print.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seedOrder(t *testing.T, s *sqlstore.Store, id, externalID string) domain.Order {
	t.Helper()
	o := domain.Order{
		ID:              id,
		ExternalOrderID: externalID,
		Status:          domain.OrderPending,
		Items: []domain.OrderItem{
			{ID: "i-1", Name: "Margherita", Quantity: 2, UnitPrice: 9.5},
		},
		Customer:    domain.Customer{Name: "Alex", Phone: "+3161234"},
		Delivery:    domain.Delivery{Street: "Kerkstraat 1", City: "Amsterdam"},
		TotalAmount: 19.0,
		Currency:    "EUR",
		RawPayload:  []byte(`{"externalOrderId":"` + externalID + `"}`),
	}
	require.NoError(t, s.SaveOrder(context.Background(), o))
	return o
}

func TestOpenDispatch(t *testing.T) {
	s, err := sqlstore.Open(sqlstore.DriverSQLite, filepath.Join(t.TempDir(), "x.db"))
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())

	_, err = sqlstore.Open("oracle", "dsn")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestMigrateIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	// Running again must be a no-op, not an error.
	require.NoError(t, s.Migrate(ctx))
	v2, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, v, v2)
}

func TestMigrateDownAndBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.MigrateDown(ctx, 2))
	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, v)

	// Rolled-back tables are really gone.
	_, err = s.LatestRecoverySession(ctx)
	require.Error(t, err)

	require.NoError(t, s.Migrate(ctx))
	v, err = s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	_, err = s.LatestRecoverySession(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOrderRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	want := seedOrder(t, s, "ord-1", "EXT-1001")

	got, err := s.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, want.ExternalOrderID, got.ExternalOrderID)
	assert.Equal(t, want.Items, got.Items)
	assert.Equal(t, want.Customer, got.Customer)
	assert.Equal(t, want.Delivery, got.Delivery)
	assert.Equal(t, want.TotalAmount, got.TotalAmount)
	assert.Equal(t, want.RawPayload, got.RawPayload)
	assert.False(t, got.CreatedAt.IsZero())

	byExt, err := s.GetOrderByExternalID(ctx, "EXT-1001")
	require.NoError(t, err)
	assert.Equal(t, "ord-1", byExt.ID)

	_, err = s.GetOrder(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOrderDuplicateExternalID(t *testing.T) {
	s := newTestStore(t)
	seedOrder(t, s, "ord-1", "EXT-1001")

	dup := domain.Order{
		ID:              "ord-2",
		ExternalOrderID: "EXT-1001",
		Status:          domain.OrderPending,
		Items:           []domain.OrderItem{{ID: "i", Name: "Cola", Quantity: 1, UnitPrice: 2}},
		Currency:        "EUR",
	}
	err := s.SaveOrder(context.Background(), dup)
	require.Error(t, err, "unique external_order_id must hold")
}

func TestOrderSaveIsUpsert(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	o := seedOrder(t, s, "ord-1", "EXT-1001")

	o.Status = domain.OrderCompleted
	o.TotalAmount = 21.5
	require.NoError(t, s.SaveOrder(ctx, o), "same-id replay must not error")

	got, err := s.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCompleted, got.Status)
	assert.Equal(t, 21.5, got.TotalAmount)
	assert.Equal(t, "EXT-1001", got.ExternalOrderID)
}
