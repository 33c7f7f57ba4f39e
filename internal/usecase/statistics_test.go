package usecase

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/restogear/print-service/internal/adapter/repo/sqlstore"
	"github.com/restogear/print-service/internal/domain"
	"github.com/restogear/print-service/internal/service/offlinequeue"
)

func TestStatsService(t *testing.T) {
	ctx := context.Background()
	store, err := sqlstore.OpenSQLite(filepath.Join(t.TempDir(), "stats.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx))

	queue := offlinequeue.New(store, offlinequeue.Options{})
	svc := NewStatsService(store, queue)

	require.NoError(t, store.SaveOrder(ctx, domain.Order{
		ID: "ord-1", ExternalOrderID: "EXT-1", Status: domain.OrderPending,
		Items: []domain.OrderItem{{Name: "Rice", Quantity: 1}},
	}))
	for _, jt := range []domain.JobType{domain.JobTypeKitchen, domain.JobTypeCustomer} {
		_, err := store.CreatePrintJob(ctx, domain.PrintJob{OrderID: "ord-1", JobType: jt, Content: []byte("x")})
		require.NoError(t, err)
	}
	_, err = queue.EnqueueOrder(ctx, domain.Order{ID: "ord-1"}, 0)
	require.NoError(t, err)

	jobs, err := svc.JobStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, jobs.Total)
	assert.Equal(t, 2, jobs.ByStatus[domain.JobPending])
	assert.Equal(t, 1, jobs.ByType[domain.JobTypeKitchen])

	overview, err := svc.QueueStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, overview.Stats.Live)
	assert.Equal(t, 1, overview.Recovery.QueuedItems)
	assert.Equal(t, offlinequeue.UrgencyLow, overview.Recovery.Urgency)
}
