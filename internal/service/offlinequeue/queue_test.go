package offlinequeue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/restogear/print-service/internal/adapter/repo/sqlstore"
	"github.com/restogear/print-service/internal/domain"
)

func newTestService(t *testing.T, opts Options) (*Service, *sqlstore.Store) {
	t.Helper()
	store, err := sqlstore.OpenSQLite(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return New(store, opts), store
}

func testJob(id string, jobType domain.JobType) domain.PrintJob {
	return domain.PrintJob{ID: id, OrderID: "ord-1", JobType: jobType}
}

func TestEnqueuePrintJobDefaults(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, Options{})
	at := time.Date(2026, 3, 14, 18, 30, 0, 0, time.UTC)
	svc.now = func() time.Time { return at }

	id, err := svc.EnqueuePrintJob(ctx, testJob("job-1", domain.JobTypeKitchen), 0)
	require.NoError(t, err)

	it, err := store.GetQueueItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityHigh, it.Priority, "kitchen jobs jump the line")
	assert.Equal(t, domain.QueueStatusQueued, it.Status)
	assert.Equal(t, domain.DefaultQueueMaxRetries, it.MaxRetries)
	require.NotNil(t, it.ExpiresAt)
	assert.Equal(t, at.Add(domain.DefaultQueueItemTTL), it.ExpiresAt.UTC())
	assert.Equal(t, "kitchen", it.Metadata["job_type"])
	assert.Equal(t, "ord-1", it.Metadata["order_id"])

	// An explicit priority wins over the job-type default.
	id2, err := svc.EnqueuePrintJob(ctx, testJob("job-2", domain.JobTypeKitchen), domain.PriorityLow)
	require.NoError(t, err)
	it2, err := store.GetQueueItem(ctx, id2)
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityLow, it2.Priority)
}

func TestEnqueueOrderDefaultsToNormal(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, Options{})

	id, err := svc.EnqueueOrder(ctx, domain.Order{ID: "ord-1", ExternalOrderID: "EXT-7"}, 0)
	require.NoError(t, err)

	it, err := store.GetQueueItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemTypeOrder, it.ItemType)
	assert.Equal(t, domain.PriorityNormal, it.Priority)
	assert.Equal(t, "EXT-7", it.Metadata["external_order_id"])
}

func TestEnqueueDeduplicates(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Options{})

	first, err := svc.EnqueuePrintJob(ctx, testJob("job-1", domain.JobTypeCustomer), 0)
	require.NoError(t, err)
	second, err := svc.EnqueuePrintJob(ctx, testJob("job-1", domain.JobTypeCustomer), 0)
	require.NoError(t, err, "re-enqueueing a live item is not an error")
	assert.Equal(t, first, second)
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Options{MaxSize: 2})

	_, err := svc.EnqueuePrintJob(ctx, testJob("job-1", domain.JobTypeKitchen), 0)
	require.NoError(t, err)
	_, err = svc.EnqueuePrintJob(ctx, testJob("job-2", domain.JobTypeKitchen), 0)
	require.NoError(t, err)

	_, err = svc.EnqueuePrintJob(ctx, testJob("job-3", domain.JobTypeKitchen), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrQueueFull)

	// Draining an item frees capacity.
	items, err := svc.NextItems(ctx, domain.ItemTypePrintJob, 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NoError(t, svc.Remove(ctx, items[0].ID))
	_, err = svc.EnqueuePrintJob(ctx, testJob("job-3", domain.JobTypeKitchen), 0)
	assert.NoError(t, err)
}

func TestClaimBatch(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Options{})

	a, err := svc.EnqueuePrintJob(ctx, testJob("job-a", domain.JobTypeKitchen), 0)
	require.NoError(t, err)
	b, err := svc.EnqueuePrintJob(ctx, testJob("job-b", domain.JobTypeKitchen), 0)
	require.NoError(t, err)

	ok, err := svc.ClaimBatch(ctx, []string{a, b})
	require.NoError(t, err)
	assert.True(t, ok)

	// The rows are processing now, so a re-claim is partial (zero, here).
	ok, err = svc.ClaimBatch(ctx, []string{a, b})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.ClaimBatch(ctx, nil)
	require.NoError(t, err)
	assert.True(t, ok, "an empty batch is trivially claimed")
}

func TestCleanupExpired(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, Options{ItemTTL: time.Minute})
	at := time.Date(2026, 3, 14, 18, 30, 0, 0, time.UTC)
	svc.now = func() time.Time { return at }

	id, err := svc.EnqueuePrintJob(ctx, testJob("job-1", domain.JobTypeKitchen), 0)
	require.NoError(t, err)

	n, err := svc.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing expired yet")

	svc.now = func() time.Time { return at.Add(2 * time.Minute) }
	n, err = svc.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	it, err := store.GetQueueItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusExpired, it.Status)
}

func TestStatisticsPassthrough(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Options{})

	_, err := svc.EnqueuePrintJob(ctx, testJob("job-1", domain.JobTypeKitchen), 0)
	require.NoError(t, err)
	_, err = svc.EnqueueOrder(ctx, domain.Order{ID: "ord-9"}, 0)
	require.NoError(t, err)

	stats, err := svc.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Live)
	assert.Equal(t, 2, stats.ByStatus[domain.QueueStatusQueued])
}

func TestRecoveryStatisticsUrgency(t *testing.T) {
	base := time.Date(2026, 3, 14, 6, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		ttl     time.Duration
		age     time.Duration
		queued  bool
		urgency Urgency
	}{
		{"empty queue", 0, 0, false, UrgencyNone},
		{"fresh backlog", 0, 30 * time.Minute, true, UrgencyLow},
		{"hours old", 0, 3 * time.Hour, true, UrgencyMedium},
		{"most of a shift", 0, 7 * time.Hour, true, UrgencyHigh},
		{"older than half a day", 0, 13 * time.Hour, true, UrgencyCritical},
		{"expiry bumps a level", 90 * time.Minute, time.Hour, true, UrgencyMedium},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			svc, _ := newTestService(t, Options{ItemTTL: tt.ttl})
			svc.now = func() time.Time { return base }

			if tt.queued {
				_, err := svc.EnqueuePrintJob(ctx, testJob("job-1", domain.JobTypeKitchen), 0)
				require.NoError(t, err)
			}

			svc.now = func() time.Time { return base.Add(tt.age) }
			rs, err := svc.RecoveryStatistics(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.urgency, rs.Urgency)
			if tt.queued {
				assert.Equal(t, 1, rs.QueuedItems)
				assert.Equal(t, tt.age, rs.OldestQueuedAge)
			}
		})
	}
}

func TestIncrementRetryReturnsItemToQueue(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, Options{})

	id, err := svc.EnqueuePrintJob(ctx, testJob("job-1", domain.JobTypeKitchen), 0)
	require.NoError(t, err)
	ok, err := svc.ClaimBatch(ctx, []string{id})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, svc.IncrementRetry(ctx, id))
	it, err := store.GetQueueItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, it.RetryCount)
	assert.Equal(t, domain.QueueStatusQueued, it.Status)

	require.NoError(t, svc.UpdateStatus(ctx, id, domain.QueueStatusFailed, "printer rejected job"))
	it, err = store.GetQueueItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusFailed, it.Status)
	assert.Equal(t, "printer rejected job", it.ErrorMessage)
}
