package sqlstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/restogear/print-service/internal/domain"
)

func TestCreateQueueItemDeduplicatesLiveRows(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first, created, err := s.CreateQueueItem(ctx, domain.QueueItem{
		ItemType: domain.ItemTypePrintJob,
		ItemID:   "job-1",
		Priority: domain.PriorityHigh,
		Metadata: map[string]any{"jobType": "kitchen"},
	})
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := s.CreateQueueItem(ctx, domain.QueueItem{
		ItemType: domain.ItemTypePrintJob,
		ItemID:   "job-1",
		Priority: domain.PriorityLow,
	})
	require.NoError(t, err)
	assert.False(t, created, "live row already covers this job")
	assert.Equal(t, first, second)

	// Once the first row is terminal a fresh one may exist.
	require.NoError(t, s.UpdateQueueItemStatus(ctx, first, domain.QueueStatusFailed, "gave up"))
	third, created, err := s.CreateQueueItem(ctx, domain.QueueItem{
		ItemType: domain.ItemTypePrintJob,
		ItemID:   "job-1",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first, third)
}

func TestNextQueueItemsOrdering(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mk := func(id string, prio domain.Priority, at time.Time) {
		_, created, err := s.CreateQueueItem(ctx, domain.QueueItem{
			ID: id, ItemType: domain.ItemTypePrintJob, ItemID: "job-" + id,
			Priority: prio, CreatedAt: at,
		})
		require.NoError(t, err)
		require.True(t, created)
	}
	mk("low-old", domain.PriorityLow, base)
	mk("high-new", domain.PriorityHigh, base.Add(10*time.Second))
	mk("high-old", domain.PriorityHigh, base.Add(5*time.Second))
	mk("critical", domain.PriorityCritical, base.Add(20*time.Second))

	items, err := s.NextQueueItems(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, items, 4)
	ids := []string{items[0].ID, items[1].ID, items[2].ID, items[3].ID}
	assert.Equal(t, []string{"critical", "high-old", "high-new", "low-old"}, ids,
		"priority desc, then FIFO within priority")

	// Limit honoured.
	items, err = s.NextQueueItems(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	// Type filter honoured.
	_, _, err = s.CreateQueueItem(ctx, domain.QueueItem{
		ItemType: domain.ItemTypeOrder, ItemID: "ord-9", Priority: domain.PriorityCritical,
	})
	require.NoError(t, err)
	items, err = s.NextQueueItems(ctx, domain.ItemTypeOrder, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, domain.ItemTypeOrder, items[0].ItemType)
}

func TestNextQueueItemsSkipsExpired(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	past := time.Now().Add(-time.Minute)
	_, _, err := s.CreateQueueItem(ctx, domain.QueueItem{
		ItemType: domain.ItemTypePrintJob, ItemID: "job-exp", ExpiresAt: &past,
	})
	require.NoError(t, err)
	future := time.Now().Add(time.Hour)
	_, _, err = s.CreateQueueItem(ctx, domain.QueueItem{
		ItemType: domain.ItemTypePrintJob, ItemID: "job-ok", ExpiresAt: &future,
	})
	require.NoError(t, err)

	items, err := s.NextQueueItems(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "job-ok", items[0].ItemID)
}

func TestClaimQueueItems(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, _, err := s.CreateQueueItem(ctx, domain.QueueItem{ItemType: domain.ItemTypePrintJob, ItemID: "job-a"})
	require.NoError(t, err)
	b, _, err := s.CreateQueueItem(ctx, domain.QueueItem{ItemType: domain.ItemTypePrintJob, ItemID: "job-b"})
	require.NoError(t, err)

	n, err := s.ClaimQueueItems(ctx, []string{a, b}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// A second claim flips nothing: the rows are already processing.
	n, err = s.ClaimQueueItems(ctx, []string{a, b, "missing"}, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	it, err := s.GetQueueItem(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusProcessing, it.Status)

	n, err = s.ClaimQueueItems(ctx, nil, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIncrementQueueRetry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, _, err := s.CreateQueueItem(ctx, domain.QueueItem{ItemType: domain.ItemTypePrintJob, ItemID: "job-a"})
	require.NoError(t, err)
	_, err = s.ClaimQueueItems(ctx, []string{id}, time.Now())
	require.NoError(t, err)

	require.NoError(t, s.IncrementQueueRetry(ctx, id))
	it, err := s.GetQueueItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, it.RetryCount)
	assert.Equal(t, domain.QueueStatusQueued, it.Status, "returned in the same statement")

	assert.ErrorIs(t, s.IncrementQueueRetry(ctx, "missing"), domain.ErrNotFound)
}

func TestCleanupExpiredItems(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	past := time.Now().Add(-time.Minute)
	expired, _, err := s.CreateQueueItem(ctx, domain.QueueItem{
		ItemType: domain.ItemTypePrintJob, ItemID: "job-old", ExpiresAt: &past,
	})
	require.NoError(t, err)
	keep, _, err := s.CreateQueueItem(ctx, domain.QueueItem{
		ItemType: domain.ItemTypePrintJob, ItemID: "job-new",
	})
	require.NoError(t, err)

	// A claimed row past expiry belongs to its claimant, not the sweeper.
	claimed, _, err := s.CreateQueueItem(ctx, domain.QueueItem{
		ItemType: domain.ItemTypePrintJob, ItemID: "job-claimed", ExpiresAt: &past,
	})
	require.NoError(t, err)
	_, err = s.ClaimQueueItems(ctx, []string{claimed}, time.Now())
	require.NoError(t, err)

	n, err := s.CleanupExpiredItems(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	it, err := s.GetQueueItem(ctx, expired)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusExpired, it.Status)
	it, err = s.GetQueueItem(ctx, keep)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusQueued, it.Status)
	it, err = s.GetQueueItem(ctx, claimed)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusProcessing, it.Status)
}

func TestQueueStatistics(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	soon := time.Now().Add(30 * time.Minute)
	_, _, err := s.CreateQueueItem(ctx, domain.QueueItem{
		ItemType: domain.ItemTypePrintJob, ItemID: "job-a",
		Priority: domain.PriorityHigh, ExpiresAt: &soon,
	})
	require.NoError(t, err)
	b, _, err := s.CreateQueueItem(ctx, domain.QueueItem{
		ItemType: domain.ItemTypeOrder, ItemID: "ord-b", Priority: domain.PriorityLow,
	})
	require.NoError(t, err)
	require.NoError(t, s.UpdateQueueItemStatus(ctx, b, domain.QueueStatusFailed, "boom"))

	stats, err := s.QueueStatistics(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Live)
	assert.Equal(t, 1, stats.ByStatus[domain.QueueStatusQueued])
	assert.Equal(t, 1, stats.ByStatus[domain.QueueStatusFailed])
	assert.Equal(t, 1, stats.ByPriority[domain.PriorityHigh])
	assert.Zero(t, stats.ByPriority[domain.PriorityLow], "terminal rows leave the live aggregates")
	assert.Equal(t, 1, stats.ByItemType[domain.ItemTypePrintJob])
	assert.Equal(t, 1, stats.ExpiringSoon)
	require.NotNil(t, stats.OldestQueuedAt)

	live, err := s.CountLiveQueueItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, live)
}

func TestQueueItemMetadataRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, _, err := s.CreateQueueItem(ctx, domain.QueueItem{
		ItemType: domain.ItemTypeOrder,
		ItemID:   "ord-1",
		Metadata: map[string]any{"reason": "internet_offline", "jobs": float64(3)},
	})
	require.NoError(t, err)

	it, err := s.GetQueueItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"reason": "internet_offline", "jobs": float64(3)}, it.Metadata)
	assert.Equal(t, domain.PriorityNormal, it.Priority, "unset priority defaults to normal")
	assert.Equal(t, domain.DefaultQueueMaxRetries, it.MaxRetries)
}
