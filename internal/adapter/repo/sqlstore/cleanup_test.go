package sqlstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/restogear/print-service/internal/adapter/repo/sqlstore"
	"github.com/restogear/print-service/internal/domain"
)

func TestCleanupOldData(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	old := time.Now().AddDate(0, 0, -60)

	// Old log rows past the window.
	require.NoError(t, s.AppendConnectivityEvent(ctx, domain.ConnectivityEvent{
		ID: "ev-old", EventType: domain.EventPrinterOffline,
		Component: domain.ComponentPrinter, Status: domain.ConnOffline, Timestamp: old,
	}))
	require.NoError(t, s.AppendHealthMetric(ctx, domain.HealthMetric{
		ID: "hm-old", ResourceType: domain.ResourceCPU, Timestamp: old, Value: 10, Status: domain.HealthHealthy,
	}))
	require.NoError(t, s.AppendNotification(ctx, domain.NotificationRecord{
		ID: "nt-old", Type: domain.NotifySystemError, Success: true, SentAt: old,
	}))
	done := old.Add(time.Minute)
	require.NoError(t, s.SaveRecoverySession(ctx, domain.RecoverySession{
		ID: "rec-old", RecoveryType: domain.RecoveryPrinter, Phase: domain.PhaseFailed,
		StartedAt: old, CompletedAt: &done,
	}))
	// An old order with no jobs and no queue rows referencing it.
	require.NoError(t, s.SaveOrder(ctx, domain.Order{
		ID: "ord-old", ExternalOrderID: "EXT-OLD", Status: domain.OrderCompleted,
		Items:    []domain.OrderItem{{ID: "i", Name: "Soup", Quantity: 1, UnitPrice: 4}},
		Currency: "EUR", CreatedAt: old,
	}))

	// Recent rows that must survive.
	require.NoError(t, s.AppendConnectivityEvent(ctx, domain.ConnectivityEvent{
		ID: "ev-new", EventType: domain.EventPrinterOnline,
		Component: domain.ComponentPrinter, Status: domain.ConnOnline, Timestamp: time.Now(),
	}))
	seedOrder(t, s, "ord-new", "EXT-NEW")
	// An old order still referenced by a live queue row stays.
	require.NoError(t, s.SaveOrder(ctx, domain.Order{
		ID: "ord-queued", ExternalOrderID: "EXT-Q", Status: domain.OrderPending,
		Items:    []domain.OrderItem{{ID: "i", Name: "Pasta", Quantity: 1, UnitPrice: 8}},
		Currency: "EUR", CreatedAt: old,
	}))
	_, _, err := s.CreateQueueItem(ctx, domain.QueueItem{
		ItemType: domain.ItemTypeOrder, ItemID: "ord-queued",
	})
	require.NoError(t, err)

	cleaner := sqlstore.NewCleaner(s, 30)
	require.NoError(t, cleaner.CleanupOldData(ctx))

	events, err := s.RecentConnectivityEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ev-new", events[0].ID)

	metrics, err := s.RecentHealthMetrics(ctx, domain.ResourceCPU, 10)
	require.NoError(t, err)
	assert.Empty(t, metrics)

	records, err := s.RecentNotifications(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, records)

	_, err = s.GetRecoverySession(ctx, "rec-old")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = s.GetOrder(ctx, "ord-old")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.GetOrder(ctx, "ord-new")
	require.NoError(t, err)
	_, err = s.GetOrder(ctx, "ord-queued")
	require.NoError(t, err, "orders behind live queue rows survive")
}

func TestNewCleanerDefaultsRetention(t *testing.T) {
	s := newTestStore(t)
	c := sqlstore.NewCleaner(s, 0)
	assert.Equal(t, 30, c.RetentionDays)
}
