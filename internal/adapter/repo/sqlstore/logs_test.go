package sqlstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/restogear/print-service/internal/domain"
)

func TestConnectivityEventLog(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	offline := 42 * time.Second
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, s.AppendConnectivityEvent(ctx, domain.ConnectivityEvent{
		EventType: domain.EventPrinterOffline,
		Component: domain.ComponentPrinter,
		Status:    domain.ConnOffline,
		Timestamp: base,
	}))
	require.NoError(t, s.AppendConnectivityEvent(ctx, domain.ConnectivityEvent{
		EventType:       domain.EventPrinterOnline,
		Component:       domain.ComponentPrinter,
		Status:          domain.ConnOnline,
		Timestamp:       base.Add(offline),
		DurationOffline: &offline,
		Details:         map[string]any{"probe": "status_poll"},
	}))

	events, err := s.RecentConnectivityEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventPrinterOnline, events[0].EventType, "newest first")
	require.NotNil(t, events[0].DurationOffline)
	assert.Equal(t, offline, *events[0].DurationOffline)
	assert.Equal(t, map[string]any{"probe": "status_poll"}, events[0].Details)
	assert.Nil(t, events[1].DurationOffline)

	events, err = s.RecentConnectivityEvents(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRetryAttemptLog(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.AppendRetryAttempt(ctx, "task-1", domain.FailurePrinterOffline, domain.RetryAttempt{
			AttemptNumber: i,
			DelayBefore:   time.Duration(i) * time.Second,
			Success:       i == 3,
			Duration:      50 * time.Millisecond,
			ErrorMessage:  map[bool]string{true: "", false: "offline"}[i == 3],
		}))
	}
	require.NoError(t, s.AppendRetryAttempt(ctx, "task-2", domain.FailureNetworkError, domain.RetryAttempt{
		AttemptNumber: 1, Success: false, ErrorMessage: "timeout",
	}))

	attempts, err := s.TaskAttempts(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	assert.Equal(t, 1, attempts[0].AttemptNumber)
	assert.Equal(t, 3, attempts[2].AttemptNumber)
	assert.True(t, attempts[2].Success)
	assert.Equal(t, 2*time.Second, attempts[1].DelayBefore)
	assert.Equal(t, "offline", attempts[0].ErrorMessage)

	require.NoError(t, s.MarkTaskDeadLettered(ctx, "task-2", time.Now()))
	require.NoError(t, s.ClearDeadLetter(ctx, "task-2"))
}

func TestHealthMetricLog(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	for i, v := range []float64{40, 78, 96} {
		require.NoError(t, s.AppendHealthMetric(ctx, domain.HealthMetric{
			ResourceType: domain.ResourceMemory,
			Timestamp:    base.Add(time.Duration(i) * time.Minute),
			Value:        v,
			Status:       domain.HealthThresholds{Warning: 75, Critical: 85, Emergency: 95}.StatusFor(v),
		}))
	}
	require.NoError(t, s.AppendHealthMetric(ctx, domain.HealthMetric{
		ResourceType: domain.ResourceDisk, Timestamp: base, Value: 10, Status: domain.HealthHealthy,
	}))

	metrics, err := s.RecentHealthMetrics(ctx, domain.ResourceMemory, 2)
	require.NoError(t, err)
	require.Len(t, metrics, 2)
	assert.Equal(t, 96.0, metrics[0].Value, "newest first, filtered by resource")
	assert.Equal(t, domain.HealthEmergency, metrics[0].Status)
	assert.Equal(t, 78.0, metrics[1].Value)

	require.NoError(t, s.AppendSelfHealingEvent(ctx, domain.SelfHealingEvent{
		EventType:    "force_gc",
		ResourceType: domain.ResourceMemory,
		Details:      map[string]any{"freed_mb": float64(12)},
	}))
}

func TestNotificationHistoryAndConfig(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.AppendNotification(ctx, domain.NotificationRecord{
		Type:    domain.NotifyPrinterOffline,
		Context: map[string]any{"since": "08:00"},
		Success: true,
		SentAt:  time.Date(2026, 3, 1, 8, 1, 0, 0, time.UTC),
	}))
	require.NoError(t, s.AppendNotification(ctx, domain.NotificationRecord{
		Type:         domain.NotifySystemError,
		Success:      false,
		SentAt:       time.Date(2026, 3, 1, 8, 2, 0, 0, time.UTC),
		ErrorMessage: "smtp: connection refused",
	}))

	records, err := s.RecentNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, domain.NotifySystemError, records[0].Type)
	assert.False(t, records[0].Success)
	assert.Equal(t, map[string]any{"since": "08:00"}, records[1].Context)

	_, err = s.GetNotificationConfig(ctx, "recipients")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.SetNotificationConfig(ctx, "recipients", "ops@example.com", "string", "alert recipients"))
	require.NoError(t, s.SetNotificationConfig(ctx, "recipients", "ops@example.com,chef@example.com", "string", "alert recipients"))
	v, err := s.GetNotificationConfig(ctx, "recipients")
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com,chef@example.com", v, "set is an upsert")
}

func TestNotificationTemplates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tpl := domain.NotificationTemplate{
		Type:            domain.NotifyPrinterOffline,
		Subject:         "Printer offline at {{.RestaurantName}}",
		Body:            "The receipt printer stopped responding at {{.Since}}.",
		ThrottleMinutes: 15,
		MaxPerHour:      4,
		Enabled:         true,
	}
	require.NoError(t, s.UpsertNotificationTemplate(ctx, tpl))

	got, err := s.GetNotificationTemplate(ctx, domain.NotifyPrinterOffline)
	require.NoError(t, err)
	assert.Equal(t, tpl, got)

	tpl.Enabled = false
	require.NoError(t, s.UpsertNotificationTemplate(ctx, tpl))
	got, err = s.GetNotificationTemplate(ctx, domain.NotifyPrinterOffline)
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	require.NoError(t, s.UpsertNotificationTemplate(ctx, domain.NotificationTemplate{
		Type: domain.NotifyQueueOverflow, Subject: "s", Body: "b", ThrottleMinutes: 20, MaxPerHour: 3,
	}))
	all, err := s.ListNotificationTemplates(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = s.GetNotificationTemplate(ctx, domain.NotifyInternetOffline)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRecoverySessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sess := domain.RecoverySession{
		ID:           "rec-1",
		RecoveryType: domain.RecoveryPrinter,
		Phase:        domain.PhaseValidation,
		StartedAt:    time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.SaveRecoverySession(ctx, sess))

	sess.Phase = domain.PhaseProcessing
	sess.ItemsTotal = 7
	require.NoError(t, s.SaveRecoverySession(ctx, sess))

	got, err := s.GetRecoverySession(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseProcessing, got.Phase)
	assert.Equal(t, 7, got.ItemsTotal)
	assert.True(t, got.Active())

	done := time.Date(2026, 3, 1, 8, 5, 0, 0, time.UTC)
	sess.Phase = domain.PhaseCompletion
	sess.CompletedAt = &done
	sess.ItemsProcessed = 7
	sess.ItemsFailed = 1
	require.NoError(t, s.SaveRecoverySession(ctx, sess))

	latest, err := s.LatestRecoverySession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "rec-1", latest.ID)
	assert.False(t, latest.Active())
	assert.True(t, latest.Succeeded(0.5))

	require.NoError(t, s.SaveRecoverySession(ctx, domain.RecoverySession{
		ID: "rec-2", RecoveryType: domain.RecoveryManual, Phase: domain.PhaseProcessing,
		StartedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}))
	latest, err = s.LatestRecoverySession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "rec-2", latest.ID)

	recent, err := s.RecentRecoverySessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "rec-2", recent[0].ID)
}

func TestFailDanglingSessions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SaveRecoverySession(ctx, domain.RecoverySession{
		ID: "dangling", RecoveryType: domain.RecoveryInternet, Phase: domain.PhaseProcessing,
		StartedAt: time.Now().Add(-time.Hour),
	}))
	done := time.Now()
	require.NoError(t, s.SaveRecoverySession(ctx, domain.RecoverySession{
		ID: "finished", RecoveryType: domain.RecoveryPrinter, Phase: domain.PhaseCompletion,
		StartedAt: time.Now().Add(-2 * time.Hour), CompletedAt: &done,
	}))

	n, err := s.FailDanglingSessions(ctx, "service restarted mid-recovery")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetRecoverySession(ctx, "dangling")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseFailed, got.Phase)
	assert.Equal(t, "service restarted mid-recovery", got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)

	got, err = s.GetRecoverySession(ctx, "finished")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseCompletion, got.Phase, "terminal sessions untouched")
}
