package recovery

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/restogear/print-service/internal/adapter/repo/sqlstore"
	"github.com/restogear/print-service/internal/domain"
	"github.com/restogear/print-service/internal/service/offlinequeue"
)

type fakePrinter struct {
	mu        sync.Mutex
	ready     bool
	failFor   map[string]error
	block     chan struct{}
	entered   chan struct{}
	enterOnce sync.Once
	printed   []string
}

func (p *fakePrinter) PrintDirect(ctx context.Context, job domain.PrintJob) error {
	p.mu.Lock()
	block, entered := p.block, p.entered
	p.mu.Unlock()
	if entered != nil {
		p.enterOnce.Do(func() { close(entered) })
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printed = append(p.printed, job.ID)
	return p.failFor[job.ID]
}

func (p *fakePrinter) Ready(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

func (p *fakePrinter) prints() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.printed...)
}

type memAlerter struct {
	mu    sync.Mutex
	types []domain.NotificationType
}

func (a *memAlerter) Notify(_ context.Context, t domain.NotificationType, _ map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.types = append(a.types, t)
}

func (a *memAlerter) sent() []domain.NotificationType {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.NotificationType(nil), a.types...)
}

func newTestManager(t *testing.T, printer *fakePrinter) (*Manager, *sqlstore.Store, *offlinequeue.Service, *memAlerter) {
	t.Helper()
	store, err := sqlstore.OpenSQLite(filepath.Join(t.TempDir(), "recovery.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	queue := offlinequeue.New(store, offlinequeue.Options{})
	alerter := &memAlerter{}
	m := NewManager(store, store, store, queue, printer, alerter, Options{BatchDelay: time.Millisecond})
	return m, store, queue, alerter
}

func seedOrder(t *testing.T, store *sqlstore.Store, id string) {
	t.Helper()
	err := store.SaveOrder(context.Background(), domain.Order{
		ID:              id,
		ExternalOrderID: "EXT-" + id,
		Status:          domain.OrderPending,
		Items:           []domain.OrderItem{{Name: "Margherita", Quantity: 1, UnitPrice: 18.5}},
		Customer:        domain.Customer{Name: "Mia"},
		TotalAmount:     18.5,
		Currency:        "CHF",
	})
	require.NoError(t, err)
}

func seedJob(t *testing.T, store *sqlstore.Store, orderID, id string, status domain.JobStatus) {
	t.Helper()
	_, err := store.CreatePrintJob(context.Background(), domain.PrintJob{
		ID:      id,
		OrderID: orderID,
		JobType: domain.JobTypeKitchen,
		Status:  status,
		Content: []byte("receipt bytes"),
	})
	require.NoError(t, err)
}

func waitIdle(t *testing.T, m *Manager) {
	t.Helper()
	require.Eventually(t, func() bool { return !m.Active() }, 5*time.Second, 5*time.Millisecond)
}

func eventTypes(t *testing.T, store *sqlstore.Store) []domain.ConnEventType {
	t.Helper()
	evs, err := store.RecentConnectivityEvents(context.Background(), 20)
	require.NoError(t, err)
	types := make([]domain.ConnEventType, len(evs))
	for i, ev := range evs {
		types[i] = ev.EventType
	}
	return types
}

func TestManualSessionDrainsQueue(t *testing.T) {
	ctx := context.Background()
	printer := &fakePrinter{ready: true}
	m, store, queue, alerter := newTestManager(t, printer)

	seedOrder(t, store, "ord-1")
	seedJob(t, store, "ord-1", "job-1", domain.JobPending)
	seedJob(t, store, "ord-1", "job-2", domain.JobPending)
	for _, id := range []string{"job-1", "job-2"} {
		_, err := queue.EnqueuePrintJob(ctx, domain.PrintJob{ID: id, OrderID: "ord-1", JobType: domain.JobTypeKitchen}, 0)
		require.NoError(t, err)
	}

	id, err := m.TriggerManual(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	waitIdle(t, m)

	sess, err := store.GetRecoverySession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RecoveryManual, sess.RecoveryType)
	assert.Equal(t, domain.PhaseCompletion, sess.Phase)
	assert.Equal(t, 2, sess.ItemsTotal)
	assert.Equal(t, 2, sess.ItemsProcessed)
	assert.Equal(t, 0, sess.ItemsFailed)
	require.NotNil(t, sess.CompletedAt)

	for _, jobID := range []string{"job-1", "job-2"} {
		job, err := store.GetPrintJob(ctx, jobID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobCompleted, job.Status)
		assert.NotNil(t, job.PrintedAt)
	}
	live, err := store.CountLiveQueueItems(ctx)
	require.NoError(t, err)
	assert.Zero(t, live, "drained rows are deleted, not marked")

	types := eventTypes(t, store)
	assert.Contains(t, types, domain.EventRecoveryStarted)
	assert.Contains(t, types, domain.EventRecoveryCompleted)
	assert.Equal(t, []domain.NotificationType{domain.NotifyRecoveryCompleted}, alerter.sent())

	current, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, id, current.ID)
}

func TestMultiBatchDrainRespectsPriorityThenAge(t *testing.T) {
	ctx := context.Background()
	printer := &fakePrinter{ready: true}
	m, store, _, _ := newTestManager(t, printer)

	seedOrder(t, store, "ord-1")

	// Twelve items seeded round-robin across priorities with strictly
	// increasing ages, so drain order (priority desc, oldest first) is
	// distinct from insertion order and spans three claim batches.
	base := time.Now().UTC().Add(-time.Minute)
	prios := []domain.Priority{domain.PriorityHigh, domain.PriorityNormal, domain.PriorityLow}
	byPrio := map[domain.Priority][]string{}
	for i := 0; i < 12; i++ {
		jobID := fmt.Sprintf("job-%02d", i+1)
		seedJob(t, store, "ord-1", jobID, domain.JobPending)
		prio := prios[i%len(prios)]
		created := base.Add(time.Duration(i) * time.Second)
		expires := created.Add(24 * time.Hour)
		_, _, err := store.CreateQueueItem(ctx, domain.QueueItem{
			ItemType:  domain.ItemTypePrintJob,
			ItemID:    jobID,
			Priority:  prio,
			CreatedAt: created,
			ExpiresAt: &expires,
		})
		require.NoError(t, err)
		byPrio[prio] = append(byPrio[prio], jobID)
	}
	var want []string
	want = append(want, byPrio[domain.PriorityHigh]...)
	want = append(want, byPrio[domain.PriorityNormal]...)
	want = append(want, byPrio[domain.PriorityLow]...)

	id, err := m.TriggerManual(ctx)
	require.NoError(t, err)
	waitIdle(t, m)

	assert.Equal(t, want, printer.prints())

	sess, err := store.GetRecoverySession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseCompletion, sess.Phase)
	assert.Equal(t, 12, sess.ItemsTotal)
	assert.Equal(t, 12, sess.ItemsProcessed)
	assert.Equal(t, 0, sess.ItemsFailed)

	live, err := store.CountLiveQueueItems(ctx)
	require.NoError(t, err)
	assert.Zero(t, live)
	for _, jobID := range want {
		job, err := store.GetPrintJob(ctx, jobID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobCompleted, job.Status, jobID)
	}
}

func TestCompletedJobFencedFromReprint(t *testing.T) {
	ctx := context.Background()
	printer := &fakePrinter{ready: true}
	m, store, queue, _ := newTestManager(t, printer)

	seedOrder(t, store, "ord-1")
	seedJob(t, store, "ord-1", "job-live", domain.JobPending)
	seedJob(t, store, "ord-1", "job-done", domain.JobCompleted)
	for _, id := range []string{"job-live", "job-done"} {
		_, err := queue.EnqueuePrintJob(ctx, domain.PrintJob{ID: id, OrderID: "ord-1", JobType: domain.JobTypeKitchen}, 0)
		require.NoError(t, err)
	}

	id, err := m.TriggerManual(ctx)
	require.NoError(t, err)
	waitIdle(t, m)

	assert.Equal(t, []string{"job-live"}, printer.prints(), "a finished job never reaches the printer again")

	sess, err := store.GetRecoverySession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseCompletion, sess.Phase)
	assert.Equal(t, 2, sess.ItemsTotal)
	assert.Equal(t, 1, sess.ItemsProcessed, "fenced rows are removed without counting")
	assert.Equal(t, 0, sess.ItemsFailed)

	live, err := store.CountLiveQueueItems(ctx)
	require.NoError(t, err)
	assert.Zero(t, live)
}

func TestOrphanRowRemovedWithoutCounting(t *testing.T) {
	ctx := context.Background()
	printer := &fakePrinter{ready: true}
	m, store, queue, _ := newTestManager(t, printer)

	seedOrder(t, store, "ord-1")
	seedJob(t, store, "ord-1", "job-real", domain.JobPending)
	for _, id := range []string{"job-real", "job-ghost"} {
		_, err := queue.EnqueuePrintJob(ctx, domain.PrintJob{ID: id, OrderID: "ord-1", JobType: domain.JobTypeKitchen}, 0)
		require.NoError(t, err)
	}

	id, err := m.TriggerManual(ctx)
	require.NoError(t, err)
	waitIdle(t, m)

	sess, err := store.GetRecoverySession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, sess.ItemsTotal)
	assert.Equal(t, 1, sess.ItemsProcessed)
	assert.Equal(t, 0, sess.ItemsFailed)
	assert.True(t, sess.Succeeded(0.5))

	live, err := store.CountLiveQueueItems(ctx)
	require.NoError(t, err)
	assert.Zero(t, live, "the row without a job is removed, not retried")
}

func TestFailuresSpendRetryBudgetThenFail(t *testing.T) {
	ctx := context.Background()
	printer := &fakePrinter{
		ready:   true,
		failFor: map[string]error{"job-bad": errors.New("head jam")},
	}
	m, store, queue, alerter := newTestManager(t, printer)

	seedOrder(t, store, "ord-1")
	seedJob(t, store, "ord-1", "job-ok", domain.JobPending)
	seedJob(t, store, "ord-1", "job-bad", domain.JobPending)
	_, err := queue.EnqueuePrintJob(ctx, domain.PrintJob{ID: "job-ok", OrderID: "ord-1", JobType: domain.JobTypeKitchen}, 0)
	require.NoError(t, err)
	badItemID, _, err := store.CreateQueueItem(ctx, domain.QueueItem{
		ItemType:   domain.ItemTypePrintJob,
		ItemID:     "job-bad",
		MaxRetries: 1,
	})
	require.NoError(t, err)

	id, err := m.TriggerManual(ctx)
	require.NoError(t, err)
	waitIdle(t, m)

	// job-ok prints once; job-bad fails, returns to the queue, and fails
	// again on the next pass, exhausting its single retry.
	sess, err := store.GetRecoverySession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseCompletion, sess.Phase)
	assert.Equal(t, 3, sess.ItemsProcessed)
	assert.Equal(t, 2, sess.ItemsFailed)
	assert.False(t, sess.Succeeded(0.5), "one success in three attempts is below the bar")

	item, err := store.GetQueueItem(ctx, badItemID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusFailed, item.Status)
	assert.Equal(t, 1, item.RetryCount)
	assert.Equal(t, "head jam", item.ErrorMessage)

	okJob, err := store.GetPrintJob(ctx, "job-ok")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, okJob.Status)
	badJob, err := store.GetPrintJob(ctx, "job-bad")
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, badJob.Status, "the job keeps its own budget for the next printer pass")

	assert.Contains(t, eventTypes(t, store), domain.EventRecoveryFailed)
	assert.Equal(t, []domain.NotificationType{domain.NotifyRecoveryFailed}, alerter.sent())
}

func TestValidationFailsWhenPrinterNotReady(t *testing.T) {
	ctx := context.Background()
	printer := &fakePrinter{ready: false}
	m, store, queue, alerter := newTestManager(t, printer)

	_, err := queue.EnqueuePrintJob(ctx, domain.PrintJob{ID: "job-1", OrderID: "ord-1", JobType: domain.JobTypeKitchen}, 0)
	require.NoError(t, err)

	id, err := m.Trigger(ctx, domain.RecoveryPrinter)
	require.NoError(t, err)
	waitIdle(t, m)

	sess, err := store.GetRecoverySession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseFailed, sess.Phase)
	assert.Equal(t, "validation: printer not ready", sess.ErrorMessage)
	require.NotNil(t, sess.CompletedAt)
	assert.Empty(t, printer.prints())

	live, err := store.CountLiveQueueItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, live, "queued work survives a failed validation")
	assert.Equal(t, []domain.NotificationType{domain.NotifyRecoveryFailed}, alerter.sent())
}

func TestManualWithEmptyQueueFailsValidation(t *testing.T) {
	ctx := context.Background()
	printer := &fakePrinter{ready: true}
	m, store, _, _ := newTestManager(t, printer)

	id, err := m.TriggerManual(ctx)
	require.NoError(t, err)
	waitIdle(t, m)

	sess, err := store.GetRecoverySession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseFailed, sess.Phase)
	assert.Equal(t, "validation: nothing queued for reprint", sess.ErrorMessage)
}

func TestTriggerWhileActiveConflicts(t *testing.T) {
	ctx := context.Background()
	printer := &fakePrinter{ready: true, block: make(chan struct{})}
	m, store, queue, _ := newTestManager(t, printer)

	seedOrder(t, store, "ord-1")
	seedJob(t, store, "ord-1", "job-1", domain.JobPending)
	_, err := queue.EnqueuePrintJob(ctx, domain.PrintJob{ID: "job-1", OrderID: "ord-1", JobType: domain.JobTypeKitchen}, 0)
	require.NoError(t, err)

	first, err := m.TriggerManual(ctx)
	require.NoError(t, err)

	_, err = m.TriggerManual(ctx)
	require.ErrorIs(t, err, domain.ErrSessionActive)

	close(printer.block)
	waitIdle(t, m)

	sess, err := store.GetRecoverySession(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseCompletion, sess.Phase)

	// The slot frees once the session lands.
	_, err = m.TriggerManual(ctx)
	require.NoError(t, err)
	waitIdle(t, m)
}

func TestRunTriggersFromConnectivityEvents(t *testing.T) {
	ctx := context.Background()
	printer := &fakePrinter{ready: true}
	m, store, queue, _ := newTestManager(t, printer)

	seedOrder(t, store, "ord-1")
	seedJob(t, store, "ord-1", "job-1", domain.JobPending)
	_, err := queue.EnqueuePrintJob(ctx, domain.PrintJob{ID: "job-1", OrderID: "ord-1", JobType: domain.JobTypeKitchen}, 0)
	require.NoError(t, err)

	events := make(chan domain.ConnectivityEvent)
	done := make(chan struct{})
	go func() {
		m.Run(ctx, events)
		close(done)
	}()

	events <- domain.ConnectivityEvent{EventType: domain.EventPrinterOnline}
	close(events)
	<-done // Run waits for the session before returning

	sess, err := store.LatestRecoverySession(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.RecoveryPrinter, sess.RecoveryType)
	assert.Equal(t, domain.PhaseCompletion, sess.Phase)
	assert.Equal(t, 1, sess.ItemsProcessed)
}

func TestRunIgnoresNonTriggerAndEmptyQueue(t *testing.T) {
	ctx := context.Background()

	t.Run("offline events never start a session", func(t *testing.T) {
		printer := &fakePrinter{ready: true}
		m, store, queue, _ := newTestManager(t, printer)
		_, err := queue.EnqueuePrintJob(ctx, domain.PrintJob{ID: "job-1", OrderID: "ord-1", JobType: domain.JobTypeKitchen}, 0)
		require.NoError(t, err)

		events := make(chan domain.ConnectivityEvent)
		done := make(chan struct{})
		go func() {
			m.Run(ctx, events)
			close(done)
		}()
		events <- domain.ConnectivityEvent{EventType: domain.EventPrinterOffline}
		close(events)
		<-done

		_, err = store.LatestRecoverySession(ctx)
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("empty queue skips the trigger", func(t *testing.T) {
		printer := &fakePrinter{ready: true}
		m, store, _, _ := newTestManager(t, printer)

		events := make(chan domain.ConnectivityEvent)
		done := make(chan struct{})
		go func() {
			m.Run(ctx, events)
			close(done)
		}()
		events <- domain.ConnectivityEvent{EventType: domain.EventInternetOnline}
		close(events)
		<-done

		_, err := store.LatestRecoverySession(ctx)
		require.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestStopMidSessionMarksFailed(t *testing.T) {
	printer := &fakePrinter{
		ready:   true,
		block:   make(chan struct{}),
		entered: make(chan struct{}),
	}
	m, store, queue, _ := newTestManager(t, printer)

	seedOrder(t, store, "ord-1")
	seedJob(t, store, "ord-1", "job-1", domain.JobPending)
	_, err := queue.EnqueuePrintJob(context.Background(), domain.PrintJob{ID: "job-1", OrderID: "ord-1", JobType: domain.JobTypeKitchen}, 0)
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(context.Background())
	events := make(chan domain.ConnectivityEvent)
	done := make(chan struct{})
	go func() {
		m.Run(runCtx, events)
		close(done)
	}()
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.runCtx != nil
	}, time.Second, time.Millisecond, "manual triggers bind to the run context")

	id, err := m.TriggerManual(context.Background())
	require.NoError(t, err)

	// Park the session inside the print attempt, then stop the daemon;
	// terminal bookkeeping must still land.
	<-printer.entered
	cancel()
	<-done

	sess, err := store.GetRecoverySession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseFailed, sess.Phase)
	assert.Equal(t, "stopped before completion", sess.ErrorMessage)
	require.NotNil(t, sess.CompletedAt)
}
