// Package recovery drains the offline queue once a lost dependency
// comes back. A session claims queued print jobs in batches, gives each
// one physical print attempt, and commits every success atomically with
// the queue removal so a crash mid-drain can never reprint a receipt.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/restogear/print-service/internal/adapter/observability"
	"github.com/restogear/print-service/internal/domain"
	"github.com/restogear/print-service/internal/service/offlinequeue"
)

// Printer is the reprint seam. PrintDirect performs exactly one physical
// attempt; the queue item's retry budget is the only retry bookkeeping a
// session keeps.
type Printer interface {
	PrintDirect(ctx context.Context, job domain.PrintJob) error
	Ready(ctx context.Context) bool
}

// Alerter pushes session outcomes to operators. Nil disables alerts.
type Alerter interface {
	Notify(ctx context.Context, t domain.NotificationType, details map[string]any)
}

// Options tune session pacing and the success verdict.
type Options struct {
	BatchSize        int           // items claimed per pass, default 5
	BatchDelay       time.Duration // pause between passes, default 2 s
	SuccessThreshold float64       // Succeeded ratio bound, default 0.5
}

// validationScan caps how many claimable rows validation counts into
// items_total. Sessions over this size still drain fully.
const validationScan = 10000

// Manager owns the single non-terminal recovery session slot. Event
// triggers arrive on the connectivity subscription; operators can also
// force a session through TriggerManual.
type Manager struct {
	sessions domain.RecoveryRepository
	events   domain.EventRepository
	jobs     domain.PrintJobRepository
	queue    *offlinequeue.Service
	printer  Printer
	alerter  Alerter
	opts     Options

	now func() time.Time

	mu      sync.Mutex
	running bool
	runCtx  context.Context
	current domain.RecoverySession
	started bool
	wg      sync.WaitGroup
}

func NewManager(sessions domain.RecoveryRepository, events domain.EventRepository, jobs domain.PrintJobRepository, queue *offlinequeue.Service, printer Printer, alerter Alerter, opts Options) *Manager {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5
	}
	if opts.BatchDelay <= 0 {
		opts.BatchDelay = 2 * time.Second
	}
	if opts.SuccessThreshold <= 0 || opts.SuccessThreshold >= 1 {
		opts.SuccessThreshold = 0.5
	}
	return &Manager{
		sessions: sessions,
		events:   events,
		jobs:     jobs,
		queue:    queue,
		printer:  printer,
		alerter:  alerter,
		opts:     opts,
		now:      time.Now,
	}
}

// Run consumes connectivity events until ctx is cancelled or the channel
// closes, then waits for an in-flight session to finish its bookkeeping.
func (m *Manager) Run(ctx context.Context, events <-chan domain.ConnectivityEvent) {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	slog.Info("recovery manager started",
		slog.Int("batch_size", m.opts.BatchSize),
		slog.Float64("success_threshold", m.opts.SuccessThreshold))
	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			slog.Info("recovery manager stopped")
			return
		case ev, ok := <-events:
			if !ok {
				m.wg.Wait()
				slog.Info("recovery manager stopped")
				return
			}
			m.handleEvent(ctx, ev)
		}
	}
}

// handleEvent starts a session when a restoration event arrives and the
// queue holds claimable print jobs. Skips are logged, never errors.
func (m *Manager) handleEvent(ctx context.Context, ev domain.ConnectivityEvent) {
	rtype, ok := triggerType(ev.EventType)
	if !ok {
		return
	}
	items, err := m.queue.NextItems(ctx, domain.ItemTypePrintJob, 1)
	if err != nil {
		slog.Warn("recovery trigger queue check failed", slog.Any("error", err))
		return
	}
	if len(items) == 0 {
		slog.Debug("recovery trigger skipped", slog.String("reason", "queue empty"),
			slog.String("event_type", string(ev.EventType)))
		return
	}
	if _, err := m.Trigger(ctx, rtype); err != nil {
		if errors.Is(err, domain.ErrSessionActive) {
			slog.Info("recovery trigger skipped", slog.String("reason", "session active"),
				slog.String("event_type", string(ev.EventType)))
			return
		}
		slog.Warn("recovery trigger failed", slog.String("event_type", string(ev.EventType)), slog.Any("error", err))
	}
}

// TriggerManual starts an operator-forced session. It shares the single
// session slot with event triggers but skips the queued-items gate, so an
// empty queue yields a session that fails validation rather than silence.
func (m *Manager) TriggerManual(ctx context.Context) (string, error) {
	return m.Trigger(ctx, domain.RecoveryManual)
}

// Trigger claims the session slot, persists the newborn session so the
// operator surface can see it immediately, and hands the drain to a
// goroutine bound to the manager's lifecycle context.
func (m *Manager) Trigger(ctx context.Context, rtype domain.RecoveryType) (string, error) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return "", fmt.Errorf("op=recovery.Trigger: %w", domain.ErrSessionActive)
	}
	m.running = true
	sessCtx := m.runCtx
	m.mu.Unlock()
	if sessCtx == nil {
		sessCtx = context.Background()
	}

	now := m.now()
	sess := domain.RecoverySession{
		ID:           uuid.New().String(),
		RecoveryType: rtype,
		Phase:        domain.PhaseValidation,
		StartedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.sessions.SaveRecoverySession(ctx, sess); err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return "", fmt.Errorf("op=recovery.Trigger: %w", err)
	}
	m.setCurrent(sess)
	slog.Info("recovery session started",
		slog.String("session_id", sess.ID), slog.String("recovery_type", string(rtype)))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runSession(sessCtx, sess)
	}()
	return sess.ID, nil
}

// Current reports the most recent session this process ran. The bool is
// false until the first trigger.
func (m *Manager) Current() (domain.RecoverySession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.started
}

// Active reports whether the session slot is occupied.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) runSession(ctx context.Context, sess domain.RecoverySession) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()
	// Terminal bookkeeping must land even when the daemon is stopping.
	book := context.WithoutCancel(ctx)

	m.appendEvent(book, domain.EventRecoveryStarted, sess, map[string]any{
		"recovery_type": string(sess.RecoveryType),
	})

	claimable, err := m.queue.NextItems(ctx, domain.ItemTypePrintJob, validationScan)
	if err != nil {
		m.fail(book, sess, fmt.Sprintf("validation: %v", err))
		return
	}
	if len(claimable) == 0 {
		m.fail(book, sess, "validation: nothing queued for reprint")
		return
	}
	if needsPrinter(sess.RecoveryType) && !m.printer.Ready(ctx) {
		m.fail(book, sess, "validation: printer not ready")
		return
	}
	sess.ItemsTotal = len(claimable)
	sess.Phase = domain.PhaseProcessing
	m.save(book, &sess)

	for {
		select {
		case <-ctx.Done():
			m.fail(book, sess, "stopped before completion")
			return
		default:
		}
		batch, err := m.queue.NextItems(ctx, domain.ItemTypePrintJob, m.opts.BatchSize)
		if err != nil {
			m.fail(book, sess, fmt.Sprintf("processing: %v", err))
			return
		}
		if len(batch) == 0 {
			break
		}
		ids := make([]string, len(batch))
		for i, it := range batch {
			ids[i] = it.ID
		}
		allClaimed, err := m.queue.ClaimBatch(ctx, ids)
		if err != nil {
			m.fail(book, sess, fmt.Sprintf("processing: claim: %v", err))
			return
		}
		for _, it := range batch {
			if !allClaimed {
				// Another actor got there first; only touch rows we hold.
				cur, err := m.queue.Get(ctx, it.ID)
				if err != nil || cur.Status != domain.QueueStatusProcessing {
					continue
				}
				it = cur
			}
			m.processItem(ctx, book, &sess, it)
		}
		m.save(book, &sess)

		select {
		case <-ctx.Done():
			m.fail(book, sess, "stopped before completion")
			return
		case <-time.After(m.opts.BatchDelay):
		}
	}

	m.complete(book, sess)
}

// processItem drains one claimed queue row. Orphaned rows and fenced
// already-completed jobs are removed without counting; every real print
// attempt counts into processed, failures also into failed.
func (m *Manager) processItem(ctx, book context.Context, sess *domain.RecoverySession, it domain.QueueItem) {
	job, err := m.jobs.GetPrintJob(ctx, it.ItemID)
	if errors.Is(err, domain.ErrNotFound) {
		if rmErr := m.queue.Remove(book, it.ID); rmErr != nil {
			slog.Warn("orphan queue item not removed", slog.String("item_id", it.ID), slog.Any("error", rmErr))
			return
		}
		slog.Warn("queue item without job removed",
			slog.String("item_id", it.ID), slog.String("job_id", it.ItemID))
		return
	}
	if err != nil {
		sess.ItemsProcessed++
		sess.ItemsFailed++
		observability.RecoveryItem(false)
		m.itemFailure(book, it, fmt.Sprintf("load job: %v", err))
		return
	}
	if job.Status == domain.JobCompleted {
		// Reprint fence: the job finished through another path.
		if rmErr := m.queue.Remove(book, it.ID); rmErr != nil {
			slog.Warn("fenced queue item not removed", slog.String("item_id", it.ID), slog.Any("error", rmErr))
			return
		}
		slog.Info("completed job fenced from reprint",
			slog.String("job_id", job.ID), slog.String("item_id", it.ID))
		return
	}

	printErr := m.printer.PrintDirect(ctx, job)
	sess.ItemsProcessed++
	if printErr != nil {
		sess.ItemsFailed++
		observability.RecoveryItem(false)
		m.itemFailure(book, it, printErr.Error())
		return
	}
	if err := m.jobs.CompleteQueuedPrint(book, it.ID, job.ID, m.now()); err != nil {
		// The paper is out of the printer but the commit did not land;
		// the row stays claimed for the stale sweep rather than risking
		// a duplicate receipt.
		sess.ItemsFailed++
		observability.RecoveryItem(false)
		slog.Error("queued print not committed",
			slog.String("job_id", job.ID), slog.String("item_id", it.ID), slog.Any("error", err))
		return
	}
	observability.RecoveryItem(true)
	slog.Info("queued job reprinted",
		slog.String("job_id", job.ID), slog.String("job_type", string(job.JobType)))
}

// itemFailure spends one unit of the item's retry budget, parking the row
// as failed once the budget is gone.
func (m *Manager) itemFailure(ctx context.Context, it domain.QueueItem, msg string) {
	if it.RetryCount < it.MaxRetries {
		if err := m.queue.IncrementRetry(ctx, it.ID); err != nil {
			slog.Warn("queue retry not recorded", slog.String("item_id", it.ID), slog.Any("error", err))
		}
		return
	}
	if err := m.queue.UpdateStatus(ctx, it.ID, domain.QueueStatusFailed, msg); err != nil {
		slog.Warn("queue item not failed", slog.String("item_id", it.ID), slog.Any("error", err))
	}
}

// complete closes a drained session. The phase is completion either way;
// the event and alert carry the success verdict.
func (m *Manager) complete(ctx context.Context, sess domain.RecoverySession) {
	now := m.now()
	sess.Phase = domain.PhaseCompletion
	sess.CompletedAt = &now
	m.save(ctx, &sess)

	ok := sess.Succeeded(m.opts.SuccessThreshold)
	details := map[string]any{
		"items_total":     sess.ItemsTotal,
		"items_processed": sess.ItemsProcessed,
		"items_failed":    sess.ItemsFailed,
	}
	if ok {
		m.appendEvent(ctx, domain.EventRecoveryCompleted, sess, details)
		m.notify(ctx, domain.NotifyRecoveryCompleted, sess, details)
	} else {
		m.appendEvent(ctx, domain.EventRecoveryFailed, sess, details)
		m.notify(ctx, domain.NotifyRecoveryFailed, sess, details)
	}
	observability.RecoveryFinished(ok)
	slog.Info("recovery session completed",
		slog.String("session_id", sess.ID),
		slog.Bool("success", ok),
		slog.Int("processed", sess.ItemsProcessed),
		slog.Int("failed", sess.ItemsFailed))
}

// fail aborts a session from validation or a processing error.
func (m *Manager) fail(ctx context.Context, sess domain.RecoverySession, reason string) {
	now := m.now()
	sess.Phase = domain.PhaseFailed
	sess.ErrorMessage = reason
	sess.CompletedAt = &now
	m.save(ctx, &sess)

	details := map[string]any{"reason": reason}
	m.appendEvent(ctx, domain.EventRecoveryFailed, sess, details)
	m.notify(ctx, domain.NotifyRecoveryFailed, sess, details)
	observability.RecoveryFinished(false)
	slog.Warn("recovery session failed",
		slog.String("session_id", sess.ID), slog.String("reason", reason))
}

// save persists the session and refreshes the snapshot operators read.
// Persistence failures degrade to a log line; the drain keeps going.
func (m *Manager) save(ctx context.Context, sess *domain.RecoverySession) {
	sess.UpdatedAt = m.now()
	if err := m.sessions.SaveRecoverySession(ctx, *sess); err != nil {
		slog.Warn("recovery session not persisted", slog.String("session_id", sess.ID), slog.Any("error", err))
	}
	m.setCurrent(*sess)
}

func (m *Manager) setCurrent(sess domain.RecoverySession) {
	m.mu.Lock()
	m.current = sess
	m.started = true
	m.mu.Unlock()
}

func (m *Manager) appendEvent(ctx context.Context, typ domain.ConnEventType, sess domain.RecoverySession, extra map[string]any) {
	details := map[string]any{"session_id": sess.ID}
	for k, v := range extra {
		details[k] = v
	}
	ev := domain.ConnectivityEvent{
		ID:        uuid.New().String(),
		EventType: typ,
		Component: componentFor(sess.RecoveryType),
		Timestamp: m.now(),
		Details:   details,
	}
	if err := m.events.AppendConnectivityEvent(ctx, ev); err != nil {
		slog.Warn("recovery event not recorded", slog.String("event_type", string(typ)), slog.Any("error", err))
	}
}

func (m *Manager) notify(ctx context.Context, typ domain.NotificationType, sess domain.RecoverySession, details map[string]any) {
	if m.alerter == nil {
		return
	}
	merged := map[string]any{
		"session_id":    sess.ID,
		"recovery_type": string(sess.RecoveryType),
	}
	for k, v := range details {
		merged[k] = v
	}
	m.alerter.Notify(ctx, typ, merged)
}

// triggerType maps restoration events onto the session type they start.
func triggerType(t domain.ConnEventType) (domain.RecoveryType, bool) {
	switch t {
	case domain.EventPrinterOnline:
		return domain.RecoveryPrinter, true
	case domain.EventInternetOnline:
		return domain.RecoveryInternet, true
	case domain.EventConnectivityRestored:
		return domain.RecoveryCombined, true
	}
	return "", false
}

// needsPrinter reports whether validation must see a ready printer before
// the drain starts. Internet-only recovery prints locally regardless.
func needsPrinter(t domain.RecoveryType) bool {
	return t == domain.RecoveryPrinter || t == domain.RecoveryCombined
}

// componentFor tags session events with the component that recovered.
// Combined and manual sessions span both, so they stay untagged.
func componentFor(t domain.RecoveryType) domain.ConnComponent {
	switch t {
	case domain.RecoveryPrinter:
		return domain.ComponentPrinter
	case domain.RecoveryInternet:
		return domain.ComponentInternet
	}
	return ""
}
