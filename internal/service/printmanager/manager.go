// Package printmanager drives the print pipeline: a poll loop that
// repairs stale jobs, checks the printer, dispatches pending jobs
// through the retry manager and the printer breaker, and drains ready
// offline-queue items between passes.
//
// Jobs and queue rows never race: queue rows are claimed exclusively
// before a drain attempt, and a queued print commits by deleting the
// queue row and completing the job in one transaction. A job the loop
// printed directly is fenced out of the queue by its completed status.
package printmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/restogear/print-service/internal/adapter/observability"
	"github.com/restogear/print-service/internal/domain"
	"github.com/restogear/print-service/internal/service/breaker"
	"github.com/restogear/print-service/internal/service/offlinequeue"
	"github.com/restogear/print-service/internal/service/retry"
)

// Alerter receives operational notifications. Implemented by the
// notifier service; callers fire and forget.
type Alerter interface {
	Notify(ctx context.Context, t domain.NotificationType, details map[string]any)
}

// Options tune the poll loop.
type Options struct {
	// PollInterval is the pause between passes. Default 5s.
	PollInterval time.Duration
	// StalePrintingAfter is how long a job may sit in printing before the
	// sweep returns it to pending. Default 10m.
	StalePrintingAfter time.Duration
	// StopGrace bounds how long Stop waits for the loop to drain. Default 10s.
	StopGrace time.Duration
	// DrainLimit caps offline items drained per pass. Default 20.
	DrainLimit int
	// Retry overrides the per-job retry policy. Nil uses the printer-error
	// default strategy.
	Retry *domain.RetryConfig
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.StalePrintingAfter <= 0 {
		o.StalePrintingAfter = 10 * time.Minute
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 10 * time.Second
	}
	if o.DrainLimit <= 0 {
		o.DrainLimit = 20
	}
}

// Manager owns the print loop.
type Manager struct {
	jobs    domain.PrintJobRepository
	driver  domain.PrinterDriver
	queue   *offlinequeue.Service
	retries *retry.Manager
	brk     *breaker.Breaker
	alerter Alerter
	opts    Options
	now     func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New constructs a Manager. The breaker must be the printer breaker;
// alerter may be nil in tests.
func New(jobs domain.PrintJobRepository, driver domain.PrinterDriver, queue *offlinequeue.Service, retries *retry.Manager, printerBreaker *breaker.Breaker, alerter Alerter, opts Options) *Manager {
	opts.setDefaults()
	return &Manager{
		jobs:    jobs,
		driver:  driver,
		queue:   queue,
		retries: retries,
		brk:     printerBreaker,
		alerter: alerter,
		opts:    opts,
		now:     time.Now,
	}
}

// Start launches the poll loop. Calling Start on a running manager is a
// logged no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		slog.Warn("print loop already running")
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true
	m.mu.Unlock()

	go m.loop(runCtx, m.done)
}

// Stop cancels the loop and waits up to StopGrace for the current pass
// to finish. Stopping a stopped manager is a no-op.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(m.opts.StopGrace):
		slog.Warn("print loop did not stop within grace period",
			slog.Duration("grace", m.opts.StopGrace))
	}
}

// Running reports whether the loop is active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		close(done)
	}()

	slog.Info("print loop started",
		slog.Duration("poll_interval", m.opts.PollInterval))

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	m.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("print loop stopped")
			return
		case <-ticker.C:
			m.pass(ctx)
		}
	}
}

// pass is one poll cycle: repair, gate, dispatch, drain.
func (m *Manager) pass(ctx context.Context) {
	if n, err := m.jobs.ResetStalePrinting(ctx, m.now().Add(-m.opts.StalePrintingAfter)); err != nil {
		slog.Warn("stale printing sweep failed", slog.Any("error", err))
	} else if n > 0 {
		slog.Warn("stale printing jobs repaired", slog.Int("count", n))
	}
	if _, err := m.queue.CleanupExpired(ctx); err != nil {
		slog.Warn("queue expiry sweep failed", slog.Any("error", err))
	}

	if !m.Ready(ctx) {
		m.parkPending(ctx)
		return
	}

	m.dispatchPending(ctx)
	m.drainOffline(ctx)
}

// Ready reports whether the printer is connected and online, connecting
// once if needed. Also serves the recovery manager's readiness probe.
func (m *Manager) Ready(ctx context.Context) bool {
	if !m.driver.Connected() {
		if err := m.driver.Connect(ctx); err != nil {
			// The connectivity monitor logs the transition; a line per
			// poll would drown it out.
			slog.Debug("printer connect failed", slog.Any("error", err))
			return false
		}
	}
	st, err := m.driver.Status(ctx)
	if err != nil {
		slog.Debug("printer status probe failed", slog.Any("error", err))
		return false
	}
	return st == domain.PrinterOnline
}

// parkPending moves every pending job into the offline queue so nothing
// is lost while the printer is down. Re-parking an already queued job is
// a dedupe no-op in the queue.
func (m *Manager) parkPending(ctx context.Context) {
	jobs, err := m.jobs.PendingPrintJobs(ctx)
	if err != nil {
		slog.Warn("pending jobs not listed", slog.Any("error", err))
		return
	}
	if len(jobs) == 0 {
		return
	}

	parked := 0
	for _, job := range jobs {
		if _, err := m.queue.EnqueuePrintJob(ctx, job, 0); err != nil {
			if errors.Is(err, domain.ErrQueueFull) {
				m.notify(ctx, domain.NotifyQueueOverflow, map[string]any{
					"job_id":    job.ID,
					"remaining": len(jobs) - parked,
				})
				slog.Error("offline queue full, pending jobs not parked",
					slog.Int("parked", parked),
					slog.Int("remaining", len(jobs)-parked))
				return
			}
			slog.Warn("job not parked",
				slog.String("job_id", job.ID),
				slog.Any("error", err))
			continue
		}
		parked++
	}
	slog.Info("pending jobs parked while printer offline",
		slog.Int("count", parked))
}

// dispatchPending prints every due job in creation order, stopping when
// the loop is told to stop.
func (m *Manager) dispatchPending(ctx context.Context) {
	jobs, err := m.jobs.PendingPrintJobs(ctx)
	if err != nil {
		slog.Warn("pending jobs not listed", slog.Any("error", err))
		return
	}
	for _, job := range jobs {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m.dispatch(ctx, job)
	}
}

// dispatch runs one job through its remaining attempt budget. Exhaustion
// fails the job, dead-letters the task and raises a system_error.
func (m *Manager) dispatch(ctx context.Context, job domain.PrintJob) {
	cfg := domain.DefaultStrategyFor(domain.FailurePrinterError)
	if m.opts.Retry != nil {
		cfg = *m.opts.Retry
	}
	// The job row carries the attempt budget; the strategy only shapes
	// the delays between the attempts that remain.
	if remaining := job.MaxAttempts - job.Attempts; remaining < cfg.MaxAttempts {
		cfg.MaxAttempts = remaining
	}

	var fenced bool
	err := m.retries.Do(ctx, retry.Task{
		ID:          job.ID,
		Name:        "print_job:" + string(job.JobType),
		FailureType: domain.FailurePrinterError,
		Config:      &cfg,
		Metadata: map[string]any{
			"job_id":   job.ID,
			"order_id": job.OrderID,
			"job_type": string(job.JobType),
		},
		Fn: func(ctx context.Context) error {
			attempted, err := m.printOnce(ctx, job.ID)
			if err == nil && !attempted {
				fenced = true
			}
			return err
		},
	})

	switch {
	case err == nil && fenced:
		slog.Info("job no longer printable, skipped",
			slog.String("job_id", job.ID))
	case err == nil:
		observability.JobCompleted(string(job.JobType))
		slog.Info("job printed",
			slog.String("job_id", job.ID),
			slog.String("order_id", job.OrderID),
			slog.String("job_type", string(job.JobType)))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Shutdown mid-dispatch; the job stays pending for the next run.
	default:
		observability.JobFailed(string(job.JobType))
		if ferr := m.jobs.FailJob(ctx, job.ID, err.Error()); ferr != nil {
			slog.Warn("exhausted job not marked failed",
				slog.String("job_id", job.ID),
				slog.Any("error", ferr))
		}
		m.notify(ctx, domain.NotifySystemError, map[string]any{
			"job_id":   job.ID,
			"order_id": job.OrderID,
			"job_type": string(job.JobType),
			"error":    err.Error(),
		})
		slog.Error("job failed permanently",
			slog.String("job_id", job.ID),
			slog.String("order_id", job.OrderID),
			slog.Any("error", err))
	}
}

// printOnce performs one bookkept physical attempt: flip to printing,
// write through the breaker, complete or return to pending. attempted
// is false with a nil error when another actor already handled the job.
func (m *Manager) printOnce(ctx context.Context, jobID string) (bool, error) {
	job, err := m.jobs.MarkJobPrinting(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			// Completed by a queue drain, failed by an operator, or the
			// budget was spent elsewhere. Nothing left to print.
			return false, nil
		}
		return false, fmt.Errorf("op=printmanager.printOnce: %w", err)
	}

	printErr := m.brk.Do(ctx, func(ctx context.Context) error {
		return m.driver.PrintReceipt(ctx, job.Content)
	})
	observability.PrintAttempt(printErr == nil)
	if printErr != nil {
		if rerr := m.jobs.ReturnJobToPending(ctx, jobID, printErr.Error()); rerr != nil {
			slog.Warn("failed job not returned to pending",
				slog.String("job_id", jobID),
				slog.Any("error", rerr))
		}
		return true, printErr
	}

	if cerr := m.jobs.CompleteJob(ctx, jobID, m.now()); cerr != nil {
		// The paper is out of the printer; retrying would print it again.
		// The stale sweep will repair the row.
		slog.Error("printed job not marked completed",
			slog.String("job_id", jobID),
			slog.Any("error", cerr))
	}
	return true, nil
}

// drainOffline prints a claimed batch of ready queue items. Orphaned
// rows and rows whose job already completed are removed without a print.
func (m *Manager) drainOffline(ctx context.Context) {
	items, err := m.queue.NextItems(ctx, domain.ItemTypePrintJob, m.opts.DrainLimit)
	if err != nil {
		slog.Warn("offline items not listed", slog.Any("error", err))
		return
	}
	if len(items) == 0 {
		return
	}

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	allClaimed, err := m.queue.ClaimBatch(ctx, ids)
	if err != nil {
		slog.Warn("offline items not claimed", slog.Any("error", err))
		return
	}

	for _, it := range items {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !allClaimed {
			// A recovery session got part of the batch; only touch rows
			// this loop holds.
			cur, err := m.queue.Get(ctx, it.ID)
			if err != nil || cur.Status != domain.QueueStatusProcessing {
				continue
			}
		}
		m.drainItem(ctx, it)
	}
}

func (m *Manager) drainItem(ctx context.Context, it domain.QueueItem) {
	job, err := m.jobs.GetPrintJob(ctx, it.ItemID)
	if errors.Is(err, domain.ErrNotFound) {
		m.removeQueued(ctx, it.ID)
		slog.Warn("queue item without job removed",
			slog.String("queue_id", it.ID),
			slog.String("job_id", it.ItemID))
		return
	}
	if err != nil {
		slog.Warn("queued job not loaded",
			slog.String("queue_id", it.ID),
			slog.Any("error", err))
		m.queuedFailure(ctx, it, "load job: "+err.Error())
		return
	}
	if job.Status == domain.JobCompleted {
		m.removeQueued(ctx, it.ID)
		slog.Info("completed job fenced from reprint",
			slog.String("queue_id", it.ID),
			slog.String("job_id", job.ID))
		return
	}

	if err := m.PrintDirect(ctx, job); err != nil {
		m.queuedFailure(ctx, it, err.Error())
		return
	}
	if err := m.jobs.CompleteQueuedPrint(ctx, it.ID, job.ID, m.now()); err != nil {
		// Printed but not committed. The row stays claimed so nothing
		// reprints it before the stale sweep decides.
		slog.Error("queued print not committed",
			slog.String("queue_id", it.ID),
			slog.String("job_id", job.ID),
			slog.Any("error", err))
		return
	}
	observability.JobCompleted(string(job.JobType))
	slog.Info("queued job printed",
		slog.String("queue_id", it.ID),
		slog.String("job_id", job.ID))
}

// PrintDirect performs a single bookkept physical attempt for a queued
// job: printing flip, breaker-guarded write, return to pending on
// failure. Completion stays with the caller's commit. Serves the
// recovery manager as well as the loop's own drain.
func (m *Manager) PrintDirect(ctx context.Context, job domain.PrintJob) error {
	if _, err := m.jobs.MarkJobPrinting(ctx, job.ID); err != nil {
		return fmt.Errorf("op=printmanager.PrintDirect: %w", err)
	}
	printErr := m.brk.Do(ctx, func(ctx context.Context) error {
		return m.driver.PrintReceipt(ctx, job.Content)
	})
	observability.PrintAttempt(printErr == nil)
	if printErr != nil {
		if rerr := m.jobs.ReturnJobToPending(ctx, job.ID, printErr.Error()); rerr != nil {
			slog.Warn("failed job not returned to pending",
				slog.String("job_id", job.ID),
				slog.Any("error", rerr))
		}
		return fmt.Errorf("op=printmanager.PrintDirect: %w", printErr)
	}
	return nil
}

// queuedFailure spends one unit of the queue row's retry budget, failing
// the row once the budget is gone.
func (m *Manager) queuedFailure(ctx context.Context, it domain.QueueItem, msg string) {
	if it.RetryCount < it.MaxRetries {
		if err := m.queue.IncrementRetry(ctx, it.ID); err != nil {
			slog.Warn("queue retry not recorded",
				slog.String("queue_id", it.ID),
				slog.Any("error", err))
		}
		return
	}
	if err := m.queue.UpdateStatus(ctx, it.ID, domain.QueueStatusFailed, msg); err != nil {
		slog.Warn("queue item not failed",
			slog.String("queue_id", it.ID),
			slog.Any("error", err))
	}
}

func (m *Manager) removeQueued(ctx context.Context, id string) {
	if err := m.queue.Remove(ctx, id); err != nil {
		slog.Warn("queue item not removed",
			slog.String("queue_id", id),
			slog.Any("error", err))
	}
}

// ProcessJobImmediately prints one pending job now, outside the poll
// cadence, honoring the printer gate and the breaker. Returns whether
// the job ended up completed.
func (m *Manager) ProcessJobImmediately(ctx context.Context, jobID string) bool {
	if !m.Ready(ctx) {
		slog.Info("immediate print refused, printer not ready",
			slog.String("job_id", jobID))
		return false
	}
	job, err := m.jobs.GetPrintJob(ctx, jobID)
	if err != nil {
		slog.Warn("immediate print target not loaded",
			slog.String("job_id", jobID),
			slog.Any("error", err))
		return false
	}
	if err := m.PrintDirect(ctx, job); err != nil {
		slog.Warn("immediate print failed",
			slog.String("job_id", jobID),
			slog.Any("error", err))
		return false
	}
	if err := m.jobs.CompleteJob(ctx, jobID, m.now()); err != nil {
		slog.Error("printed job not marked completed",
			slog.String("job_id", jobID),
			slog.Any("error", err))
		return true
	}
	observability.JobCompleted(string(job.JobType))
	slog.Info("job printed immediately", slog.String("job_id", jobID))
	return true
}

// RetryFailedJobs returns every failed job to pending with a fresh
// attempt budget. Exposed to operators.
func (m *Manager) RetryFailedJobs(ctx context.Context) (int, error) {
	n, err := m.jobs.ResetFailedJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("op=printmanager.RetryFailedJobs: %w", err)
	}
	if n > 0 {
		slog.Info("failed jobs reset for retry", slog.Int("count", n))
	}
	return n, nil
}

// Statistics reads job counters fresh from the store.
func (m *Manager) Statistics(ctx context.Context) (domain.JobStats, error) {
	return m.jobs.JobStatistics(ctx)
}

func (m *Manager) notify(ctx context.Context, t domain.NotificationType, details map[string]any) {
	if m.alerter == nil {
		return
	}
	m.alerter.Notify(ctx, t, details)
}
