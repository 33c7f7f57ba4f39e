// Package retry executes retryable tasks with per-failure-type policies
// and moves exhausted tasks to a dead-letter queue for operator requeue.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/restogear/print-service/internal/adapter/observability"
	"github.com/restogear/print-service/internal/domain"
)

// Task is one unit of retryable work. Fn runs once per attempt; the
// policy comes from Config when set, otherwise from the failure type's
// default strategy.
type Task struct {
	ID          string
	Name        string
	FailureType domain.FailureType
	Config      *domain.RetryConfig
	Metadata    map[string]any
	Fn          func(context.Context) error
}

// Manager runs tasks with retry policies. A single queue worker consumes
// asynchronously submitted tasks; Do serves callers that need the result
// inline.
type Manager struct {
	log   domain.RetryLogRepository
	tasks chan Task
	now   func() time.Time

	mu sync.Mutex
	// dlq holds the persisted-shaped record; fnByTask keeps the live
	// callable, which cannot be serialized.
	dlq      map[string]domain.DeadLetter
	fnByTask map[string]func(context.Context) error
}

// NewManager constructs a Manager. queueSize bounds the async task queue.
func NewManager(log domain.RetryLogRepository, queueSize int) *Manager {
	if queueSize < 1 {
		queueSize = 100
	}
	return &Manager{
		log:      log,
		tasks:    make(chan Task, queueSize),
		now:      time.Now,
		dlq:      make(map[string]domain.DeadLetter),
		fnByTask: make(map[string]func(context.Context) error),
	}
}

// Do runs the task synchronously through its full attempt budget. Every
// attempt is persisted in order. Cancellation aborts the wait between
// attempts; an in-flight call completes. On exhaustion the task is
// dead-lettered and the error wraps domain.ErrExhausted.
//
// A rejection by an open circuit breaker is just another transient
// failure here; the breaker itself does not count rejections.
func (m *Manager) Do(ctx context.Context, task Task) error {
	if task.Fn == nil {
		return fmt.Errorf("op=retry.Do: nil task fn: %w", domain.ErrInvalidArgument)
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.FailureType == "" {
		task.FailureType = domain.FailureUnknown
	}
	cfg := domain.DefaultStrategyFor(task.FailureType)
	if task.Config != nil {
		cfg = *task.Config
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	rt := domain.RetryTask{
		ID:          task.ID,
		Name:        task.Name,
		FailureType: task.FailureType,
		Config:      cfg,
		Metadata:    task.Metadata,
		CreatedAt:   m.now(),
	}

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		delay := cfg.Delay(attempt)
		if delay > 0 {
			if err := wait(ctx, delay); err != nil {
				return fmt.Errorf("op=retry.Do: task %s: %w", task.ID, err)
			}
		}

		start := m.now()
		err := task.Fn(ctx)
		dur := m.now().Sub(start)

		a := domain.RetryAttempt{
			AttemptNumber: attempt,
			Timestamp:     start,
			DelayBefore:   delay,
			Success:       err == nil,
			Duration:      dur,
		}
		if err != nil {
			a.ErrorMessage = err.Error()
			rt.LastError = err.Error()
		}
		rt.Attempts = append(rt.Attempts, a)
		if logErr := m.log.AppendRetryAttempt(ctx, task.ID, task.FailureType, a); logErr != nil {
			// The audit trail must not take the dispatch path down with it.
			slog.Warn("retry attempt not persisted",
				slog.String("task_id", task.ID),
				slog.Any("error", logErr))
		}
		observability.RetryAttempt(string(task.FailureType), err == nil)

		if err == nil {
			return nil
		}
		slog.Warn("retry attempt failed",
			slog.String("task", task.Name),
			slog.String("task_id", task.ID),
			slog.String("failure_type", string(task.FailureType)),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", cfg.MaxAttempts),
			slog.Any("error", err))
	}

	m.deadLetter(ctx, task, rt)
	return fmt.Errorf("op=retry.Do: task %s: %w: %s", task.Name, domain.ErrExhausted, rt.LastError)
}

// Submit queues a task for the background worker. It never blocks; a full
// queue is an error the caller decides how to handle.
func (m *Manager) Submit(task Task) error {
	select {
	case m.tasks <- task:
		return nil
	default:
		return fmt.Errorf("op=retry.Submit: task %s: %w", task.Name, domain.ErrQueueFull)
	}
}

// Run consumes submitted tasks until the context is cancelled. Outcomes
// are logged; callers that need the result use Do.
func (m *Manager) Run(ctx context.Context) {
	slog.Info("retry worker started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("retry worker stopped")
			return
		case task := <-m.tasks:
			if err := m.Do(ctx, task); err != nil {
				slog.Warn("background task failed",
					slog.String("task", task.Name),
					slog.Any("error", err))
			}
		}
	}
}

// deadLetter parks an exhausted task for inspection and manual requeue.
func (m *Manager) deadLetter(ctx context.Context, task Task, rt domain.RetryTask) {
	moved := m.now()
	m.mu.Lock()
	m.dlq[task.ID] = domain.DeadLetter{
		TaskID:        task.ID,
		Task:          rt,
		FailureReason: rt.LastError,
		MovedAt:       moved,
		CanRequeue:    true,
	}
	m.fnByTask[task.ID] = task.Fn
	m.mu.Unlock()

	if err := m.log.MarkTaskDeadLettered(ctx, task.ID, moved); err != nil {
		slog.Warn("dead-letter mark not persisted",
			slog.String("task_id", task.ID),
			slog.Any("error", err))
	}
	observability.DeadLettered()
	slog.Error("task dead-lettered",
		slog.String("task", task.Name),
		slog.String("task_id", task.ID),
		slog.String("failure_type", string(task.FailureType)),
		slog.Int("attempts", len(rt.Attempts)),
		slog.String("last_error", rt.LastError))
}

// DeadLetters returns the parked tasks ordered by when they arrived.
func (m *Manager) DeadLetters() []domain.DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.DeadLetter, 0, len(m.dlq))
	for _, dl := range m.dlq {
		out = append(out, dl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MovedAt.Before(out[j].MovedAt) })
	return out
}

// Requeue clears a dead letter and resubmits its task for a fresh run
// with an empty attempt log.
func (m *Manager) Requeue(ctx context.Context, taskID string) error {
	m.mu.Lock()
	dl, ok := m.dlq[taskID]
	fn := m.fnByTask[taskID]
	if ok {
		delete(m.dlq, taskID)
		delete(m.fnByTask, taskID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("op=retry.Requeue: task %s: %w", taskID, domain.ErrNotFound)
	}

	if err := m.log.ClearDeadLetter(ctx, taskID); err != nil {
		slog.Warn("dead-letter clear not persisted",
			slog.String("task_id", taskID),
			slog.Any("error", err))
	}

	task := Task{
		ID:          dl.TaskID,
		Name:        dl.Task.Name,
		FailureType: dl.Task.FailureType,
		Config:      &dl.Task.Config,
		Metadata:    dl.Task.Metadata,
		Fn:          fn,
	}
	if err := m.Submit(task); err != nil {
		// Put it back rather than losing the task.
		m.mu.Lock()
		m.dlq[taskID] = dl
		m.fnByTask[taskID] = fn
		m.mu.Unlock()
		return err
	}
	slog.Info("dead letter requeued",
		slog.String("task", dl.Task.Name),
		slog.String("task_id", taskID))
	return nil
}

// wait blocks for d or until the context is cancelled.
func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
