// Package offlinequeue buffers orders and print jobs that cannot be
// printed right now. The store owns the rows; this service enforces the
// size cap, applies TTLs and derives the urgency view recovery uses.
package offlinequeue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/restogear/print-service/internal/adapter/observability"
	"github.com/restogear/print-service/internal/domain"
)

// Options tune the queue service.
type Options struct {
	MaxSize int
	ItemTTL time.Duration
}

// Service is the offline queue.
type Service struct {
	repo domain.QueueRepository
	opts Options
	now  func() time.Time
}

// New constructs the queue service with defaults applied.
func New(repo domain.QueueRepository, opts Options) *Service {
	if opts.MaxSize <= 0 {
		opts.MaxSize = 10000
	}
	if opts.ItemTTL <= 0 {
		opts.ItemTTL = domain.DefaultQueueItemTTL
	}
	return &Service{repo: repo, opts: opts, now: time.Now}
}

// EnqueueOrder queues a whole order for deferred processing.
func (s *Service) EnqueueOrder(ctx context.Context, o domain.Order, prio domain.Priority) (string, error) {
	if prio == 0 {
		prio = domain.PriorityNormal
	}
	md := map[string]any{"external_order_id": o.ExternalOrderID}
	return s.enqueue(ctx, domain.ItemTypeOrder, o.ID, prio, md)
}

// EnqueuePrintJob queues a single print job. An unset priority derives
// from the job type: kitchen tickets jump the line, customer copies wait.
func (s *Service) EnqueuePrintJob(ctx context.Context, j domain.PrintJob, prio domain.Priority) (string, error) {
	if prio == 0 {
		prio = domain.PriorityForJobType(j.JobType)
	}
	md := map[string]any{
		"job_type": string(j.JobType),
		"order_id": j.OrderID,
	}
	return s.enqueue(ctx, domain.ItemTypePrintJob, j.ID, prio, md)
}

func (s *Service) enqueue(ctx context.Context, itemType domain.ItemType, itemID string, prio domain.Priority, md map[string]any) (string, error) {
	live, err := s.repo.CountLiveQueueItems(ctx)
	if err != nil {
		return "", fmt.Errorf("op=offlinequeue.enqueue: %w", err)
	}
	if live >= s.opts.MaxSize {
		return "", fmt.Errorf("op=offlinequeue.enqueue: %s %s: size %d: %w",
			itemType, itemID, live, domain.ErrQueueFull)
	}

	now := s.now()
	expires := now.Add(s.opts.ItemTTL)
	id, created, err := s.repo.CreateQueueItem(ctx, domain.QueueItem{
		ItemType:   itemType,
		ItemID:     itemID,
		Priority:   prio,
		Status:     domain.QueueStatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: domain.DefaultQueueMaxRetries,
		ExpiresAt:  &expires,
		Metadata:   md,
	})
	if err != nil {
		return "", fmt.Errorf("op=offlinequeue.enqueue: %w", err)
	}
	if !created {
		slog.Info("item already queued",
			slog.String("item_type", string(itemType)),
			slog.String("item_id", itemID),
			slog.String("queue_id", id))
		return id, nil
	}
	observability.ItemEnqueued(string(itemType))
	observability.SetQueueDepth(live + 1)
	slog.Info("item queued",
		slog.String("item_type", string(itemType)),
		slog.String("item_id", itemID),
		slog.String("queue_id", id),
		slog.Int("priority", int(prio)))
	return id, nil
}

// NextItems lists claimable items in drain order without claiming them.
func (s *Service) NextItems(ctx context.Context, itemType domain.ItemType, limit int) ([]domain.QueueItem, error) {
	return s.repo.NextQueueItems(ctx, itemType, limit)
}

// Get loads one queue item.
func (s *Service) Get(ctx context.Context, id string) (domain.QueueItem, error) {
	return s.repo.GetQueueItem(ctx, id)
}

// ClaimBatch flips the given ids from queued to processing in one
// transaction. It reports whether every id transitioned; callers see a
// partial claim but never an automatic retry of it.
func (s *Service) ClaimBatch(ctx context.Context, ids []string) (bool, error) {
	if len(ids) == 0 {
		return true, nil
	}
	n, err := s.repo.ClaimQueueItems(ctx, ids, s.now())
	if err != nil {
		return false, fmt.Errorf("op=offlinequeue.ClaimBatch: %w", err)
	}
	if n != len(ids) {
		slog.Warn("partial queue claim",
			slog.Int("requested", len(ids)),
			slog.Int("claimed", n))
	}
	return n == len(ids), nil
}

// UpdateStatus moves one item to the given status.
func (s *Service) UpdateStatus(ctx context.Context, id string, status domain.QueueStatus, errMsg string) error {
	return s.repo.UpdateQueueItemStatus(ctx, id, status, errMsg)
}

// IncrementRetry bumps the item's retry count and returns it to queued.
func (s *Service) IncrementRetry(ctx context.Context, id string) error {
	return s.repo.IncrementQueueRetry(ctx, id)
}

// Remove deletes an item. Removal after a successful print is the commit
// point that makes a reprint impossible.
func (s *Service) Remove(ctx context.Context, id string) error {
	return s.repo.RemoveQueueItem(ctx, id)
}

// CleanupExpired expires queued rows past their TTL.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	n, err := s.repo.CleanupExpiredItems(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("op=offlinequeue.CleanupExpired: %w", err)
	}
	if n > 0 {
		observability.ItemsExpired(n)
		slog.Info("expired queue items", slog.Int("count", n))
	}
	return n, nil
}

// Statistics returns the operator aggregate and refreshes the depth gauge.
func (s *Service) Statistics(ctx context.Context) (domain.QueueStats, error) {
	stats, err := s.repo.QueueStatistics(ctx, s.now())
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=offlinequeue.Statistics: %w", err)
	}
	observability.SetQueueDepth(stats.Live)
	return stats, nil
}

// Urgency grades how badly the queue needs draining.
type Urgency string

const (
	UrgencyNone     Urgency = "none"
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// RecoveryStats is the queue view the recovery manager and operators act on.
type RecoveryStats struct {
	QueuedItems     int           `json:"queued_items"`
	ProcessingItems int           `json:"processing_items"`
	OldestQueuedAge time.Duration `json:"oldest_queued_age"`
	ExpiringSoon    int           `json:"expiring_soon"`
	Urgency         Urgency       `json:"urgency"`
}

// RecoveryStatistics derives urgency from the age of the oldest queued
// item, bumped one level when items are about to expire.
func (s *Service) RecoveryStatistics(ctx context.Context) (RecoveryStats, error) {
	stats, err := s.repo.QueueStatistics(ctx, s.now())
	if err != nil {
		return RecoveryStats{}, fmt.Errorf("op=offlinequeue.RecoveryStatistics: %w", err)
	}
	rs := RecoveryStats{
		QueuedItems:     stats.ByStatus[domain.QueueStatusQueued],
		ProcessingItems: stats.ByStatus[domain.QueueStatusProcessing],
		ExpiringSoon:    stats.ExpiringSoon,
	}
	if stats.OldestQueuedAt != nil {
		rs.OldestQueuedAge = s.now().Sub(*stats.OldestQueuedAt)
	}
	rs.Urgency = urgency(rs.QueuedItems, rs.OldestQueuedAge, rs.ExpiringSoon)
	return rs, nil
}

// urgency ladders the age of the oldest queued item at 2/6/12 hours and
// bumps one level when expiry is close.
func urgency(queued int, age time.Duration, expiringSoon int) Urgency {
	if queued == 0 {
		return UrgencyNone
	}
	var u Urgency
	switch {
	case age >= 12*time.Hour:
		u = UrgencyCritical
	case age >= 6*time.Hour:
		u = UrgencyHigh
	case age >= 2*time.Hour:
		u = UrgencyMedium
	default:
		u = UrgencyLow
	}
	if expiringSoon > 0 {
		u = bump(u)
	}
	return u
}

func bump(u Urgency) Urgency {
	switch u {
	case UrgencyLow:
		return UrgencyMedium
	case UrgencyMedium:
		return UrgencyHigh
	case UrgencyHigh:
		return UrgencyCritical
	default:
		return u
	}
}
