// Package domain holds the entities, ports and error taxonomy of the print
// service. Adapters and services depend on this package, never the reverse.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrQueueFull       = errors.New("queue full")
	ErrStore           = errors.New("store failure")
	ErrUnavailable     = errors.New("unavailable")
	ErrExhausted       = errors.New("retry budget exhausted")
	ErrSessionActive   = errors.New("recovery session active")
	ErrPrinterOffline  = errors.New("printer offline")
	ErrInternal        = errors.New("internal error")
)

// OrderStatus enumerates the lifecycle of an ingested order.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderCompleted  OrderStatus = "completed"
	OrderCancelled  OrderStatus = "cancelled"
)

// OrderItem is a single line item on an order.
type OrderItem struct {
	ID        string
	Name      string
	Quantity  int
	UnitPrice float64
	Variant   string
	Notes     string
}

// Customer carries contact details; at least one of the three must be set.
type Customer struct {
	Name  string
	Email string
	Phone string
}

// Delivery is the drop-off address plus free-form instructions.
type Delivery struct {
	Street       string
	City         string
	PostalCode   string
	Instructions string
}

// Order is immutable once stored. Items is never empty.
type Order struct {
	ID              string
	ExternalOrderID string
	Status          OrderStatus
	Items           []OrderItem
	Customer        Customer
	Delivery        Delivery
	TotalAmount     float64
	Currency        string
	CreatedAt       time.Time
	RawPayload      []byte
}

// JobType selects the receipt variant a print job renders.
type JobType string

const (
	JobTypeKitchen  JobType = "kitchen"
	JobTypeService  JobType = "service"
	JobTypeCustomer JobType = "customer"
	JobTypeOther    JobType = "other"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobPrinting  JobStatus = "printing"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// PrintJob is one receipt rendering for one order variant.
// Invariants: Attempts <= MaxAttempts; Status==completed implies PrintedAt
// set; Content is written once at creation and never mutated.
type PrintJob struct {
	ID           string
	OrderID      string
	JobType      JobType
	Status       JobStatus
	Content      []byte
	Attempts     int
	MaxAttempts  int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	PrintedAt    *time.Time
	ErrorMessage string
}

// DefaultMaxAttempts is the per-job physical print budget.
const DefaultMaxAttempts = 3

// Priority orders offline-queue items; higher drains first.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// PriorityForJobType maps receipt variants to queue priorities: the kitchen
// copy blocks food prep, the customer copy can wait.
func PriorityForJobType(t JobType) Priority {
	switch t {
	case JobTypeKitchen:
		return PriorityHigh
	case JobTypeCustomer:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// ItemType discriminates what an offline-queue row points at.
type ItemType string

const (
	ItemTypeOrder    ItemType = "order"
	ItemTypePrintJob ItemType = "print_job"
)

type QueueStatus string

const (
	QueueStatusQueued     QueueStatus = "queued"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusExpired    QueueStatus = "expired"
)

// QueueItem is a deferred unit of work in the offline queue.
// Invariants: at most one live row per (ItemType, ItemID); expired rows are
// never surfaced as queued.
type QueueItem struct {
	ID           string
	ItemType     ItemType
	ItemID       string
	Priority     Priority
	Status       QueueStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
	RetryCount   int
	MaxRetries   int
	ExpiresAt    *time.Time
	ErrorMessage string
	Metadata     map[string]any
}

// DefaultQueueMaxRetries bounds recovery attempts per queue item.
const DefaultQueueMaxRetries = 3

// DefaultQueueItemTTL is how long a queue item stays claimable.
const DefaultQueueItemTTL = 24 * time.Hour

// Live reports whether the item still occupies the queue.
func (q QueueItem) Live() bool {
	return q.Status == QueueStatusQueued || q.Status == QueueStatusProcessing
}

// JobStats is a point-in-time aggregate over print_jobs, always derived
// fresh from the store.
type JobStats struct {
	Total          int
	ByStatus       map[JobStatus]int
	ByType         map[JobType]int
	CompletedToday int
	FailedToday    int
}

// QueueStats aggregates the offline queue for operators and recovery.
type QueueStats struct {
	Live           int
	ByStatus       map[QueueStatus]int
	ByPriority     map[Priority]int
	ByItemType     map[ItemType]int
	OldestQueuedAt *time.Time
	ExpiringSoon   int
}

// Repositories (ports)

type OrderRepository interface {
	SaveOrder(ctx Context, o Order) error
	GetOrder(ctx Context, id string) (Order, error)
	GetOrderByExternalID(ctx Context, externalID string) (Order, error)
}

type PrintJobRepository interface {
	CreatePrintJob(ctx Context, j PrintJob) (string, error)
	GetPrintJob(ctx Context, id string) (PrintJob, error)
	// PendingPrintJobs returns status=pending with attempts<maxAttempts,
	// createdAt ascending.
	PendingPrintJobs(ctx Context) ([]PrintJob, error)
	// MarkJobPrinting flips pending->printing and increments attempts in one
	// statement; ErrConflict when the job is not printable.
	MarkJobPrinting(ctx Context, id string) (PrintJob, error)
	CompleteJob(ctx Context, id string, printedAt time.Time) error
	FailJob(ctx Context, id string, errMsg string) error
	// ReturnJobToPending puts a transiently failed job back for the next pass.
	ReturnJobToPending(ctx Context, id string, errMsg string) error
	// CompleteQueuedPrint removes the queue row and completes the job in one
	// transaction, queue delete first.
	CompleteQueuedPrint(ctx Context, queueItemID, jobID string, printedAt time.Time) error
	ResetFailedJobs(ctx Context) (int, error)
	ResetStalePrinting(ctx Context, cutoff time.Time) (int, error)
	JobStatistics(ctx Context) (JobStats, error)
}

type QueueRepository interface {
	// CreateQueueItem inserts unless a live row for (ItemType, ItemID)
	// exists, in which case the existing id is returned with created=false.
	CreateQueueItem(ctx Context, item QueueItem) (id string, created bool, err error)
	GetQueueItem(ctx Context, id string) (QueueItem, error)
	// NextQueueItems lists claimable items: queued, unexpired, priority desc
	// then createdAt asc. Empty itemType means any.
	NextQueueItems(ctx Context, itemType ItemType, limit int) ([]QueueItem, error)
	// ClaimQueueItems transitions queued->processing for the given ids in one
	// transaction and reports how many actually flipped.
	ClaimQueueItems(ctx Context, ids []string, now time.Time) (int, error)
	UpdateQueueItemStatus(ctx Context, id string, status QueueStatus, errMsg string) error
	// IncrementQueueRetry bumps retry_count and returns the row to queued.
	IncrementQueueRetry(ctx Context, id string) error
	RemoveQueueItem(ctx Context, id string) error
	CleanupExpiredItems(ctx Context, now time.Time) (int, error)
	CountLiveQueueItems(ctx Context) (int, error)
	QueueStatistics(ctx Context, now time.Time) (QueueStats, error)
}

// Collaborator ports

// PrinterStatus is the adapter-reported device state.
type PrinterStatus string

const (
	PrinterOnline   PrinterStatus = "online"
	PrinterOffline  PrinterStatus = "offline"
	PrinterError    PrinterStatus = "error"
	PrinterPaperOut PrinterStatus = "paper_out"
	PrinterUnknown  PrinterStatus = "unknown"
)

// PrinterDriver is the opaque ESC/POS driver. All calls are synchronous;
// bytes are opaque to the core.
type PrinterDriver interface {
	Connect(ctx Context) error
	Disconnect() error
	Connected() bool
	Status(ctx Context) (PrinterStatus, error)
	PrintReceipt(ctx Context, data []byte) error
	PrintText(ctx Context, data []byte) error
}

// ReceiptFormatter renders an order into printable bytes for a variant.
// Implementations are pure.
type ReceiptFormatter interface {
	Format(o Order, variant JobType) ([]byte, error)
}

// NotificationTransport delivers a rendered notification.
type NotificationTransport interface {
	Send(ctx Context, to []string, subject, body string) error
}

// Context is an alias so ports read uniformly; adapters pass
// context.Context straight through.
type Context = context.Context
