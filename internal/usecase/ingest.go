// Package usecase contains the application services behind the ingest
// webhook and the operator statistics surface.
package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/restogear/print-service/internal/adapter/observability"
	"github.com/restogear/print-service/internal/domain"
	"github.com/restogear/print-service/internal/service/offlinequeue"
	"github.com/restogear/print-service/pkg/textx"
)

// SubmitMode reports which ingest path handled an order.
const (
	ModeOnline  = "online"
	ModeOffline = "offline"
)

// SubmitResult is the caller-visible outcome of one order submission.
type SubmitResult struct {
	OrderID     string `json:"order_id"`
	JobsCreated int    `json:"jobs_created"`
	Mode        string `json:"mode"`
}

// ConnectivityView is the slice of the connectivity monitor the ingest
// path needs: the current verdict for one component.
type ConnectivityView interface {
	Status(comp domain.ConnComponent) domain.ConnStatus
}

// Alerter decouples ingest from the notification service.
type Alerter interface {
	Notify(ctx context.Context, t domain.NotificationType, details map[string]any)
}

// IngestOptions tune order intake.
type IngestOptions struct {
	// Variants lists the receipt copies emitted per order, in print
	// order. Empty means kitchen + customer.
	Variants []domain.JobType
	// DefaultCurrency fills orders whose payload omits one.
	DefaultCurrency string
	// MaxAttempts is the per-job physical print budget.
	MaxAttempts int
}

func (o *IngestOptions) setDefaults() {
	if len(o.Variants) == 0 {
		o.Variants = []domain.JobType{domain.JobTypeKitchen, domain.JobTypeCustomer}
	}
	if o.DefaultCurrency == "" {
		o.DefaultCurrency = "CHF"
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = domain.DefaultMaxAttempts
	}
}

// IngestService validates raw order payloads, persists them and fans out
// one print job per enabled receipt variant. When the internet link is
// down the jobs additionally land in the offline queue so recovery can
// replay them in priority order.
type IngestService struct {
	orders    domain.OrderRepository
	jobs      domain.PrintJobRepository
	formatter domain.ReceiptFormatter
	queue     *offlinequeue.Service
	conn      ConnectivityView
	alerts    Alerter
	opts      IngestOptions

	validate *validator.Validate
	localSeq atomic.Uint64

	now func() time.Time
}

// NewIngestService wires the ingest use case. conn and alerts may be nil
// in tests; a nil conn means the online path is always taken.
func NewIngestService(orders domain.OrderRepository, jobs domain.PrintJobRepository, formatter domain.ReceiptFormatter, queue *offlinequeue.Service, conn ConnectivityView, alerts Alerter, opts IngestOptions) *IngestService {
	opts.setDefaults()
	return &IngestService{
		orders:    orders,
		jobs:      jobs,
		formatter: formatter,
		queue:     queue,
		conn:      conn,
		alerts:    alerts,
		opts:      opts,
		validate:  validator.New(),
		now:       time.Now,
	}
}

// orderPayload is the wire shape accepted from the ordering backend.
type orderPayload struct {
	ID              string  `json:"id"`
	ExternalOrderID string  `json:"external_order_id" validate:"required"`
	TotalAmount     float64 `json:"total_amount" validate:"gte=0"`
	Currency        string  `json:"currency" validate:"max=8"`

	Items []itemPayload `json:"items" validate:"required,min=1,dive"`

	Customer struct {
		Name  string `json:"name" validate:"max=200"`
		Email string `json:"email" validate:"omitempty,email"`
		Phone string `json:"phone" validate:"max=50"`
	} `json:"customer"`

	Delivery struct {
		Street       string `json:"street" validate:"max=300"`
		City         string `json:"city" validate:"max=100"`
		PostalCode   string `json:"postal_code" validate:"max=20"`
		Instructions string `json:"instructions" validate:"max=1000"`
	} `json:"delivery"`
}

type itemPayload struct {
	ID        string  `json:"id"`
	Name      string  `json:"name" validate:"required,max=300"`
	Quantity  int     `json:"quantity" validate:"required,gt=0"`
	UnitPrice float64 `json:"unit_price" validate:"gte=0"`
	Variant   string  `json:"variant" validate:"max=200"`
	Notes     string  `json:"notes" validate:"max=1000"`
}

// SubmitOrder ingests one raw order payload. Validation failures reject
// the payload before anything is persisted. A payload whose external id
// was already ingested is a no-op and returns the stored order with zero
// new jobs.
func (s *IngestService) SubmitOrder(ctx context.Context, rawPayload []byte) (SubmitResult, error) {
	tracer := otel.Tracer("usecase.ingest")
	ctx, span := tracer.Start(ctx, "ingest.SubmitOrder")
	defer span.End()

	var p orderPayload
	if err := json.Unmarshal(rawPayload, &p); err != nil {
		return SubmitResult{}, fmt.Errorf("op=usecase.SubmitOrder: decode: %v: %w", err, domain.ErrInvalidArgument)
	}
	if err := s.validatePayload(p); err != nil {
		return SubmitResult{}, err
	}

	mode := ModeOnline
	if s.conn != nil && s.conn.Status(domain.ComponentInternet) == domain.ConnOffline {
		mode = ModeOffline
	}
	span.SetAttributes(attribute.String("ingest.mode", mode))

	// Duplicate deliveries are no-ops; the backend retries webhooks.
	existing, err := s.orders.GetOrderByExternalID(ctx, p.ExternalOrderID)
	switch {
	case err == nil:
		slog.Info("duplicate order ignored",
			slog.String("order_id", existing.ID),
			slog.String("external_order_id", p.ExternalOrderID))
		return SubmitResult{OrderID: existing.ID, JobsCreated: 0, Mode: mode}, nil
	case !errors.Is(err, domain.ErrNotFound):
		return SubmitResult{}, fmt.Errorf("op=usecase.SubmitOrder: dedupe: %w", err)
	}

	order := s.toOrder(p, rawPayload, mode)
	if err := s.orders.SaveOrder(ctx, order); err != nil {
		return SubmitResult{}, fmt.Errorf("op=usecase.SubmitOrder: %w", err)
	}

	// Render every variant before creating any job so a bad layout
	// cannot leave a half-fanned-out order behind.
	contents := make(map[domain.JobType][]byte, len(s.opts.Variants))
	for _, v := range s.opts.Variants {
		data, err := s.formatter.Format(order, v)
		if err != nil {
			return SubmitResult{}, fmt.Errorf("op=usecase.SubmitOrder: format %s: %w", v, err)
		}
		contents[v] = data
	}

	created := 0
	for _, v := range s.opts.Variants {
		job := domain.PrintJob{
			ID:          uuid.New().String(),
			OrderID:     order.ID,
			JobType:     v,
			Status:      domain.JobPending,
			Content:     contents[v],
			MaxAttempts: s.opts.MaxAttempts,
			CreatedAt:   s.now().UTC(),
			UpdatedAt:   s.now().UTC(),
		}
		jobID, err := s.jobs.CreatePrintJob(ctx, job)
		if err != nil {
			return SubmitResult{}, fmt.Errorf("op=usecase.SubmitOrder: create job %s: %w", v, err)
		}
		created++
		observability.JobCreated(string(v))

		if mode == ModeOffline {
			job.ID = jobID
			if err := s.deferJob(ctx, job); err != nil {
				return SubmitResult{OrderID: order.ID, JobsCreated: created, Mode: mode}, err
			}
		}
	}

	slog.Info("order ingested",
		slog.String("order_id", order.ID),
		slog.String("external_order_id", order.ExternalOrderID),
		slog.Int("jobs_created", created),
		slog.String("mode", mode))
	return SubmitResult{OrderID: order.ID, JobsCreated: created, Mode: mode}, nil
}

// deferJob parks one freshly created job in the offline queue. Overflow
// is surfaced to the caller after raising queue_overflow; the job row
// stays pending either way, so the print loop can still pick it up.
func (s *IngestService) deferJob(ctx context.Context, job domain.PrintJob) error {
	if s.queue == nil {
		return nil
	}
	_, err := s.queue.EnqueuePrintJob(ctx, job, domain.PriorityForJobType(job.JobType))
	if err == nil {
		return nil
	}
	if s.alerts != nil {
		s.alerts.Notify(ctx, domain.NotifyQueueOverflow, map[string]any{
			"order_id": job.OrderID,
			"job_id":   job.ID,
			"job_type": string(job.JobType),
		})
	}
	return fmt.Errorf("op=usecase.SubmitOrder: defer job: %w", err)
}

func (s *IngestService) validatePayload(p orderPayload) error {
	if err := s.validate.Struct(p); err != nil {
		fields := map[string]string{}
		if ve, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range ve {
				fields[strings.ToLower(fe.Field())] = fe.Tag()
			}
		}
		return fmt.Errorf("op=usecase.SubmitOrder: validation %v: %w", fields, domain.ErrInvalidArgument)
	}
	c := p.Customer
	if strings.TrimSpace(c.Name) == "" && strings.TrimSpace(c.Email) == "" && strings.TrimSpace(c.Phone) == "" {
		return fmt.Errorf("op=usecase.SubmitOrder: at least one customer contact required: %w", domain.ErrInvalidArgument)
	}
	return nil
}

// toOrder maps the validated payload onto the domain entity. All
// payload-derived text is sanitised so order content cannot smuggle
// ESC/POS control bytes onto the printer.
func (s *IngestService) toOrder(p orderPayload, raw []byte, mode string) domain.Order {
	items := make([]domain.OrderItem, 0, len(p.Items))
	for _, it := range p.Items {
		items = append(items, domain.OrderItem{
			ID:        it.ID,
			Name:      textx.SanitizeText(it.Name),
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			Variant:   textx.SanitizeText(it.Variant),
			Notes:     textx.SanitizeText(it.Notes),
		})
	}
	currency := strings.ToUpper(strings.TrimSpace(p.Currency))
	if currency == "" {
		currency = s.opts.DefaultCurrency
	}
	return domain.Order{
		ID:              s.orderID(p.ID, mode),
		ExternalOrderID: p.ExternalOrderID,
		Status:          domain.OrderPending,
		Items:           items,
		Customer: domain.Customer{
			Name:  textx.SanitizeText(p.Customer.Name),
			Email: strings.TrimSpace(p.Customer.Email),
			Phone: textx.SanitizeText(p.Customer.Phone),
		},
		Delivery: domain.Delivery{
			Street:       textx.SanitizeText(p.Delivery.Street),
			City:         textx.SanitizeText(p.Delivery.City),
			PostalCode:   textx.SanitizeText(p.Delivery.PostalCode),
			Instructions: textx.SanitizeText(p.Delivery.Instructions),
		},
		TotalAmount: p.TotalAmount,
		Currency:    currency,
		CreatedAt:   s.now().UTC(),
		RawPayload:  append([]byte(nil), raw...),
	}
}

// orderID keeps a backend-assigned id, otherwise mints one. Offline
// submissions get a timestamped LOCAL id so operators can spot them on
// paper; online ones get a UUID.
func (s *IngestService) orderID(payloadID, mode string) string {
	if payloadID != "" {
		return payloadID
	}
	if mode == ModeOffline {
		seq := s.localSeq.Add(1)
		return fmt.Sprintf("LOCAL_%s_%04d", s.now().UTC().Format("20060102_150405"), (seq-1)%9999+1)
	}
	return uuid.New().String()
}
