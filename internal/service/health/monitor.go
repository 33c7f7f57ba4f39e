// Package health samples process and system resources, grades each
// reading against per-resource thresholds and reacts to degradation:
// cleanup handlers run on the way down, operators are alerted at
// critical, and the return to healthy is announced.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/restogear/print-service/internal/adapter/observability"
	"github.com/restogear/print-service/internal/domain"
	"github.com/restogear/print-service/internal/service/breaker"
)

// Alerter receives health alerts. The notification service implements
// it; throttling and delivery happen there.
type Alerter interface {
	Notify(ctx context.Context, t domain.NotificationType, details map[string]any)
}

// CleanupFunc tries to relieve pressure on a degraded resource and
// reports what it did.
type CleanupFunc func(ctx context.Context) (map[string]any, error)

// Options tune the monitor.
type Options struct {
	CheckInterval     time.Duration
	DiskPath          string
	TempDir           string
	PublicURL         string
	PublicURLInterval time.Duration
	PublicURLTimeout  time.Duration
	Thresholds        map[domain.ResourceType]domain.HealthThresholds
}

// DefaultThresholds carries the shipped warning/critical/emergency
// ladder per resource.
func DefaultThresholds() map[domain.ResourceType]domain.HealthThresholds {
	return map[domain.ResourceType]domain.HealthThresholds{
		domain.ResourceMemory:    {Warning: 75, Critical: 85, Emergency: 95},
		domain.ResourceCPU:       {Warning: 70, Critical: 85, Emergency: 95},
		domain.ResourceDisk:      {Warning: 80, Critical: 90, Emergency: 95},
		domain.ResourceThreads:   {Warning: 50, Critical: 75, Emergency: 90},
		domain.ResourceWebhook:   {Warning: 10, Critical: 25, Emergency: 50},
		domain.ResourcePublicURL: {Warning: 25, Critical: 50, Emergency: 75},
	}
}

const historyLimit = 1000

type cleanup struct {
	name string
	fn   CleanupFunc
}

// ResourceHealth is one row of the operator health view.
type ResourceHealth struct {
	Resource  domain.ResourceType `json:"resource"`
	Status    domain.HealthStatus `json:"status"`
	Value     float64             `json:"value"`
	SampledAt time.Time           `json:"sampled_at"`
}

// Monitor is the health worker. One goroutine samples every resource at
// CheckInterval; public-URL probes run on their own interval and feed
// the public_url failure window.
type Monitor struct {
	repo    domain.HealthRepository
	alerter Alerter
	api     *breaker.Breaker
	opts    Options
	now     func() time.Time

	order    []domain.ResourceType
	samplers map[domain.ResourceType]samplerFunc

	webhook   *rateWindow
	publicURL *rateWindow
	client    *http.Client

	mu       sync.Mutex
	status   map[domain.ResourceType]domain.HealthStatus
	last     map[domain.ResourceType]domain.HealthMetric
	ring     [historyLimit]domain.HealthMetric
	ringNext int
	ringSize int
	cleanups map[domain.ResourceType][]cleanup
}

// NewMonitor wires the samplers. apiBreaker guards the public-URL probe
// and may be nil. Construction fails on a non-monotonic threshold
// ladder.
func NewMonitor(repo domain.HealthRepository, alerter Alerter, apiBreaker *breaker.Breaker, opts Options) (*Monitor, error) {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 60 * time.Second
	}
	if opts.DiskPath == "" {
		opts.DiskPath = "/"
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.PublicURLInterval <= 0 {
		opts.PublicURLInterval = 5 * time.Minute
	}
	if opts.PublicURLTimeout <= 0 {
		opts.PublicURLTimeout = 10 * time.Second
	}
	thresholds := DefaultThresholds()
	for res, th := range opts.Thresholds {
		if err := th.Validate(); err != nil {
			return nil, fmt.Errorf("op=health.NewMonitor: %s: %w", res, err)
		}
		thresholds[res] = th
	}
	opts.Thresholds = thresholds

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("op=health.NewMonitor: self process: %w", err)
	}

	m := &Monitor{
		repo:      repo,
		alerter:   alerter,
		api:       apiBreaker,
		opts:      opts,
		now:       time.Now,
		webhook:   newRateWindow(rateWindowTTL),
		publicURL: newRateWindow(rateWindowTTL),
		status:    make(map[domain.ResourceType]domain.HealthStatus),
		last:      make(map[domain.ResourceType]domain.HealthMetric),
		cleanups:  make(map[domain.ResourceType][]cleanup),
		client: &http.Client{
			Timeout:   opts.PublicURLTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}

	m.order = []domain.ResourceType{
		domain.ResourceMemory, domain.ResourceCPU, domain.ResourceDisk,
		domain.ResourceThreads, domain.ResourceWebhook,
	}
	m.samplers = map[domain.ResourceType]samplerFunc{
		domain.ResourceMemory:  memorySampler(proc),
		domain.ResourceCPU:     cpuSampler(proc),
		domain.ResourceDisk:    diskSampler(opts.DiskPath),
		domain.ResourceThreads: threadSampler(proc),
		domain.ResourceWebhook: rateSampler(m.webhook),
	}
	if opts.PublicURL != "" {
		m.order = append(m.order, domain.ResourcePublicURL)
		m.samplers[domain.ResourcePublicURL] = rateSampler(m.publicURL)
	}
	for _, res := range m.order {
		m.status[res] = domain.HealthHealthy
	}

	m.RegisterCleanup(domain.ResourceMemory, "free_os_memory", freeOSMemory)
	m.RegisterCleanup(domain.ResourceDisk, "temp_file_sweep", sweepTempFiles(opts.TempDir))
	return m, nil
}

// RegisterCleanup attaches a handler run when the resource degrades.
func (m *Monitor) RegisterCleanup(res domain.ResourceType, name string, fn CleanupFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups[res] = append(m.cleanups[res], cleanup{name: name, fn: fn})
}

// RecordWebhookResult feeds the webhook failure window; the ingest
// surface calls it once per processed request.
func (m *Monitor) RecordWebhookResult(ok bool) {
	m.webhook.record(ok)
}

// Run samples until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	slog.Info("health monitor started",
		slog.Duration("check_interval", m.opts.CheckInterval),
		slog.Bool("public_url", m.opts.PublicURL != ""))

	tick := time.NewTicker(m.opts.CheckInterval)
	defer tick.Stop()

	var pubC <-chan time.Time
	if m.opts.PublicURL != "" {
		pub := time.NewTicker(m.opts.PublicURLInterval)
		defer pub.Stop()
		pubC = pub.C
		m.checkPublicURL(ctx)
	}
	m.Check(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("health monitor stopped")
			return
		case <-tick.C:
			m.Check(ctx)
		case <-pubC:
			m.checkPublicURL(ctx)
		}
	}
}

// Check runs one full sample pass and returns the fresh metrics. The
// operator surface calls it directly to force a pass.
func (m *Monitor) Check(ctx context.Context) []domain.HealthMetric {
	out := make([]domain.HealthMetric, 0, len(m.order))
	for _, res := range m.order {
		value, md, err := m.samplers[res](ctx)
		if err != nil {
			slog.Warn("health sample failed",
				slog.String("resource", string(res)),
				slog.Any("error", err))
			continue
		}
		out = append(out, m.record(ctx, res, value, md))
	}
	return out
}

func (m *Monitor) record(ctx context.Context, res domain.ResourceType, value float64, md map[string]any) domain.HealthMetric {
	th := m.opts.Thresholds[res]
	metric := domain.HealthMetric{
		ID:           uuid.New().String(),
		ResourceType: res,
		Timestamp:    m.now(),
		Value:        value,
		Status:       th.StatusFor(value),
		Metadata:     md,
	}

	m.mu.Lock()
	prev := m.status[res]
	m.status[res] = metric.Status
	m.last[res] = metric
	m.ring[m.ringNext] = metric
	m.ringNext = (m.ringNext + 1) % historyLimit
	if m.ringSize < historyLimit {
		m.ringSize++
	}
	var handlers []cleanup
	if prev != metric.Status && metric.Status != domain.HealthHealthy {
		handlers = append(handlers, m.cleanups[res]...)
	}
	m.mu.Unlock()

	observability.SetHealthStatus(string(res), string(metric.Status))
	if err := m.repo.AppendHealthMetric(ctx, metric); err != nil {
		slog.Warn("health metric not persisted",
			slog.String("resource", string(res)),
			slog.Any("error", err))
	}
	if prev != metric.Status {
		m.transition(ctx, domain.HealthEvent{
			ResourceType: res,
			From:         prev,
			To:           metric.Status,
			Metric:       metric,
		}, handlers)
	}
	return metric
}

func (m *Monitor) transition(ctx context.Context, ev domain.HealthEvent, handlers []cleanup) {
	logFn := slog.Warn
	if ev.Recovered() {
		logFn = slog.Info
	}
	logFn("health status changed",
		slog.String("resource", string(ev.ResourceType)),
		slog.String("from", string(ev.From)),
		slog.String("to", string(ev.To)),
		slog.Float64("value", ev.Metric.Value))

	for _, h := range handlers {
		m.runCleanup(ctx, ev.ResourceType, h)
	}

	if m.alerter == nil {
		return
	}
	switch {
	case ev.To == domain.HealthCritical || ev.To == domain.HealthEmergency:
		m.alerter.Notify(ctx, domain.NotifySystemError, map[string]any{
			"resource": string(ev.ResourceType),
			"status":   string(ev.To),
			"previous": string(ev.From),
			"value":    ev.Metric.Value,
		})
	case ev.Recovered():
		m.alerter.Notify(ctx, domain.NotifySystemError, map[string]any{
			"resource":  string(ev.ResourceType),
			"status":    string(ev.To),
			"previous":  string(ev.From),
			"value":     ev.Metric.Value,
			"recovered": true,
		})
	}
}

func (m *Monitor) runCleanup(ctx context.Context, res domain.ResourceType, h cleanup) {
	details, err := h.fn(ctx)
	if err != nil {
		slog.Warn("cleanup handler failed",
			slog.String("resource", string(res)),
			slog.String("handler", h.name),
			slog.Any("error", err))
		details = map[string]any{"error": err.Error()}
	}
	observability.SelfHealingRun(string(res))
	ev := domain.SelfHealingEvent{
		ID:           uuid.New().String(),
		EventType:    h.name,
		ResourceType: res,
		Timestamp:    m.now(),
		Details:      details,
	}
	if err := m.repo.AppendSelfHealingEvent(ctx, ev); err != nil {
		slog.Warn("self-healing event not persisted",
			slog.String("handler", h.name),
			slog.Any("error", err))
	}
	slog.Info("cleanup handler ran",
		slog.String("resource", string(res)),
		slog.String("handler", h.name))
}

// checkPublicURL probes the configured public endpoint through the
// external-API breaker and feeds the outcome into the failure window.
func (m *Monitor) checkPublicURL(ctx context.Context) {
	probe := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.opts.PublicURL, nil)
		if err != nil {
			return fmt.Errorf("op=health.checkPublicURL: %w", err)
		}
		resp, err := m.client.Do(req)
		if err != nil {
			return fmt.Errorf("op=health.checkPublicURL: %w", err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= http.StatusBadRequest {
			return fmt.Errorf("op=health.checkPublicURL: status %d: %w", resp.StatusCode, domain.ErrUnavailable)
		}
		return nil
	}

	var err error
	if m.api != nil {
		err = m.api.Do(ctx, probe)
	} else {
		err = probe(ctx)
	}
	m.publicURL.record(err == nil)
	if err != nil {
		slog.Warn("public url check failed",
			slog.String("url", m.opts.PublicURL),
			slog.Any("error", err))
	}
}

// Snapshot lists each monitored resource with its latest reading.
func (m *Monitor) Snapshot() []ResourceHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ResourceHealth, 0, len(m.order))
	for _, res := range m.order {
		rh := ResourceHealth{Resource: res, Status: m.status[res]}
		if last, ok := m.last[res]; ok {
			rh.Value = last.Value
			rh.SampledAt = last.Timestamp
		}
		out = append(out, rh)
	}
	return out
}

// Status returns the current status for one resource.
func (m *Monitor) Status(res domain.ResourceType) domain.HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status[res]
}

// Recent returns up to limit ring samples, newest first.
func (m *Monitor) Recent(limit int) []domain.HealthMetric {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > m.ringSize {
		limit = m.ringSize
	}
	out := make([]domain.HealthMetric, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (m.ringNext - 1 - i + historyLimit*2) % historyLimit
		out = append(out, m.ring[idx])
	}
	return out
}
