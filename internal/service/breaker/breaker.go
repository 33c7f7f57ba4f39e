// Package breaker implements named circuit breakers fronting the
// dependencies that can fail independently: the printer, the SMTP relay,
// the upstream order API and the store.
//
// The state machine is the classic closed / open / half_open triple.
// The mutex guards counter updates only; it is never held across the
// protected callable, so a slow printer cannot serialize every other
// caller behind the breaker.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/restogear/print-service/internal/adapter/observability"
	"github.com/restogear/print-service/internal/domain"
)

// ErrOpen is returned when a call is rejected because the breaker is
// open. Rejections do not count as failures against the breaker.
var ErrOpen = errors.New("circuit open")

// State of one breaker.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Cause buckets a failure for statistics. Classification never affects
// state transitions.
type Cause string

const (
	CauseTimeout        Cause = "timeout"
	CauseConnection     Cause = "connection"
	CauseAuthentication Cause = "authentication"
	CauseRateLimit      Cause = "rate_limit"
	CauseService        Cause = "service"
	CauseUnknown        Cause = "unknown"
)

// Well-known breaker names.
const (
	Printer     = "printer"
	ExternalAPI = "external_api"
	SMTP        = "smtp"
	Database    = "database"
)

// Config for one breaker.
type Config struct {
	FailureThreshold int           // consecutive failures in closed before opening
	SuccessThreshold int           // successes in half_open before closing
	Timeout          time.Duration // open → half_open probe delay
	CallTimeout      time.Duration // optional per-call deadline applied to the context
}

// DefaultConfigs returns the per-dependency defaults.
func DefaultConfigs() map[string]Config {
	return map[string]Config{
		Printer:     {FailureThreshold: 5, SuccessThreshold: 3, Timeout: 30 * time.Second, CallTimeout: 10 * time.Second},
		ExternalAPI: {FailureThreshold: 3, SuccessThreshold: 2, Timeout: 60 * time.Second, CallTimeout: 30 * time.Second},
		SMTP:        {FailureThreshold: 2, SuccessThreshold: 1, Timeout: 120 * time.Second, CallTimeout: 30 * time.Second},
		Database:    {FailureThreshold: 3, SuccessThreshold: 2, Timeout: 30 * time.Second, CallTimeout: 10 * time.Second},
	}
}

const historyLimit = 1000

// callRecord is one entry of the bounded rolling call history.
type callRecord struct {
	At       time.Time
	Success  bool
	Rejected bool
	Duration time.Duration
	Cause    Cause
}

// Breaker is a single named circuit breaker. Safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu             sync.Mutex
	state          State
	failureCount   int
	successCount   int
	lastFailureAt  time.Time
	stateChangedAt time.Time
	totalCalls     int64
	totalSuccesses int64
	totalFailures  int64
	rejectedCalls  int64
	causes         map[Cause]int64

	history  [historyLimit]callRecord
	histNext int
	histSize int
}

// New constructs a breaker in the closed state.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 1
	}
	b := &Breaker{
		name:   name,
		cfg:    cfg,
		now:    time.Now,
		state:  Closed,
		causes: make(map[Cause]int64),
	}
	b.stateChangedAt = b.now()
	observability.SetBreakerState(name, string(Closed))
	return b
}

// Do runs fn under breaker protection. When the breaker is open the call
// is rejected with ErrOpen without invoking fn. CallTimeout, when set,
// bounds fn through its context; fn is asked to stop, never killed.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	if b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}
	start := b.now()
	err := fn(ctx)
	b.record(err, b.now().Sub(start))
	return err
}

// admit decides whether a call may proceed, flipping open → half_open
// once the probe delay has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open {
		if b.now().Sub(b.stateChangedAt) >= b.cfg.Timeout {
			b.transition(HalfOpen)
		} else {
			b.rejectedCalls++
			b.appendRecord(callRecord{At: b.now(), Rejected: true})
			return fmt.Errorf("op=breaker.Do: %s: %w", b.name, ErrOpen)
		}
	}
	return nil
}

// record applies the outcome of an executed call.
func (b *Breaker) record(err error, dur time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++
	rec := callRecord{At: b.now(), Success: err == nil, Duration: dur}
	if err != nil {
		rec.Cause = classify(err)
	}
	b.appendRecord(rec)

	if err == nil {
		b.totalSuccesses++
		switch b.state {
		case Closed:
			b.failureCount = 0
		case HalfOpen:
			b.successCount++
			if b.successCount >= b.cfg.SuccessThreshold {
				b.transition(Closed)
			}
		case Open:
			// Late completion of a call admitted before the breaker
			// opened. Counted in totals only.
		}
		return
	}

	b.totalFailures++
	b.causes[rec.Cause]++
	b.lastFailureAt = b.now()
	switch b.state {
	case Closed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.transition(Open)
		}
	case HalfOpen:
		b.transition(Open)
	case Open:
	}
}

// transition must be called with the lock held.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.stateChangedAt = b.now()
	switch to {
	case Open:
		observability.BreakerOpened(b.name)
		slog.Warn("circuit breaker opened",
			slog.String("breaker", b.name),
			slog.String("from", string(from)),
			slog.Int("failures", b.failureCount))
	case HalfOpen:
		b.successCount = 0
		slog.Info("circuit breaker probing",
			slog.String("breaker", b.name))
	case Closed:
		b.failureCount = 0
		b.successCount = 0
		slog.Info("circuit breaker closed",
			slog.String("breaker", b.name),
			slog.String("from", string(from)))
	}
	observability.SetBreakerState(b.name, string(to))
}

func (b *Breaker) appendRecord(rec callRecord) {
	b.history[b.histNext] = rec
	b.histNext = (b.histNext + 1) % historyLimit
	if b.histSize < historyLimit {
		b.histSize++
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker to closed and zeroes its counters. Exposed to
// operators.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failureCount = 0
	b.successCount = 0
	b.stateChangedAt = b.now()
	observability.SetBreakerState(b.name, string(Closed))
	slog.Info("circuit breaker reset", slog.String("breaker", b.name))
}

// Stats is a consistent snapshot of one breaker.
type Stats struct {
	Name           string          `json:"name"`
	State          State           `json:"state"`
	FailureCount   int             `json:"failure_count"`
	SuccessCount   int             `json:"success_count"`
	LastFailureAt  *time.Time      `json:"last_failure_at,omitempty"`
	StateChangedAt time.Time       `json:"state_changed_at"`
	TotalCalls     int64           `json:"total_calls"`
	TotalSuccesses int64           `json:"total_successes"`
	TotalFailures  int64           `json:"total_failures"`
	RejectedCalls  int64           `json:"rejected_calls"`
	Causes         map[Cause]int64 `json:"failure_causes,omitempty"`
	HistorySize    int             `json:"history_size"`
}

// Snapshot returns the current statistics.
func (b *Breaker) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Name:           b.name,
		State:          b.state,
		FailureCount:   b.failureCount,
		SuccessCount:   b.successCount,
		StateChangedAt: b.stateChangedAt,
		TotalCalls:     b.totalCalls,
		TotalSuccesses: b.totalSuccesses,
		TotalFailures:  b.totalFailures,
		RejectedCalls:  b.rejectedCalls,
		HistorySize:    b.histSize,
	}
	if !b.lastFailureAt.IsZero() {
		t := b.lastFailureAt
		s.LastFailureAt = &t
	}
	if len(b.causes) > 0 {
		s.Causes = make(map[Cause]int64, len(b.causes))
		for c, n := range b.causes {
			s.Causes[c] = n
		}
	}
	return s
}

// classify buckets an error for failure statistics.
func classify(err error) Cause {
	if errors.Is(err, context.DeadlineExceeded) {
		return CauseTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return CauseTimeout
	}
	if errors.Is(err, domain.ErrPrinterOffline) || errors.Is(err, domain.ErrUnavailable) {
		return CauseConnection
	}
	if errors.Is(err, domain.ErrStore) {
		return CauseService
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return CauseConnection
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "auth"):
		return CauseAuthentication
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return CauseRateLimit
	case strings.Contains(msg, "connection"):
		return CauseConnection
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return CauseTimeout
	}
	return CauseUnknown
}

// Registry holds the process's named breakers.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry seeds a registry with the default per-dependency breakers.
func NewRegistry() *Registry {
	r := &Registry{breakers: make(map[string]*Breaker)}
	for name, cfg := range DefaultConfigs() {
		r.breakers[name] = New(name, cfg)
	}
	return r
}

// Get returns a breaker by name.
func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	return b, ok
}

// GetOrCreate returns the named breaker, creating it with cfg when absent.
func (r *Registry) GetOrCreate(name string, cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, cfg)
	r.breakers[name] = b
	return b
}

// Names lists registered breakers in stable order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.breakers))
	for n := range r.breakers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Snapshots returns statistics for every breaker, ordered by name.
func (r *Registry) Snapshots() []Stats {
	names := r.Names()
	out := make([]Stats, 0, len(names))
	for _, n := range names {
		if b, ok := r.Get(n); ok {
			out = append(out, b.Snapshot())
		}
	}
	return out
}
