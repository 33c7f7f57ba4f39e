// Package connectivity watches printer and internet reachability and
// broadcasts status transitions to the components that react to them:
// the print manager, the recovery manager and the notifier.
package connectivity

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/restogear/print-service/internal/adapter/observability"
	"github.com/restogear/print-service/internal/domain"
)

// Options tune the sampling loop.
type Options struct {
	CheckInterval time.Duration
	ProbeHosts    []string
	DialTimeout   time.Duration
}

// subscriber channels buffer a handful of events; a slow consumer drops,
// never blocks the monitor.
const subBuffer = 16

type componentState struct {
	status       domain.ConnStatus
	lastOnlineAt *time.Time
	offlineSince *time.Time
	checkedAt    time.Time
}

// Monitor samples both components on one loop and owns the process-wide
// connectivity view.
type Monitor struct {
	driver domain.PrinterDriver
	events domain.EventRepository
	opts   Options
	now    func() time.Time
	dial   func(ctx context.Context, addr string) error

	mu              sync.Mutex
	states          map[domain.ConnComponent]*componentState
	fullOutageSince *time.Time
	subs            []chan domain.ConnectivityEvent
	closed          bool
}

// NewMonitor constructs a monitor with defaults applied.
func NewMonitor(driver domain.PrinterDriver, events domain.EventRepository, opts Options) *Monitor {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 30 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 3 * time.Second
	}
	if len(opts.ProbeHosts) == 0 {
		opts.ProbeHosts = []string{"1.1.1.1:53", "8.8.8.8:53"}
	}
	for i, h := range opts.ProbeHosts {
		if !strings.Contains(h, ":") {
			opts.ProbeHosts[i] = h + ":53"
		}
	}
	m := &Monitor{
		driver: driver,
		events: events,
		opts:   opts,
		now:    time.Now,
		states: map[domain.ConnComponent]*componentState{
			domain.ComponentPrinter:  {status: domain.ConnUnknown},
			domain.ComponentInternet: {status: domain.ConnUnknown},
		},
	}
	m.dial = func(ctx context.Context, addr string) error {
		d := net.Dialer{Timeout: m.opts.DialTimeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
	return m
}

// Subscribe registers a listener for connectivity events. Channels are
// closed when the monitor stops.
func (m *Monitor) Subscribe() <-chan domain.ConnectivityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan domain.ConnectivityEvent, subBuffer)
	if m.closed {
		close(ch)
		return ch
	}
	m.subs = append(m.subs, ch)
	return ch
}

// Run samples immediately, then on every tick until the context is
// cancelled. The sample in flight completes before the worker exits.
func (m *Monitor) Run(ctx context.Context) {
	slog.Info("connectivity monitor started",
		slog.Duration("interval", m.opts.CheckInterval),
		slog.Int("probe_hosts", len(m.opts.ProbeHosts)))
	m.sample(ctx)
	t := time.NewTicker(m.opts.CheckInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			slog.Info("connectivity monitor stopped")
			return
		case <-t.C:
			m.sample(ctx)
		}
	}
}

// Status returns the current verdict for one component.
func (m *Monitor) Status(comp domain.ConnComponent) domain.ConnStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[comp]; ok {
		return st.status
	}
	return domain.ConnUnknown
}

// Snapshot returns the per-component state for the operator surface.
func (m *Monitor) Snapshot() []domain.ConnectivityState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ConnectivityState, 0, len(m.states))
	for _, comp := range []domain.ConnComponent{domain.ComponentPrinter, domain.ComponentInternet} {
		st := m.states[comp]
		s := domain.ConnectivityState{
			Component: comp,
			Status:    st.status,
			CheckedAt: st.checkedAt,
		}
		if st.lastOnlineAt != nil {
			t := *st.lastOnlineAt
			s.LastOnlineAt = &t
		}
		out = append(out, s)
	}
	return out
}

func (m *Monitor) sample(ctx context.Context) {
	m.apply(ctx, domain.ComponentPrinter, m.probePrinter(ctx))
	m.apply(ctx, domain.ComponentInternet, m.probeInternet(ctx))
}

// probePrinter maps the adapter's device status onto a reachability
// verdict. A driver error is an offline printer.
func (m *Monitor) probePrinter(ctx context.Context) domain.ConnStatus {
	status, err := m.driver.Status(ctx)
	if err != nil {
		return domain.ConnOffline
	}
	switch status {
	case domain.PrinterOnline:
		return domain.ConnOnline
	case domain.PrinterPaperOut, domain.PrinterError:
		return domain.ConnDegraded
	default:
		return domain.ConnOffline
	}
}

// probeInternet TCP-dials each probe host. All up is online, some up is
// degraded, none is offline.
func (m *Monitor) probeInternet(ctx context.Context) domain.ConnStatus {
	up := 0
	for _, host := range m.opts.ProbeHosts {
		if err := m.dial(ctx, host); err == nil {
			up++
		}
	}
	switch {
	case up == len(m.opts.ProbeHosts):
		return domain.ConnOnline
	case up > 0:
		return domain.ConnDegraded
	default:
		return domain.ConnOffline
	}
}

// apply records a component's new verdict and emits transition events.
func (m *Monitor) apply(ctx context.Context, comp domain.ConnComponent, status domain.ConnStatus) {
	now := m.now()

	m.mu.Lock()
	st := m.states[comp]
	old := st.status
	st.checkedAt = now
	if status == domain.ConnOnline {
		t := now
		st.lastOnlineAt = &t
	}

	var events []domain.ConnectivityEvent
	if old != status {
		st.status = status
		switch status {
		case domain.ConnOnline:
			var dur *time.Duration
			if st.offlineSince != nil {
				d := now.Sub(*st.offlineSince)
				dur = &d
				st.offlineSince = nil
			}
			events = append(events, domain.ConnectivityEvent{
				ID:              uuid.New().String(),
				EventType:       onlineEventFor(comp),
				Component:       comp,
				Status:          status,
				Timestamp:       now,
				DurationOffline: dur,
				Details:         map[string]any{"previous": string(old)},
			})
			if m.fullOutageSince != nil && m.allOnlineLocked() {
				d := now.Sub(*m.fullOutageSince)
				m.fullOutageSince = nil
				events = append(events, domain.ConnectivityEvent{
					ID:              uuid.New().String(),
					EventType:       domain.EventConnectivityRestored,
					Component:       comp,
					Status:          domain.ConnOnline,
					Timestamp:       now,
					DurationOffline: &d,
					Details:         map[string]any{"restored_by": string(comp)},
				})
			}
		case domain.ConnOffline:
			if st.offlineSince == nil {
				t := now
				st.offlineSince = &t
			}
			events = append(events, domain.ConnectivityEvent{
				ID:        uuid.New().String(),
				EventType: offlineEventFor(comp),
				Component: comp,
				Status:    status,
				Timestamp: now,
				Details:   map[string]any{"previous": string(old)},
			})
			if m.fullOutageSince == nil && m.noneOnlineLocked() {
				t := now
				m.fullOutageSince = &t
			}
		default:
			// Degraded has no event type of its own; the state change and
			// the log line are the record.
			if st.offlineSince == nil && old == domain.ConnOnline {
				t := now
				st.offlineSince = &t
			}
		}
	}
	m.mu.Unlock()

	observability.SetConnectivity(string(comp), string(status))
	if old != status {
		slog.Info("connectivity changed",
			slog.String("component", string(comp)),
			slog.String("from", string(old)),
			slog.String("to", string(status)))
	}
	for _, ev := range events {
		m.emit(ctx, ev)
	}
}

// allOnlineLocked and noneOnlineLocked require m.mu held.
func (m *Monitor) allOnlineLocked() bool {
	for _, st := range m.states {
		if st.status != domain.ConnOnline {
			return false
		}
	}
	return true
}

func (m *Monitor) noneOnlineLocked() bool {
	for _, st := range m.states {
		if st.status != domain.ConnOffline {
			return false
		}
	}
	return true
}

// emit persists the event and fans it out without ever blocking on a
// slow subscriber.
func (m *Monitor) emit(ctx context.Context, ev domain.ConnectivityEvent) {
	if err := m.events.AppendConnectivityEvent(ctx, ev); err != nil {
		slog.Warn("connectivity event not persisted",
			slog.String("event", string(ev.EventType)),
			slog.Any("error", err))
	}

	m.mu.Lock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("connectivity subscriber lagging, event dropped",
				slog.String("event", string(ev.EventType)))
		}
	}
	m.mu.Unlock()
}

func (m *Monitor) shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, ch := range m.subs {
		close(ch)
	}
	m.subs = nil
}

func onlineEventFor(comp domain.ConnComponent) domain.ConnEventType {
	if comp == domain.ComponentPrinter {
		return domain.EventPrinterOnline
	}
	return domain.EventInternetOnline
}

func offlineEventFor(comp domain.ConnComponent) domain.ConnEventType {
	if comp == domain.ComponentPrinter {
		return domain.EventPrinterOffline
	}
	return domain.EventInternetOffline
}
