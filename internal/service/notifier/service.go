// Package notifier turns system events into throttled operator emails.
// Sending is asynchronous through a bounded queue; a full queue drops the
// newest event with a warning rather than blocking a caller. Transport
// failures are recorded and never retried here, so a broken mail relay
// cannot start a notification storm.
package notifier

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
)

// Options configure identity, recipients and the send queue.
type Options struct {
	Recipients    []string
	Restaurant    string
	Region        string
	TemplatesFile string // optional YAML bundle overriding stored templates
	QueueSize     int    // default 128
}

// envelope is one queued notification.
type envelope struct {
	Type    domain.NotificationType
	Context map[string]any
	At      time.Time
}

// throttleState tracks the per-type send history the throttle formula
// needs: last attempt, the sliding hour window, and cooldown.
type throttleState struct {
	lastSent      time.Time
	window        []time.Time
	cooldownUntil time.Time
}

// Stats are process-lifetime counters for the operator surface.
type Stats struct {
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Throttled int `json:"throttled"`
	Dropped   int `json:"dropped"`
	Disabled  int `json:"disabled_skips"`
}

// TypeStatus is the per-type view behind GET notifications/status.
type TypeStatus struct {
	Type            domain.NotificationType `json:"type"`
	Enabled         bool                    `json:"enabled"`
	ThrottleMinutes int                     `json:"throttle_minutes"`
	MaxPerHour      int                     `json:"max_per_hour"`
	LastSentAt      *time.Time              `json:"last_sent_at,omitempty"`
	SentLastHour    int                     `json:"sent_last_hour"`
	CooldownUntil   *time.Time              `json:"cooldown_until,omitempty"`
}

// Service is the notification pipeline: enqueue, throttle, render, send,
// record. A nil transport or empty recipient list degrades to log-only
// delivery so development boxes behave like production minus the email.
type Service struct {
	repo      domain.NotificationRepository
	transport domain.NotificationTransport
	smtp      *breaker.Breaker
	opts      Options

	now func() time.Time

	queue chan envelope

	mu        sync.Mutex
	templates map[domain.NotificationType]domain.NotificationTemplate
	state     map[domain.NotificationType]*throttleState
	stats     Stats
}

func New(repo domain.NotificationRepository, transport domain.NotificationTransport, smtpBreaker *breaker.Breaker, opts Options) *Service {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 128
	}
	if opts.Restaurant == "" {
		opts.Restaurant = "Restaurant"
	}
	return &Service{
		repo:      repo,
		transport: transport,
		smtp:      smtpBreaker,
		opts:      opts,
		now:       time.Now,
		queue:     make(chan envelope, opts.QueueSize),
		templates: make(map[domain.NotificationType]domain.NotificationTemplate),
		state:     make(map[domain.NotificationType]*throttleState),
	}
}

// Notify queues one notification. Never blocks: when the queue is full
// the event is dropped with a warning and counted. The context is part
// of the alerter contract but enqueueing needs nothing from it.
func (s *Service) Notify(_ context.Context, t domain.NotificationType, details map[string]any) {
	ev := envelope{Type: t, Context: details, At: s.now()}
	select {
	case s.queue <- ev:
	default:
		s.mu.Lock()
		s.stats.Dropped++
		s.mu.Unlock()
		observability.NotificationDropped()
		slog.Warn("notification queue full, event dropped", slog.String("type", string(t)))
	}
}

// Run is the single sender worker. Queued events left behind at shutdown
// are dropped; notifications are advisory, not durable work.
func (s *Service) Run(ctx context.Context) {
	slog.Info("notification sender started",
		slog.Int("queue_size", s.opts.QueueSize),
		slog.Int("recipients", len(s.opts.Recipients)))
	for {
		select {
		case <-ctx.Done():
			slog.Info("notification sender stopped")
			return
		case ev := <-s.queue:
			s.deliver(ctx, ev)
		}
	}
}

// RunEvents translates connectivity transitions into notifications until
// the subscription closes. Recovery milestones are skipped here; the
// recovery manager announces its own outcome.
func (s *Service) RunEvents(ctx context.Context, events <-chan domain.ConnectivityEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			t, relevant := notificationForEvent(ev.EventType)
			if !relevant {
				continue
			}
			details := map[string]any{"component": string(ev.Component)}
			for k, v := range ev.Details {
				details[k] = v
			}
			if ev.DurationOffline != nil {
				details["offline_for"] = ev.DurationOffline.Round(time.Second).String()
			}
			s.Notify(ctx, t, details)
		}
	}
}

// deliver runs the full pipeline for one event: template, throttle,
// render, transport, history.
func (s *Service) deliver(ctx context.Context, ev envelope) {
	tmpl := s.template(ev.Type)
	if !tmpl.Enabled {
		s.mu.Lock()
		s.stats.Disabled++
		s.mu.Unlock()
		slog.Debug("notification type disabled", slog.String("type", string(ev.Type)))
		return
	}

	now := s.now()
	pol := domain.ThrottlePolicy{ThrottleMinutes: tmpl.ThrottleMinutes, MaxPerHour: tmpl.MaxPerHour}
	if !s.admit(ev.Type, pol, now) {
		s.mu.Lock()
		s.stats.Throttled++
		s.mu.Unlock()
		slog.Debug("notification throttled", slog.String("type", string(ev.Type)))
		return
	}

	subject, body, err := render(tmpl, s.data(ev))
	if err != nil {
		slog.Warn("notification render failed", slog.String("type", string(ev.Type)), slog.Any("error", err))
		s.finish(ctx, ev, now, false, err.Error())
		return
	}

	if s.transport == nil || len(s.opts.Recipients) == 0 {
		slog.Info("notification (email disabled)",
			slog.String("type", string(ev.Type)), slog.String("subject", subject))
		s.markSent(ev.Type, pol, now)
		s.finish(ctx, ev, now, true, "")
		return
	}

	sendErr := s.send(ctx, subject, body)
	// The attempt spaces the next one whether or not it landed; a broken
	// relay must not be hammered every few seconds.
	s.markSent(ev.Type, pol, now)
	if sendErr != nil {
		slog.Warn("notification send failed",
			slog.String("type", string(ev.Type)), slog.Any("error", sendErr))
		s.finish(ctx, ev, now, false, sendErr.Error())
		return
	}
	slog.Info("notification sent",
		slog.String("type", string(ev.Type)), slog.Int("recipients", len(s.opts.Recipients)))
	s.finish(ctx, ev, now, true, "")
}

func (s *Service) send(ctx context.Context, subject, body string) error {
	if s.smtp == nil {
		return s.transport.Send(ctx, s.opts.Recipients, subject, body)
	}
	return s.smtp.Do(ctx, func(ctx context.Context) error {
		return s.transport.Send(ctx, s.opts.Recipients, subject, body)
	})
}

// finish updates counters and appends the history row.
func (s *Service) finish(ctx context.Context, ev envelope, at time.Time, ok bool, errMsg string) {
	s.mu.Lock()
	if ok {
		s.stats.Sent++
	} else {
		s.stats.Failed++
	}
	s.mu.Unlock()
	observability.NotificationSent(string(ev.Type), ok)

	rec := domain.NotificationRecord{
		Type:         ev.Type,
		Context:      ev.Context,
		Success:      ok,
		SentAt:       at,
		ErrorMessage: errMsg,
	}
	if err := s.repo.AppendNotification(ctx, rec); err != nil {
		slog.Warn("notification history not recorded", slog.String("type", string(ev.Type)), slog.Any("error", err))
	}
}

// admit evaluates the throttle formula: minimum spacing, the sliding
// hourly cap (lifted once the last send ages out), and cooldown.
func (s *Service) admit(t domain.NotificationType, pol domain.ThrottlePolicy, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateFor(t)
	st.prune(now)

	if !st.lastSent.IsZero() && now.Sub(st.lastSent) < time.Duration(pol.ThrottleMinutes)*time.Minute {
		return false
	}
	if len(st.window) >= pol.MaxPerHour && st.lastSent.After(now.Add(-time.Hour)) {
		return false
	}
	if now.Before(st.cooldownUntil) {
		return false
	}
	return true
}

// markSent records an attempt and arms the cooldown when it fills the
// hourly cap.
func (s *Service) markSent(t domain.NotificationType, pol domain.ThrottlePolicy, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateFor(t)
	st.lastSent = now
	st.window = append(st.window, now)
	st.prune(now)
	if len(st.window) >= pol.MaxPerHour {
		st.cooldownUntil = st.lastSent.Add(time.Hour)
	}
}

func (s *Service) stateFor(t domain.NotificationType) *throttleState {
	st, ok := s.state[t]
	if !ok {
		st = &throttleState{}
		s.state[t] = st
	}
	return st
}

func (st *throttleState) prune(now time.Time) {
	cutoff := now.Add(-time.Hour)
	keep := st.window[:0]
	for _, at := range st.window {
		if at.After(cutoff) {
			keep = append(keep, at)
		}
	}
	st.window = keep
}

// SendTest delivers a test email synchronously, bypassing the queue and
// throttle so an operator poke always reaches the relay.
func (s *Service) SendTest(ctx context.Context) error {
	if s.transport == nil || len(s.opts.Recipients) == 0 {
		return fmt.Errorf("op=notifier.SendTest: email not configured: %w", domain.ErrUnavailable)
	}
	now := s.now()
	subject := fmt.Sprintf("[%s] Test notification", s.opts.Restaurant)
	body := fmt.Sprintf("Test notification from the print service, sent %s.\n"+
		"If you can read this, operator email is working.\n", now.Local().Format(time.RFC1123))

	err := s.send(ctx, subject, body)
	ok := err == nil
	s.finish(ctx, envelope{Type: domain.NotifySystemError, Context: map[string]any{"test": true}, At: now}, now, ok, errString(err))
	if err != nil {
		return fmt.Errorf("op=notifier.SendTest: %w", err)
	}
	return nil
}

// Status snapshots per-type throttle state plus lifetime counters.
func (s *Service) Status() ([]TypeStatus, Stats) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	types := domain.AllNotificationTypes()
	out := make([]TypeStatus, 0, len(types))
	for _, t := range types {
		tmpl, ok := s.templates[t]
		if !ok {
			tmpl = defaultTemplate(t)
		}
		ts := TypeStatus{
			Type:            t,
			Enabled:         tmpl.Enabled,
			ThrottleMinutes: tmpl.ThrottleMinutes,
			MaxPerHour:      tmpl.MaxPerHour,
		}
		if st, ok := s.state[t]; ok {
			st.prune(now)
			ts.SentLastHour = len(st.window)
			if !st.lastSent.IsZero() {
				last := st.lastSent
				ts.LastSentAt = &last
			}
			if st.cooldownUntil.After(now) {
				until := st.cooldownUntil
				ts.CooldownUntil = &until
			}
		}
		out = append(out, ts)
	}
	return out, s.stats
}

// notificationForEvent maps connectivity transitions to their alert type.
// Recovery lifecycle events return false; the session announces itself.
func notificationForEvent(t domain.ConnEventType) (domain.NotificationType, bool) {
	switch t {
	case domain.EventPrinterOffline:
		return domain.NotifyPrinterOffline, true
	case domain.EventPrinterOnline:
		return domain.NotifyPrinterOnline, true
	case domain.EventInternetOffline:
		return domain.NotifyInternetOffline, true
	case domain.EventInternetOnline:
		return domain.NotifyInternetOnline, true
	}
	return "", false
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
