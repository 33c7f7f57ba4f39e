package notifier

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/restogear/print-service/internal/domain"
)

// templateData is what subject and body templates render over. Details
// carries the event context verbatim; identity fields come from config.
type templateData struct {
	Restaurant string
	Region     string
	Now        string
	Details    map[string]any
}

const detailsBlock = `{{range $k, $v := .Details}}  {{$k}}: {{$v}}
{{end}}`

// defaultTemplate returns the in-code template for one type. These seed
// the notification_templates table on first boot; operators edit the
// stored rows or override them with a YAML bundle.
func defaultTemplate(t domain.NotificationType) domain.NotificationTemplate {
	pol := domain.DefaultThrottleFor(t)
	tmpl := domain.NotificationTemplate{
		Type:            t,
		ThrottleMinutes: pol.ThrottleMinutes,
		MaxPerHour:      pol.MaxPerHour,
		Enabled:         true,
	}
	switch t {
	case domain.NotifyPrinterOffline:
		tmpl.Subject = "[{{.Restaurant}}] Receipt printer offline"
		tmpl.Body = "The receipt printer stopped responding at {{.Now}}.\n\n" +
			"Incoming receipts are being held in the offline queue and will print\n" +
			"automatically once the printer is back.\n\nDetails:\n" + detailsBlock
	case domain.NotifyPrinterOnline:
		tmpl.Subject = "[{{.Restaurant}}] Receipt printer back online"
		tmpl.Body = "The receipt printer is reachable again as of {{.Now}}.\n" +
			"Held receipts are being recovered now.\n\nDetails:\n" + detailsBlock
	case domain.NotifyInternetOffline:
		tmpl.Subject = "[{{.Restaurant}}] Internet connection lost"
		tmpl.Body = "The internet connection dropped at {{.Now}}. New online orders\n" +
			"cannot reach the print service; orders already received keep printing.\n\nDetails:\n" + detailsBlock
	case domain.NotifyInternetOnline:
		tmpl.Subject = "[{{.Restaurant}}] Internet connection restored"
		tmpl.Body = "The internet connection is back as of {{.Now}}. Queued work is\n" +
			"being recovered.\n\nDetails:\n" + detailsBlock
	case domain.NotifyRecoveryFailed:
		tmpl.Subject = "[{{.Restaurant}}] Receipt recovery failed"
		tmpl.Body = "A recovery session could not reprint the queued receipts.\n" +
			"Check the printer and trigger recovery manually if needed.\n\nDetails:\n" + detailsBlock
	case domain.NotifyRecoveryCompleted:
		tmpl.Subject = "[{{.Restaurant}}] Queued receipts recovered"
		tmpl.Body = "A recovery session finished at {{.Now}} and the held receipts\n" +
			"have been printed.\n\nDetails:\n" + detailsBlock
	case domain.NotifyQueueOverflow:
		tmpl.Subject = "[{{.Restaurant}}] Offline queue full"
		tmpl.Body = "The offline queue hit its size limit at {{.Now}}. New receipts\n" +
			"are being rejected until the backlog drains. This needs attention now.\n\nDetails:\n" + detailsBlock
	case domain.NotifyServiceRestart:
		tmpl.Subject = "[{{.Restaurant}}] Print service started"
		tmpl.Body = "The print service (re)started at {{.Now}} and is accepting\n" +
			"orders.\n\nDetails:\n" + detailsBlock
	default: // system_error and any future type
		tmpl.Subject = "[{{.Restaurant}}] Print service alert"
		tmpl.Body = "The print service reported a problem at {{.Now}}.\n\nDetails:\n" + detailsBlock
	}
	return tmpl
}

// templateBundle is the YAML override file shape. Zero throttle values
// fall back to the type's default policy; a missing enabled means true.
type templateBundle struct {
	Templates map[string]templateEntry `yaml:"templates"`
}

type templateEntry struct {
	Subject         string `yaml:"subject"`
	Body            string `yaml:"body"`
	HTML            string `yaml:"html"`
	ThrottleMinutes int    `yaml:"throttle_minutes"`
	MaxPerHour      int    `yaml:"max_per_hour"`
	Enabled         *bool  `yaml:"enabled"`
}

func (e templateEntry) toTemplate(t domain.NotificationType) domain.NotificationTemplate {
	pol := domain.DefaultThrottleFor(t)
	tmpl := domain.NotificationTemplate{
		Type:            t,
		Subject:         e.Subject,
		Body:            e.Body,
		HTML:            e.HTML,
		ThrottleMinutes: e.ThrottleMinutes,
		MaxPerHour:      e.MaxPerHour,
		Enabled:         true,
	}
	if tmpl.ThrottleMinutes <= 0 {
		tmpl.ThrottleMinutes = pol.ThrottleMinutes
	}
	if tmpl.MaxPerHour <= 0 {
		tmpl.MaxPerHour = pol.MaxPerHour
	}
	if e.Enabled != nil {
		tmpl.Enabled = *e.Enabled
	}
	return tmpl
}

func loadBundle(path string) (map[domain.NotificationType]domain.NotificationTemplate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=notifier.loadBundle: %w", err)
	}
	var bundle templateBundle
	if err := yaml.Unmarshal(raw, &bundle); err != nil {
		return nil, fmt.Errorf("op=notifier.loadBundle: %s: %w", path, err)
	}

	known := make(map[domain.NotificationType]bool)
	for _, t := range domain.AllNotificationTypes() {
		known[t] = true
	}
	out := make(map[domain.NotificationType]domain.NotificationTemplate, len(bundle.Templates))
	for name, entry := range bundle.Templates {
		t := domain.NotificationType(name)
		if !known[t] {
			return nil, fmt.Errorf("op=notifier.loadBundle: %s: unknown notification type %q: %w",
				path, name, domain.ErrInvalidArgument)
		}
		out[t] = entry.toTemplate(t)
	}
	return out, nil
}

// render executes the subject and body templates. Subjects collapse to a
// single line; bodies keep their layout.
func render(tmpl domain.NotificationTemplate, data templateData) (subject, body string, err error) {
	subject, err = execute("subject", tmpl.Subject, data)
	if err != nil {
		return "", "", fmt.Errorf("op=notifier.render: %s subject: %w", tmpl.Type, err)
	}
	subject = strings.Join(strings.Fields(subject), " ")
	body, err = execute("body", tmpl.Body, data)
	if err != nil {
		return "", "", fmt.Errorf("op=notifier.render: %s body: %w", tmpl.Type, err)
	}
	return subject, body, nil
}

func execute(name, text string, data templateData) (string, error) {
	t, err := template.New(name).Parse(text)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func (s *Service) data(ev envelope) templateData {
	return templateData{
		Restaurant: s.opts.Restaurant,
		Region:     s.opts.Region,
		Now:        ev.At.Local().Format(time.RFC1123),
		Details:    ev.Context,
	}
}

// LoadTemplates seeds missing defaults, applies the optional YAML bundle
// and warms the in-memory cache. Call once before Run.
func (s *Service) LoadTemplates(ctx domain.Context) error {
	for _, t := range domain.AllNotificationTypes() {
		_, err := s.repo.GetNotificationTemplate(ctx, t)
		if err == nil {
			continue
		}
		if !isNotFound(err) {
			return fmt.Errorf("op=notifier.LoadTemplates: %w", err)
		}
		if err := s.repo.UpsertNotificationTemplate(ctx, defaultTemplate(t)); err != nil {
			return fmt.Errorf("op=notifier.LoadTemplates: seed %s: %w", t, err)
		}
	}

	if s.opts.TemplatesFile != "" {
		overrides, err := loadBundle(s.opts.TemplatesFile)
		if err != nil {
			return err
		}
		// Deterministic apply order keeps reruns byte-identical.
		types := make([]string, 0, len(overrides))
		for t := range overrides {
			types = append(types, string(t))
		}
		sort.Strings(types)
		for _, name := range types {
			t := domain.NotificationType(name)
			if err := s.repo.UpsertNotificationTemplate(ctx, overrides[t]); err != nil {
				return fmt.Errorf("op=notifier.LoadTemplates: override %s: %w", t, err)
			}
		}
	}

	stored, err := s.repo.ListNotificationTemplates(ctx)
	if err != nil {
		return fmt.Errorf("op=notifier.LoadTemplates: %w", err)
	}
	s.mu.Lock()
	s.templates = make(map[domain.NotificationType]domain.NotificationTemplate, len(stored))
	for _, t := range stored {
		s.templates[t.Type] = t
	}
	s.mu.Unlock()
	return nil
}

// template serves from the cache, falling back to the in-code default so
// a half-seeded store never silences an alert.
func (s *Service) template(t domain.NotificationType) domain.NotificationTemplate {
	s.mu.Lock()
	tmpl, ok := s.templates[t]
	s.mu.Unlock()
	if !ok {
		return defaultTemplate(t)
	}
	return tmpl
}
