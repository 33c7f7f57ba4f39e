// Package notify delivers operator notifications over SMTP.
//
// The transport is deliberately thin: rendering, throttling and history
// all live in the notifier service. This package only assembles an RFC
// 5322 message and hands it to the mail relay.
package notify

import (
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/restogear/print-service/internal/domain"
	"github.com/restogear/print-service/pkg/textx"
)

// SMTPOptions configure the mail relay connection.
type SMTPOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTP implements domain.NotificationTransport via net/smtp.
type SMTP struct {
	opts SMTPOptions

	// sendMail is swapped in tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTP constructs the transport. Port defaults to 587.
func NewSMTP(opts SMTPOptions) *SMTP {
	if opts.Port == 0 {
		opts.Port = 587
	}
	return &SMTP{opts: opts, sendMail: smtp.SendMail}
}

// Send delivers one message to all recipients in a single SMTP
// transaction. It honours context cancellation by abandoning the wait;
// the transaction itself cannot be interrupted mid-flight.
func (s *SMTP) Send(ctx domain.Context, to []string, subject, body string) error {
	tracer := otel.Tracer("notify.smtp")
	ctx, span := tracer.Start(ctx, "smtp.Send")
	defer span.End()

	if s.opts.Host == "" || s.opts.From == "" {
		return fmt.Errorf("op=notify.SMTP.Send: host/from not configured: %w", domain.ErrInvalidArgument)
	}
	rcpts := make([]string, 0, len(to))
	for _, r := range to {
		r = strings.TrimSpace(r)
		if r != "" {
			rcpts = append(rcpts, r)
		}
	}
	if len(rcpts) == 0 {
		return fmt.Errorf("op=notify.SMTP.Send: no recipients: %w", domain.ErrInvalidArgument)
	}
	span.SetAttributes(attribute.Int("smtp.recipients", len(rcpts)))

	msg := s.message(rcpts, subject, body)
	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))

	var auth smtp.Auth
	if s.opts.Username != "" {
		auth = smtp.PlainAuth("", s.opts.Username, s.opts.Password, s.opts.Host)
	}

	done := make(chan error, 1)
	go func() { done <- s.sendMail(addr, auth, s.opts.From, rcpts, msg) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("op=notify.SMTP.Send: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("op=notify.SMTP.Send: %s: %w: %v", addr, domain.ErrUnavailable, err)
		}
		return nil
	}
}

// message assembles the wire form. Subject is collapsed to a single line
// so payload-derived text cannot smuggle extra headers.
func (s *SMTP) message(to []string, subject, body string) []byte {
	var b strings.Builder
	b.WriteString("From: " + s.opts.From + "\r\n")
	b.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	b.WriteString("Subject: " + textx.Line(subject, 200) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
	return []byte(b.String())
}
