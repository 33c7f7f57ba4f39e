package notify

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/restogear/print-service/internal/domain"
)

func testTransport(send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error) *SMTP {
	s := NewSMTP(SMTPOptions{
		Host: "mail.example.test",
		Port: 2525,
		From: "printer@example.test",
	})
	s.sendMail = send
	return s
}

func TestSendAssemblesMessage(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	s := testTransport(func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		assert.Nil(t, a, "no auth without username")
		return nil
	})

	err := s.Send(context.Background(), []string{"ops@example.test", " chef@example.test "}, "Printer offline", "The printer went away.")
	require.NoError(t, err)

	assert.Equal(t, "mail.example.test:2525", gotAddr)
	assert.Equal(t, "printer@example.test", gotFrom)
	assert.Equal(t, []string{"ops@example.test", "chef@example.test"}, gotTo)

	msg := string(gotMsg)
	assert.Contains(t, msg, "From: printer@example.test\r\n")
	assert.Contains(t, msg, "To: ops@example.test, chef@example.test\r\n")
	assert.Contains(t, msg, "Subject: Printer offline\r\n")
	assert.Contains(t, msg, "charset=\"utf-8\"")
	assert.True(t, strings.HasSuffix(msg, "\r\n\r\nThe printer went away.\r\n") ||
		strings.Contains(msg, "\r\n\r\nThe printer went away.\r\n"))
}

func TestSendCollapsesSubjectHeaderInjection(t *testing.T) {
	var gotMsg []byte
	s := testTransport(func(_ string, _ smtp.Auth, _ string, _ []string, msg []byte) error {
		gotMsg = msg
		return nil
	})

	err := s.Send(context.Background(), []string{"ops@example.test"}, "hello\r\nBcc: victim@example.test", "body")
	require.NoError(t, err)
	assert.NotContains(t, string(gotMsg), "Bcc:")
}

func TestSendUsesPlainAuthWhenConfigured(t *testing.T) {
	s := NewSMTP(SMTPOptions{
		Host:     "mail.example.test",
		Username: "printer",
		Password: "secret",
		From:     "printer@example.test",
	})
	var gotAuth smtp.Auth
	s.sendMail = func(_ string, a smtp.Auth, _ string, _ []string, _ []byte) error {
		gotAuth = a
		return nil
	}

	require.NoError(t, s.Send(context.Background(), []string{"ops@example.test"}, "s", "b"))
	assert.NotNil(t, gotAuth)
}

func TestSendDefaultsPort(t *testing.T) {
	s := NewSMTP(SMTPOptions{Host: "mail.example.test", From: "printer@example.test"})
	var gotAddr string
	s.sendMail = func(addr string, _ smtp.Auth, _ string, _ []string, _ []byte) error {
		gotAddr = addr
		return nil
	}
	require.NoError(t, s.Send(context.Background(), []string{"ops@example.test"}, "s", "b"))
	assert.Equal(t, "mail.example.test:587", gotAddr)
}

func TestSendValidation(t *testing.T) {
	s := testTransport(func(string, smtp.Auth, string, []string, []byte) error { return nil })

	err := s.Send(context.Background(), nil, "s", "b")
	require.True(t, errors.Is(err, domain.ErrInvalidArgument))

	err = s.Send(context.Background(), []string{"  "}, "s", "b")
	require.True(t, errors.Is(err, domain.ErrInvalidArgument))

	unconfigured := NewSMTP(SMTPOptions{})
	err = unconfigured.Send(context.Background(), []string{"ops@example.test"}, "s", "b")
	require.True(t, errors.Is(err, domain.ErrInvalidArgument))
}

func TestSendMapsRelayFailure(t *testing.T) {
	s := testTransport(func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("connection refused")
	})
	err := s.Send(context.Background(), []string{"ops@example.test"}, "s", "b")
	require.True(t, errors.Is(err, domain.ErrUnavailable))
}

func TestSendHonoursContext(t *testing.T) {
	block := make(chan struct{})
	s := testTransport(func(string, smtp.Auth, string, []string, []byte) error {
		<-block
		return nil
	})
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Send(ctx, []string{"ops@example.test"}, "s", "b")
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}
