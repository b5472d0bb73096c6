package alerting

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/slack-go/slack"
	"github.com/sony/gobreaker"
)

// Sink delivers a formatted alert to one external transport.
type Sink interface {
	Name() string
	Send(ctx context.Context, subject, body string) error
}

// chatSink posts to a chat webhook.
type chatSink struct {
	webhookURL string
}

func NewChatSink(webhookURL string) Sink { return &chatSink{webhookURL: webhookURL} }

func (s *chatSink) Name() string { return "chat" }

func (s *chatSink) Send(ctx context.Context, subject, body string) error {
	msg := slack.WebhookMessage{Text: fmt.Sprintf("*%s*\n%s", subject, body)}
	return pkgerrors.Wrap(slack.PostWebhookContext(ctx, s.webhookURL, &msg), "posting chat webhook")
}

// emailSink sends over SMTP. The shared transport comes from config; each
// channel supplies its own recipient.
type emailSink struct {
	cfg SMTPConfig
	to  string
}

func NewEmailSink(cfg SMTPConfig, to string) Sink { return &emailSink{cfg: cfg, to: to} }

func (s *emailSink) Name() string { return "email" }

func (s *emailSink) Send(ctx context.Context, subject, body string) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return pkgerrors.Wrap(err, "dialing smtp")
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return pkgerrors.Wrap(err, "smtp handshake")
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(nil); err != nil {
			return pkgerrors.Wrap(err, "smtp starttls")
		}
	}
	if s.cfg.Username != "" {
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if err := c.Auth(auth); err != nil {
			return pkgerrors.Wrap(err, "smtp auth")
		}
	}

	if err := c.Mail(s.cfg.From); err != nil {
		return pkgerrors.Wrap(err, "smtp mail from")
	}
	if err := c.Rcpt(s.to); err != nil {
		return pkgerrors.Wrap(err, "smtp rcpt to")
	}
	w, err := c.Data()
	if err != nil {
		return pkgerrors.Wrap(err, "smtp data")
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nDate: %s\r\n\r\n%s\r\n",
		s.cfg.From, s.to, subject, time.Now().UTC().Format(time.RFC1123Z), body)
	if _, err := w.Write([]byte(msg)); err != nil {
		return pkgerrors.Wrap(err, "smtp body")
	}
	if err := w.Close(); err != nil {
		return pkgerrors.Wrap(err, "smtp close body")
	}
	return pkgerrors.Wrap(c.Quit(), "smtp quit")
}

// breakerSink wraps a sink in a circuit breaker so a dead transport stops
// burning the delivery budget of the others.
type breakerSink struct {
	inner   Sink
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker
}

// WithBreaker applies the per-send deadline and a circuit breaker that
// opens after 5 consecutive failures.
func WithBreaker(inner Sink, timeout time.Duration) Sink {
	return &breakerSink{
		inner:   inner,
		timeout: timeout,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    inner.Name(),
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (s *breakerSink) Name() string { return s.inner.Name() }

func (s *breakerSink) Send(ctx context.Context, subject, body string) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return nil, s.inner.Send(sendCtx, subject, body)
	})
	return err
}
