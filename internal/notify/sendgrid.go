package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"intake/internal/config"
	"intake/internal/domain"
	"intake/internal/worker"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// ErrNotConfigured is returned by senders missing credentials or
// recipients. Handlers treat it as a skip, not a failure.
var ErrNotConfigured = errors.New("notifier not configured")

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SendGridSender delivers mail through the SendGrid v3 mail send API.
type SendGridSender struct {
	apiKey   string
	host     string
	from     string
	fromName string
}

func NewSendGridSender(cfg config.EmailConfig) *SendGridSender {
	host := cfg.Host
	if host == "" {
		host = "https://api.sendgrid.com"
	}
	return &SendGridSender{
		apiKey:   cfg.SendGridAPIKey,
		host:     host,
		from:     cfg.From,
		fromName: cfg.FromName,
	}
}

func (s *SendGridSender) Send(ctx context.Context, msg Message) error {
	if s.apiKey == "" || s.from == "" {
		return fmt.Errorf("sendgrid: api key or sender missing: %w", ErrNotConfigured)
	}
	if len(msg.To) == 0 {
		return fmt.Errorf("sendgrid: no recipients: %w", ErrNotConfigured)
	}

	m := mail.NewV3Mail()
	m.SetFrom(mail.NewEmail(s.fromName, s.from))
	m.Subject = msg.Subject

	p := mail.NewPersonalization()
	for _, to := range msg.To {
		p.AddTos(mail.NewEmail("", to))
	}
	m.AddPersonalizations(p)
	m.AddContent(mail.NewContent("text/plain", msg.Text))

	request := sendgrid.GetRequest(s.apiKey, "/v3/mail/send", s.host)
	request.Method = "POST"
	request.Body = mail.GetRequestBody(m)

	resp, err := sendgrid.MakeRequestWithContext(ctx, request)
	if err != nil {
		return fmt.Errorf("sendgrid request: %w", err)
	}
	if resp.StatusCode >= 300 {
		upErr := &domain.UpstreamError{Service: "sendgrid", StatusCode: resp.StatusCode, Status: http.StatusText(resp.StatusCode), Body: resp.Body}
		if permanentStatus(resp.StatusCode) {
			return fmt.Errorf("%w: %w", upErr, worker.ErrPermanent)
		}
		return upErr
	}
	return nil
}

// permanentStatus reports client errors that a resend cannot fix.
func permanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}
