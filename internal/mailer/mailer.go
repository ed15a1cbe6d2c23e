package mailer

import (
	"context"
	"log/slog"
	"strings"

	"github.com/resend/resend-go/v2"

	"trial-engine/internal/logging"
)

// Mailer is the one-shot notification transport consumed by the engine.
// A nil error means the provider accepted the message; delivery beyond
// that point is the provider's problem.
type Mailer interface {
	Send(ctx context.Context, to, subject, html string) error
}

// ResendMailer sends through the Resend API.
type ResendMailer struct {
	client *resend.Client
	from   string
	log    *slog.Logger
}

func NewResendMailer(log *slog.Logger, apiKey, from string) *ResendMailer {
	return &ResendMailer{
		client: resend.NewClient(apiKey),
		from:   from,
		log:    log,
	}
}

func (m *ResendMailer) Send(ctx context.Context, to, subject, html string) error {
	sent, err := m.client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    m.from,
		To:      []string{to},
		Subject: subject,
		Html:    html,
	})
	if err != nil {
		return err
	}

	m.log.Debug("mail_accepted",
		"provider_id", sent.Id,
		"to", logging.MaskEmail(to),
	)
	return nil
}

// LogMailer logs instead of sending. Used when RESEND_API_KEY is unset
// so local runs exercise the full engine without outbound mail.
type LogMailer struct {
	log *slog.Logger
}

func NewLogMailer(log *slog.Logger) *LogMailer {
	return &LogMailer{log: log}
}

func (m *LogMailer) Send(ctx context.Context, to, subject, html string) error {
	m.log.Info("mail_simulated",
		"to", logging.MaskEmail(to),
		"subject", subject,
		"body_bytes", len(html),
	)
	return nil
}

// FromConfig picks the real transport when an API key is configured.
func FromConfig(log *slog.Logger, apiKey, from string) Mailer {
	if strings.TrimSpace(apiKey) == "" {
		log.Info("mailer_log_only", "reason", "RESEND_API_KEY not set")
		return NewLogMailer(log)
	}
	return NewResendMailer(log, apiKey, from)
}
