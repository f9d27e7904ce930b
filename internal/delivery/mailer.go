package delivery

import (
	"context"

	"github.com/shineum/quest-mailer/internal/compose"
	"github.com/shineum/quest-mailer/internal/config"
	"github.com/shineum/quest-mailer/internal/email"
	"github.com/shineum/quest-mailer/internal/provider"
	"github.com/shineum/quest-mailer/internal/smtp"
)

// Request is a single notification as submitted by the application.
type Request struct {
	To      string
	ToName  string
	Subject string
	HTML    string
	Text    string
	ReplyTo string
}

// Mailer is the application-facing entry point. It is built once from the
// loaded configuration and is safe for concurrent use.
type Mailer struct {
	from     string
	smtp     smtp.Config
	relay    provider.Provider
	composer *compose.Composer
	opts     Options
}

// NewMailer creates a Mailer. relay may be nil when no local relay is
// configured.
func NewMailer(cfg *config.Config, relay provider.Provider) *Mailer {
	return &Mailer{
		from:  cfg.Sender.Address,
		smtp:  cfg.SMTPSettings(),
		relay: relay,
		composer: compose.New(compose.Config{
			Hostname: cfg.SMTP.HeloName,
			FromName: cfg.Sender.Name,
		}),
		opts: Options{ImplicitTLSPort: cfg.SMTP.ImplicitTLSPort},
	}
}

// Send delivers req from the configured sender address.
func (m *Mailer) Send(ctx context.Context, req Request) Result {
	msg := &email.Message{
		From:     m.from,
		To:       req.To,
		ToName:   req.ToName,
		Subject:  req.Subject,
		ReplyTo:  req.ReplyTo,
		HTMLBody: req.HTML,
		TextBody: req.Text,
	}
	return Deliver(ctx, m.composer, m.smtp, m.relay, msg, m.opts)
}
