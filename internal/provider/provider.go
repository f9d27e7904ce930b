// Package provider defines the interface for local relay backends: the
// delivery path used after every direct SMTP attempt has failed.
package provider

import (
	"context"
	"fmt"

	"github.com/shineum/quest-mailer/internal/config"
	"github.com/shineum/quest-mailer/internal/email"
	"github.com/shineum/quest-mailer/internal/provider/graph"
	"github.com/shineum/quest-mailer/internal/provider/sendmail"
	"github.com/shineum/quest-mailer/internal/provider/ses"
	"github.com/shineum/quest-mailer/internal/provider/stdout"
)

// Provider is the interface that relay backends must implement. Each one
// hands the composed message to a mechanism outside the SMTP client
// (the host's sendmail, AWS SES, Microsoft Graph, or stdout).
type Provider interface {
	// Send delivers an already composed message. It returns an error if
	// the relay did not accept it.
	Send(ctx context.Context, msg *email.Composed) error

	// Name returns the human-readable name of this provider.
	Name() string
}

// FromConfig builds the relay selected by cfg.Relay.Backend. It returns a
// nil Provider and no error when the relay is disabled.
func FromConfig(ctx context.Context, cfg *config.Config) (Provider, error) {
	switch cfg.Relay.Backend {
	case config.RelayNone, "":
		return nil, nil
	case config.RelaySendmail:
		return sendmail.New(cfg.Relay.SendmailPath), nil
	case config.RelaySES:
		p, err := ses.New(ctx, ses.SESProviderConfig{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SES relay: %w", err)
		}
		return p, nil
	case config.RelayGraph:
		return graph.New(graph.Config{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Sender:       cfg.Graph.Sender,
		}), nil
	case config.RelayStdout:
		return stdout.New(), nil
	default:
		return nil, fmt.Errorf("unknown relay backend %q", cfg.Relay.Backend)
	}
}
