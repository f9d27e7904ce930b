// Package delivery sequences the SMTP client and the local relay into one
// delivery call. Each call walks an ordered list of strategies and stops at
// the first one that succeeds.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shineum/quest-mailer/internal/compose"
	"github.com/shineum/quest-mailer/internal/email"
	"github.com/shineum/quest-mailer/internal/provider"
	"github.com/shineum/quest-mailer/internal/smtp"
)

// Method identifies how a message was delivered.
type Method string

// Delivery methods reported in Result.
const (
	MethodSMTP  Method = "smtp"
	MethodRelay Method = "relay"
	MethodNone  Method = "none"
)

// ErrRelayUnavailable is recorded when every SMTP attempt failed and no
// relay backend is configured.
var ErrRelayUnavailable = errors.New("no local relay configured")

// Result is the outcome of one delivery call. Error is empty on success.
type Result struct {
	Success bool   `json:"success"`
	Method  Method `json:"method"`
	Error   string `json:"error"`
	// Err is the typed failure behind Error, for callers inside the process.
	Err error `json:"-"`
}

// Strategy is one way of getting a composed message out.
type Strategy interface {
	Name() string
	Method() Method
	Deliver(ctx context.Context, msg *email.Composed) error
}

// SMTPStrategy delivers over a single SMTP connection.
type SMTPStrategy struct {
	Config smtp.Config
	// Connector opens the transport; nil uses smtp.NetConnector.
	Connector smtp.Connector
}

// Name returns e.g. "smtp(tls) mail.example.com:587".
func (s SMTPStrategy) Name() string {
	return fmt.Sprintf("smtp(%s) %s", s.Config.Encryption, s.Config.Addr())
}

// Method returns MethodSMTP.
func (s SMTPStrategy) Method() Method { return MethodSMTP }

// Deliver runs one SMTP session. The redacted transcript is logged at
// debug level whether or not the session succeeded.
func (s SMTPStrategy) Deliver(ctx context.Context, msg *email.Composed) error {
	transcript, err := smtp.Send(ctx, s.Connector, s.Config, msg)
	if transcript != nil {
		slog.Debug("smtp transcript",
			"strategy", s.Name(),
			"transcript", transcript.String(),
		)
	}
	return err
}

// RelayStrategy hands the message to a local relay backend.
type RelayStrategy struct {
	Provider provider.Provider
}

// Name returns e.g. "relay(sendmail)".
func (r RelayStrategy) Name() string {
	return "relay(" + r.Provider.Name() + ")"
}

// Method returns MethodRelay.
func (r RelayStrategy) Method() Method { return MethodRelay }

// Deliver forwards msg to the provider.
func (r RelayStrategy) Deliver(ctx context.Context, msg *email.Composed) error {
	return r.Provider.Send(ctx, msg)
}

// Options tunes how the strategy list is built.
type Options struct {
	// ImplicitTLSPort is used for the retry after a failed STARTTLS
	// attempt. Zero means smtp.DefaultPortImplicitTLS.
	ImplicitTLSPort int
	// Connector is shared by the SMTP strategies; nil dials TCP.
	Connector smtp.Connector
}

// Plan returns the ordered strategies for cfg: the configured SMTP attempt,
// then an implicit-TLS copy of it when cfg uses STARTTLS, then relay when
// it is non-nil. cfg itself is never modified.
func Plan(cfg smtp.Config, relay provider.Provider, opts Options) []Strategy {
	plan := []Strategy{SMTPStrategy{Config: cfg, Connector: opts.Connector}}

	if cfg.Encryption == smtp.EncryptionSTARTTLS {
		port := opts.ImplicitTLSPort
		if port == 0 {
			port = smtp.DefaultPortImplicitTLS
		}
		plan = append(plan, SMTPStrategy{Config: cfg.WithImplicitTLS(port), Connector: opts.Connector})
	}

	if relay != nil {
		plan = append(plan, RelayStrategy{Provider: relay})
	}
	return plan
}

// Deliver composes msg once and delivers it following Plan.
func Deliver(ctx context.Context, composer *compose.Composer, cfg smtp.Config, relay provider.Provider, msg *email.Message, opts Options) Result {
	composed, err := composer.Compose(msg)
	if err != nil {
		slog.Error("message rejected before delivery", "to", msg.To, "error", err)
		return Result{Method: MethodNone, Error: err.Error(), Err: err}
	}
	return Execute(ctx, Plan(cfg, relay, opts), composed)
}

// Execute tries each strategy in order with the same composed message and
// returns on the first success. When all fail, the Result carries an
// *ExhaustedError message naming every strategy tried.
func Execute(ctx context.Context, plan []Strategy, msg *email.Composed) Result {
	var attempts []AttemptError
	relayTried := false

	for _, s := range plan {
		if err := ctx.Err(); err != nil {
			attempts = append(attempts, AttemptError{Strategy: s.Name(), Err: err})
			break
		}
		if s.Method() == MethodRelay {
			relayTried = true
		}

		err := s.Deliver(ctx, msg)
		if err == nil {
			slog.Info("message delivered",
				"to", msg.To,
				"method", string(s.Method()),
				"strategy", s.Name(),
				"failed_attempts", len(attempts),
			)
			return Result{Success: true, Method: s.Method()}
		}

		slog.Warn("delivery strategy failed",
			"to", msg.To,
			"strategy", s.Name(),
			"error", err,
		)
		attempts = append(attempts, AttemptError{Strategy: s.Name(), Err: err})
	}

	if !relayTried && ctx.Err() == nil {
		attempts = append(attempts, AttemptError{Strategy: "relay", Err: ErrRelayUnavailable})
	}

	exhausted := &ExhaustedError{Attempts: attempts}
	slog.Error("message delivery failed", "to", msg.To, "error", exhausted)
	return Result{Method: MethodNone, Error: exhausted.Error(), Err: exhausted}
}

// AttemptError is the failure of a single strategy.
type AttemptError struct {
	Strategy string
	Err      error
}

func (e AttemptError) Error() string {
	return e.Strategy + ": " + e.Err.Error()
}

func (e AttemptError) Unwrap() error { return e.Err }

// ExhaustedError reports that every strategy failed.
type ExhaustedError struct {
	Attempts []AttemptError
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.Error()
	}
	return "all delivery strategies failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes the per-attempt causes to errors.Is and errors.As.
func (e *ExhaustedError) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a.Err
	}
	return errs
}
