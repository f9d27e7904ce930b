// Package sendmail implements a relay that pipes composed messages into the
// host's sendmail-compatible binary.
package sendmail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/shineum/quest-mailer/internal/email"
)

// Provider hands messages to a local MTA through its sendmail interface.
type Provider struct {
	path string
}

// New creates a Provider that runs the binary at path.
func New(path string) *Provider {
	return &Provider{path: path}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "sendmail"
}

// Send runs "<path> -i -f <envelope-from> -- <to>" with msg.Raw on stdin.
// The recipient is passed explicitly so headers are never re-parsed for
// addresses. A non-zero exit is an error carrying the command's stderr.
func (p *Provider) Send(ctx context.Context, msg *email.Composed) error {
	if len(msg.Raw) == 0 {
		return errors.New("sendmail: composed message is empty")
	}
	if strings.HasPrefix(msg.EnvelopeFrom, "-") || strings.HasPrefix(msg.To, "-") {
		return fmt.Errorf("sendmail: refusing address that looks like a flag")
	}

	cmd := exec.CommandContext(ctx, p.path, "-i", "-f", msg.EnvelopeFrom, "--", msg.To)
	cmd.Stdin = bytes.NewReader(msg.Raw)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return fmt.Errorf("sendmail %s: %w: %s", p.path, err, detail)
		}
		return fmt.Errorf("sendmail %s: %w", p.path, err)
	}

	slog.Debug("message handed to sendmail", "path", p.path, "to", msg.To)
	return nil
}
