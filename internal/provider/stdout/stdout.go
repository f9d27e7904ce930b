// Package stdout implements a relay that prints composed messages to
// standard output instead of delivering them. It is meant for development
// setups without a reachable mail server.
package stdout

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"os"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/shineum/quest-mailer/internal/email"
	"github.com/shineum/quest-mailer/internal/parser"
)

const separator = "========================================\n"

// Provider prints messages in a human-readable format.
type Provider struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
	strict *bluemonday.Policy
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return NewWithWriter(os.Stdout)
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w, strict: bluemonday.StrictPolicy()}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

// Send decodes msg.Raw and prints its headers and body. HTML-only messages
// are shown as a tag-free preview.
func (p *Provider) Send(_ context.Context, msg *email.Composed) error {
	if len(msg.Raw) == 0 {
		return errors.New("stdout: composed message is empty")
	}
	parsed, err := parser.Parse(msg.Raw)
	if err != nil {
		return fmt.Errorf("stdout: %w", err)
	}

	var b strings.Builder
	b.WriteString(separator)
	fmt.Fprintf(&b, "Envelope: %s -> %s\n", msg.EnvelopeFrom, msg.To)
	fmt.Fprintf(&b, "From: %s\n", parsed.From)
	fmt.Fprintf(&b, "To: %s\n", parsed.To)
	fmt.Fprintf(&b, "Subject: %s\n", parsed.Subject)
	if parsed.MessageID != "" {
		fmt.Fprintf(&b, "Message-ID: %s\n", parsed.MessageID)
	}
	fmt.Fprintf(&b, "Content-Type: %s (%s)\n", parsed.MediaType, formatSize(len(msg.Raw)))
	b.WriteString("Body:\n")

	body := parsed.TextBody
	if body == "" {
		body = p.preview(parsed.HTMLBody)
	}
	b.WriteString(strings.TrimRight(body, "\r\n") + "\n")
	b.WriteString(separator)

	if _, err := io.WriteString(p.writer, b.String()); err != nil {
		return fmt.Errorf("stdout: write failed: %w", err)
	}
	return nil
}

// preview strips every tag from an HTML body and collapses whitespace.
func (p *Provider) preview(body string) string {
	text := html.UnescapeString(p.strict.Sanitize(body))
	return strings.Join(strings.Fields(text), " ")
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
