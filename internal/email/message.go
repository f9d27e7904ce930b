// Package email defines the message model shared by the composer, the SMTP
// driver and the relay backends.
package email

import (
	"errors"
	"fmt"
	"net/mail"
)

// ErrEmptyBody is returned by Validate when neither an HTML nor a plain-text
// body is present.
var ErrEmptyBody = errors.New("message has neither an HTML nor a plain-text body")

// Message is a single-recipient message as handed over by the caller.
// It is built once per delivery call and never modified afterwards.
type Message struct {
	// From is the envelope sender address (MAIL FROM).
	From string
	// To is the envelope recipient address (RCPT TO).
	To string
	// ToName is the optional display name used in the To header.
	ToName   string
	Subject  string
	ReplyTo  string
	HTMLBody string
	TextBody string
}

// Validate checks the invariants a message must satisfy before it can be
// composed.
func (m *Message) Validate() error {
	if m.HTMLBody == "" && m.TextBody == "" {
		return ErrEmptyBody
	}
	if m.From == "" {
		return errors.New("message has no sender address")
	}
	if m.To == "" {
		return errors.New("message has no recipient address")
	}
	if err := checkAddress(m.From); err != nil {
		return fmt.Errorf("invalid sender address %q: %w", m.From, err)
	}
	if err := checkAddress(m.To); err != nil {
		return fmt.Errorf("invalid recipient address %q: %w", m.To, err)
	}
	if m.ReplyTo != "" {
		if err := checkAddress(m.ReplyTo); err != nil {
			return fmt.Errorf("invalid reply-to address %q: %w", m.ReplyTo, err)
		}
	}
	return nil
}

// checkAddress accepts only a bare address such as user@example.com. The
// value is used verbatim in MAIL FROM, RCPT TO and the headers, so display
// names and angle brackets are rejected.
func checkAddress(addr string) error {
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return err
	}
	if parsed.Address != addr {
		return errors.New("not a bare address")
	}
	return nil
}

// Header is a single message header field in wire order.
type Header struct {
	Name  string
	Value string
}

// Composed is the wire-format message produced by the composer. SMTP
// strategies transmit Raw; relay backends may use the structured fields.
type Composed struct {
	EnvelopeFrom string
	To           string
	Subject      string
	HTMLBody     string
	TextBody     string
	// Headers holds the top-level headers in the order they appear in Raw.
	Headers []Header
	// Raw is the complete message (headers and body) with CRLF line endings,
	// not yet dot-stuffed.
	Raw []byte
}

// Header returns the value of the first header with the given name, or ""
// if none exists. Name matching is case-sensitive on the canonical form.
func (c *Composed) Header(name string) string {
	for _, h := range c.Headers {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}
