// Package compose builds RFC 5322 / MIME wire messages from email.Message
// values: ordered headers, encoded-word header values, and quoted-printable
// single-part or multipart/alternative bodies.
package compose

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/quest-mailer/internal/email"
)

// DefaultMailer is the value of the X-Mailer header when none is configured.
const DefaultMailer = "QuestMailer/1.0"

// boundaryPrefix marks MIME boundaries generated by this package.
const boundaryPrefix = "=_questmail_"

// Config holds the sender-side settings that do not vary per message.
type Config struct {
	// Hostname is embedded in Message-ID values. Defaults to os.Hostname().
	Hostname string
	// FromName is the display name of the From header.
	FromName string
	// Mailer is the X-Mailer header value.
	Mailer string
}

// Composer turns messages into wire format. It holds no per-message state
// and is safe for concurrent use.
type Composer struct {
	hostname string
	fromName string
	mailer   string

	now      func() time.Time
	newToken func() string
}

// New creates a Composer, filling in defaults for empty Config fields.
func New(cfg Config) *Composer {
	if cfg.Hostname == "" {
		cfg.Hostname = localHostname()
	}
	if cfg.Mailer == "" {
		cfg.Mailer = DefaultMailer
	}
	return &Composer{
		hostname: cfg.Hostname,
		fromName: cfg.FromName,
		mailer:   cfg.Mailer,
		now:      time.Now,
		newToken: uuid.NewString,
	}
}

// Compose validates msg and renders it. Messages with both bodies become
// multipart/alternative (plain first, HTML second); a single body becomes a
// single-part message. Every body is quoted-printable encoded.
func (c *Composer) Compose(msg *email.Message) (*email.Composed, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	now := c.now()
	headers := []email.Header{
		{Name: "Date", Value: now.Format(time.RFC1123Z)},
		{Name: "Message-ID", Value: c.MessageID()},
		{Name: "From", Value: FormatAddress(c.fromName, msg.From)},
		{Name: "To", Value: FormatAddress(msg.ToName, msg.To)},
		{Name: "Subject", Value: EncodeHeader(msg.Subject)},
	}
	if msg.ReplyTo != "" {
		headers = append(headers, email.Header{Name: "Reply-To", Value: msg.ReplyTo})
	}
	headers = append(headers,
		email.Header{Name: "MIME-Version", Value: "1.0"},
		email.Header{Name: "X-Mailer", Value: c.mailer},
		email.Header{Name: "X-Priority", Value: "3 (Normal)"},
		email.Header{Name: "X-MSMail-Priority", Value: "Normal"},
		email.Header{Name: "Importance", Value: "Normal"},
		email.Header{Name: "List-Unsubscribe", Value: "<mailto:" + msg.From + "?subject=unsubscribe>"},
	)

	var body bytes.Buffer
	switch {
	case msg.TextBody != "" && msg.HTMLBody != "":
		boundary := c.Boundary()
		headers = append(headers, email.Header{
			Name:  "Content-Type",
			Value: fmt.Sprintf("multipart/alternative; boundary=%q", boundary),
		})
		writeAlternative(&body, boundary, msg.TextBody, msg.HTMLBody)
	case msg.HTMLBody != "":
		headers = append(headers, singlePartHeaders("text/html")...)
		body.Write(EncodeQuotedPrintable([]byte(msg.HTMLBody)))
	default:
		headers = append(headers, singlePartHeaders("text/plain")...)
		body.Write(EncodeQuotedPrintable([]byte(msg.TextBody)))
	}

	var raw bytes.Buffer
	for _, h := range headers {
		raw.WriteString(h.Name)
		raw.WriteString(": ")
		raw.WriteString(h.Value)
		raw.WriteString("\r\n")
	}
	raw.WriteString("\r\n")
	raw.Write(body.Bytes())

	return &email.Composed{
		EnvelopeFrom: msg.From,
		To:           msg.To,
		Subject:      msg.Subject,
		HTMLBody:     msg.HTMLBody,
		TextBody:     msg.TextBody,
		Headers:      headers,
		Raw:          raw.Bytes(),
	}, nil
}

// MessageID returns a new globally unique Message-ID that embeds the
// composer's hostname.
func (c *Composer) MessageID() string {
	return fmt.Sprintf("<%d.%s@%s>", c.now().UnixNano(), c.newToken(), c.hostname)
}

// Boundary returns a fresh multipart boundary: a fixed prefix followed by a
// hash of the current time and a random token.
func (c *Composer) Boundary() string {
	sum := sha256.Sum256([]byte(strconv.FormatInt(c.now().UnixNano(), 10) + c.newToken()))
	return boundaryPrefix + hex.EncodeToString(sum[:])[:32]
}

func singlePartHeaders(mediaType string) []email.Header {
	return []email.Header{
		{Name: "Content-Type", Value: mediaType + "; charset=UTF-8"},
		{Name: "Content-Transfer-Encoding", Value: "quoted-printable"},
	}
}

// writeAlternative writes a two-part multipart/alternative body. The CRLF
// before each delimiter belongs to the delimiter, so part contents are
// exactly the encoded bodies.
func writeAlternative(buf *bytes.Buffer, boundary, text, html string) {
	buf.WriteString("This is a multi-part message in MIME format.\r\n")
	for _, part := range []struct {
		mediaType string
		content   string
	}{
		{"text/plain", text},
		{"text/html", html},
	} {
		fmt.Fprintf(buf, "\r\n--%s\r\n", boundary)
		fmt.Fprintf(buf, "Content-Type: %s; charset=UTF-8\r\n", part.mediaType)
		buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")
		buf.Write(EncodeQuotedPrintable([]byte(part.content)))
	}
	fmt.Fprintf(buf, "\r\n--%s--\r\n", boundary)
}

func localHostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "localhost"
}
