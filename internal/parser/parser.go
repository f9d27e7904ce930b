// Package parser decodes RFC 5322 wire messages back into their headers and
// body parts. The stdout relay uses it to show what would be delivered, and
// the composer tests use it to check framing and encodings.
package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
)

// Message is a decoded wire message.
type Message struct {
	Header    mail.Header
	From      string
	To        string
	Subject   string
	MessageID string
	// MediaType is the top-level media type without parameters.
	MediaType string
	TextBody  string
	HTMLBody  string
	// Parts lists the leaf parts in wire order. A single-part message has
	// exactly one entry.
	Parts []Part
}

// Part is a single decoded leaf part.
type Part struct {
	MediaType        string
	Charset          string
	TransferEncoding string
	Body             []byte
}

var wordDecoder = new(mime.WordDecoder)

// Parse parses raw into a Message, decoding encoded-word headers and
// quoted-printable or base64 bodies.
func Parse(raw []byte) (*Message, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	result := &Message{
		Header:    msg.Header,
		From:      DecodeHeader(msg.Header.Get("From")),
		To:        DecodeHeader(msg.Header.Get("To")),
		Subject:   DecodeHeader(msg.Header.Get("Subject")),
		MessageID: msg.Header.Get("Message-Id"),
	}

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("failed to parse content type %q: %w", contentType, err)
	}
	result.MediaType = mediaType

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message missing boundary")
		}
		if err := parseMultipart(msg.Body, boundary, result); err != nil {
			return nil, fmt.Errorf("failed to parse multipart message: %w", err)
		}
		return result, nil
	}

	part, err := readPart(msg.Body, mediaType, params["charset"], msg.Header.Get("Content-Transfer-Encoding"))
	if err != nil {
		return nil, err
	}
	result.addPart(part)
	return result, nil
}

// DecodeHeader decodes RFC 2047 encoded-words in v. Undecodable values are
// returned unchanged.
func DecodeHeader(v string) string {
	decoded, err := wordDecoder.DecodeHeader(v)
	if err != nil {
		return v
	}
	return decoded
}

// parseMultipart walks a multipart body, recursing into nested multiparts.
// Raw parts are used so the transfer encoding stays visible to callers.
func parseMultipart(body io.Reader, boundary string, result *Message) error {
	reader := multipart.NewReader(body, boundary)

	for {
		p, err := reader.NextRawPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		partContentType := p.Header.Get("Content-Type")
		if partContentType == "" {
			partContentType = "text/plain"
		}

		mediaType, params, err := mime.ParseMediaType(partContentType)
		if err != nil {
			slog.Warn("failed to parse part content type, skipping",
				"content_type", partContentType,
				"error", err,
			)
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			nested := params["boundary"]
			if nested == "" {
				slog.Warn("nested multipart missing boundary, skipping")
				continue
			}
			if err := parseMultipart(p, nested, result); err != nil {
				return err
			}
			continue
		}

		part, err := readPart(p, mediaType, params["charset"], p.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			return err
		}
		result.addPart(part)
	}
}

func (m *Message) addPart(p Part) {
	m.Parts = append(m.Parts, p)
	switch p.MediaType {
	case "text/plain":
		if m.TextBody == "" {
			m.TextBody = string(p.Body)
		}
	case "text/html":
		if m.HTMLBody == "" {
			m.HTMLBody = string(p.Body)
		}
	default:
		slog.Debug("non-text part", "content_type", p.MediaType)
	}
}

// readPart reads and decodes a leaf part body according to its
// Content-Transfer-Encoding.
func readPart(r io.Reader, mediaType, charset, encoding string) (Part, error) {
	encoding = strings.ToLower(strings.TrimSpace(encoding))
	part := Part{
		MediaType:        mediaType,
		Charset:          charset,
		TransferEncoding: encoding,
	}

	var err error
	switch encoding {
	case "quoted-printable":
		part.Body, err = io.ReadAll(quotedprintable.NewReader(r))
		if err != nil {
			return Part{}, fmt.Errorf("failed to decode quoted-printable content: %w", err)
		}
	case "base64":
		raw, err := io.ReadAll(r)
		if err != nil {
			return Part{}, fmt.Errorf("failed to read part content: %w", err)
		}
		cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(string(raw))
		part.Body, err = base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			return Part{}, fmt.Errorf("failed to decode base64 content: %w", err)
		}
	default:
		// 7bit, 8bit, binary or absent.
		part.Body, err = io.ReadAll(r)
		if err != nil {
			return Part{}, fmt.Errorf("failed to read part content: %w", err)
		}
	}
	return part, nil
}
