package compose

import (
	"bytes"
	"io"
	"math/rand"
	"mime/quotedprintable"
	"strings"
	"testing"
	"time"

	"github.com/shineum/quest-mailer/internal/email"
	"github.com/shineum/quest-mailer/internal/parser"
)

func newTestComposer() *Composer {
	c := New(Config{Hostname: "mail.quests.test", FromName: "Quest Board"})
	c.now = func() time.Time { return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC) }
	n := 0
	c.newToken = func() string {
		n++
		return strings.Repeat("a", n)
	}
	return c
}

func baseMessage() *email.Message {
	return &email.Message{
		From:    "quests@example.com",
		To:      "alice@example.com",
		ToName:  "Alice",
		Subject: "New quest assigned",
	}
}

func TestCompose_Multipart(t *testing.T) {
	t.Parallel()

	msg := baseMessage()
	msg.TextBody = "Slay the dragon.\r\nReward: 50 XP"
	msg.HTMLBody = "<p>Slay the <b>dragon</b>.</p>"

	composed, err := newTestComposer().Compose(msg)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}

	parsed, err := parser.Parse(composed.Raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if parsed.MediaType != "multipart/alternative" {
		t.Fatalf("MediaType: got %q, want multipart/alternative", parsed.MediaType)
	}
	if len(parsed.Parts) != 2 {
		t.Fatalf("Parts: got %d, want 2", len(parsed.Parts))
	}
	if parsed.Parts[0].MediaType != "text/plain" {
		t.Errorf("first part: got %q, want text/plain", parsed.Parts[0].MediaType)
	}
	if parsed.Parts[1].MediaType != "text/html" {
		t.Errorf("second part: got %q, want text/html", parsed.Parts[1].MediaType)
	}
	for i, p := range parsed.Parts {
		if p.TransferEncoding != "quoted-printable" {
			t.Errorf("Parts[%d] encoding: got %q, want quoted-printable", i, p.TransferEncoding)
		}
	}
	if string(parsed.Parts[0].Body) != msg.TextBody {
		t.Errorf("plain body: got %q, want %q", parsed.Parts[0].Body, msg.TextBody)
	}
	if string(parsed.Parts[1].Body) != msg.HTMLBody {
		t.Errorf("html body: got %q, want %q", parsed.Parts[1].Body, msg.HTMLBody)
	}
	if !strings.Contains(composed.Header("Content-Type"), `boundary="=_questmail_`) {
		t.Errorf("Content-Type: got %q, want quoted questmail boundary", composed.Header("Content-Type"))
	}
}

func TestCompose_HTMLOnly(t *testing.T) {
	t.Parallel()

	msg := baseMessage()
	msg.HTMLBody = "<h1>Level up!</h1>"

	composed, err := newTestComposer().Compose(msg)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}

	if got := composed.Header("Content-Type"); got != "text/html; charset=UTF-8" {
		t.Errorf("Content-Type: got %q", got)
	}
	if got := composed.Header("Content-Transfer-Encoding"); got != "quoted-printable" {
		t.Errorf("Content-Transfer-Encoding: got %q", got)
	}

	parsed, err := parser.Parse(composed.Raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(parsed.Parts) != 1 || parsed.HTMLBody != msg.HTMLBody {
		t.Errorf("parsed html: got %q (%d parts)", parsed.HTMLBody, len(parsed.Parts))
	}
}

func TestCompose_TextOnly(t *testing.T) {
	t.Parallel()

	msg := baseMessage()
	msg.TextBody = "plain"

	composed, err := newTestComposer().Compose(msg)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if got := composed.Header("Content-Type"); got != "text/plain; charset=UTF-8" {
		t.Errorf("Content-Type: got %q", got)
	}
}

func TestCompose_HeaderOrder(t *testing.T) {
	t.Parallel()

	msg := baseMessage()
	msg.ReplyTo = "guildmaster@example.com"
	msg.TextBody = "x"

	composed, err := newTestComposer().Compose(msg)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}

	want := []string{
		"Date", "Message-ID", "From", "To", "Subject", "Reply-To", "MIME-Version",
		"X-Mailer", "X-Priority", "X-MSMail-Priority", "Importance", "List-Unsubscribe",
		"Content-Type", "Content-Transfer-Encoding",
	}
	if len(composed.Headers) != len(want) {
		t.Fatalf("header count: got %d, want %d", len(composed.Headers), len(want))
	}
	for i, name := range want {
		if composed.Headers[i].Name != name {
			t.Errorf("header %d: got %q, want %q", i, composed.Headers[i].Name, name)
		}
	}

	checks := map[string]string{
		"Date":             "Sat, 14 Mar 2026 09:26:53 +0000",
		"From":             `"Quest Board" <quests@example.com>`,
		"To":               `"Alice" <alice@example.com>`,
		"Reply-To":         "guildmaster@example.com",
		"X-Mailer":         DefaultMailer,
		"List-Unsubscribe": "<mailto:quests@example.com?subject=unsubscribe>",
	}
	for name, value := range checks {
		if got := composed.Header(name); got != value {
			t.Errorf("%s: got %q, want %q", name, got, value)
		}
	}

	if !bytes.HasPrefix(composed.Raw, []byte("Date: ")) {
		t.Errorf("raw message should start with Date header")
	}
	if bytes.Contains(bytes.ReplaceAll(composed.Raw, []byte("\r\n"), nil), []byte("\n")) {
		t.Errorf("raw message contains bare LF")
	}
}

func TestCompose_NoReplyTo(t *testing.T) {
	t.Parallel()

	msg := baseMessage()
	msg.TextBody = "x"

	composed, err := newTestComposer().Compose(msg)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	for _, h := range composed.Headers {
		if h.Name == "Reply-To" {
			t.Fatal("Reply-To header emitted without a reply-to address")
		}
	}
}

func TestCompose_RejectsEmptyBody(t *testing.T) {
	t.Parallel()

	if _, err := newTestComposer().Compose(baseMessage()); err == nil {
		t.Fatal("expected error for message without bodies")
	}
}

func TestMessageIDAndBoundaryUnique(t *testing.T) {
	t.Parallel()

	c := New(Config{Hostname: "quests.example.com"})
	seenIDs := make(map[string]bool)
	seenBoundaries := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := c.MessageID()
		if !strings.HasSuffix(id, "@quests.example.com>") || !strings.HasPrefix(id, "<") {
			t.Fatalf("MessageID %q does not embed hostname", id)
		}
		if seenIDs[id] {
			t.Fatalf("duplicate MessageID %q", id)
		}
		seenIDs[id] = true

		b := c.Boundary()
		if !strings.HasPrefix(b, boundaryPrefix) || len(b) != len(boundaryPrefix)+32 {
			t.Fatalf("unexpected boundary %q", b)
		}
		if seenBoundaries[b] {
			t.Fatalf("duplicate boundary %q", b)
		}
		seenBoundaries[b] = true
	}
}

func TestEncodeHeader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"Weekly quest digest", "Weekly quest digest"},
		{"", ""},
		{"Quête terminée", "=?UTF-8?b?UXXDqnRlIHRlcm1pbsOpZQ==?="},
		{"line\r\nBcc: evil@example.com", "=?UTF-8?b?bGluZQ0KQmNjOiBldmlsQGV4YW1wbGUuY29t?="},
	}
	for _, tt := range tests {
		if got := EncodeHeader(tt.in); got != tt.want {
			t.Errorf("EncodeHeader(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEncodeHeader_NonASCIIRoundTrip(t *testing.T) {
	t.Parallel()

	in := strings.Repeat("Épopée héroïque ", 10)
	encoded := EncodeHeader(in)
	for _, r := range encoded {
		if r > 0x7e {
			t.Fatalf("encoded header contains non-ASCII: %q", encoded)
		}
	}
	if !strings.HasPrefix(strings.ToUpper(encoded), "=?UTF-8?B?") {
		t.Fatalf("encoded header missing UTF-8 base64 marker: %q", encoded)
	}
	if got := parser.DecodeHeader(encoded); got != in {
		t.Errorf("round trip: got %q, want %q", got, in)
	}
}

func TestFormatAddress(t *testing.T) {
	t.Parallel()

	if got := FormatAddress("", "a@example.com"); got != "a@example.com" {
		t.Errorf("no name: got %q", got)
	}
	if got := FormatAddress("Zoë", "z@example.com"); got != "=?UTF-8?b?Wm/Dqw==?= <z@example.com>" {
		t.Errorf("non-ASCII name: got %q", got)
	}
}

func decodeQP(t *testing.T, b []byte) []byte {
	t.Helper()
	out, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(b)))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestEncodeQuotedPrintable_RoundTrip(t *testing.T) {
	t.Parallel()

	cases := [][]byte{
		[]byte(""),
		[]byte("plain ascii"),
		[]byte("trailing space \r\nnext line\t\r\n"),
		[]byte("bare\nLF and bare\rCR"),
		[]byte("equals = sign and =3D literal"),
		[]byte(".leading dot\r\n.\r\n"),
		[]byte("héroïque ✓"),
		[]byte(strings.Repeat("x", 300)),
		[]byte(strings.Repeat("y ", 200)),
		{0x00, 0xff, 0x80, '\r', '\r', '\n', '\n'},
	}

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		b := make([]byte, rng.Intn(400))
		rng.Read(b)
		cases = append(cases, b)
	}

	for i, in := range cases {
		encoded := EncodeQuotedPrintable(in)
		for _, line := range bytes.Split(encoded, []byte("\r\n")) {
			if len(line) > 76 {
				t.Fatalf("case %d: encoded line longer than 76: %q", i, line)
			}
			for _, c := range line {
				if c > 0x7e || (c < 0x20 && c != '\t') {
					t.Fatalf("case %d: encoded output contains raw byte %#x", i, c)
				}
			}
		}
		if got := decodeQP(t, encoded); !bytes.Equal(got, in) {
			t.Fatalf("case %d: round trip mismatch\n got: %q\nwant: %q", i, got, in)
		}
	}
}
