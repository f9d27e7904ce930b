package delivery

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shineum/quest-mailer/internal/config"
	"github.com/shineum/quest-mailer/internal/parser"
	"github.com/shineum/quest-mailer/internal/smtptest"
)

func mailerConfig(srv *smtptest.Server) *config.Config {
	cfg := &config.Config{}
	cfg.SMTP.Host = srv.Host()
	cfg.SMTP.Port = srv.Port()
	cfg.SMTP.Encryption = "none"
	cfg.SMTP.Timeout = 5 * time.Second
	cfg.SMTP.HeloName = "mailer.test"
	cfg.SMTP.ImplicitTLSPort = 465
	cfg.Sender.Name = "Quest Board"
	cfg.Sender.Address = "quests@example.com"
	return cfg
}

func TestMailer_Send(t *testing.T) {
	t.Parallel()

	srv := smtptest.NewServer(t)
	m := NewMailer(mailerConfig(srv), nil)

	res := m.Send(context.Background(), Request{
		To:      "hero@example.com",
		ToName:  "Héro",
		Subject: "Quest complete",
		HTML:    "<p>Well done</p>",
		ReplyTo: "guild@example.com",
	})
	if !res.Success || res.Method != MethodSMTP {
		t.Fatalf("result: got %+v", res)
	}

	msgs := srv.Messages()
	if len(msgs) != 1 {
		t.Fatalf("messages: got %d, want 1", len(msgs))
	}
	if msgs[0].From != "quests@example.com" || msgs[0].To != "hero@example.com" {
		t.Errorf("envelope: got %q -> %q", msgs[0].From, msgs[0].To)
	}

	parsed, err := parser.Parse(msgs[0].Data)
	if err != nil {
		t.Fatalf("parse delivered message: %v", err)
	}
	if parsed.From != `"Quest Board" <quests@example.com>` {
		t.Errorf("From: got %q", parsed.From)
	}
	if parsed.To != "Héro <hero@example.com>" {
		t.Errorf("To: got %q", parsed.To)
	}
	if parsed.Header.Get("Reply-To") != "guild@example.com" {
		t.Errorf("Reply-To: got %q", parsed.Header.Get("Reply-To"))
	}
	if !strings.HasSuffix(parsed.MessageID, "@mailer.test>") {
		t.Errorf("Message-ID should embed the HELO name, got %q", parsed.MessageID)
	}
	if parsed.MediaType != "text/html" || !strings.Contains(parsed.HTMLBody, "Well done") {
		t.Errorf("body: type %q html %q", parsed.MediaType, parsed.HTMLBody)
	}
}

func TestMailer_FallsBackToRelay(t *testing.T) {
	t.Parallel()

	srv := smtptest.NewServer(t, smtptest.WithReply(smtptest.StepGreeting, "554 5.7.1 Go away"))
	relay := &fakeRelay{}
	m := NewMailer(mailerConfig(srv), relay)

	res := m.Send(context.Background(), Request{To: "hero@example.com", Subject: "Hi", Text: "hello"})
	if !res.Success || res.Method != MethodRelay {
		t.Fatalf("result: got %+v, want relay success", res)
	}
	if relay.calls() != 1 {
		t.Errorf("relay calls: got %d, want 1", relay.calls())
	}
}

func TestMailer_InvalidRecipient(t *testing.T) {
	t.Parallel()

	srv := smtptest.NewServer(t)
	m := NewMailer(mailerConfig(srv), nil)

	res := m.Send(context.Background(), Request{To: "not an address", Text: "hello"})
	if res.Success || res.Method != MethodNone || res.Error == "" {
		t.Fatalf("result: got %+v, want failure", res)
	}
	if srv.Sessions() != 0 {
		t.Errorf("no connection expected for an invalid message, got %d", srv.Sessions())
	}
}

func TestMailer_DisplayNameRecipientRejected(t *testing.T) {
	t.Parallel()

	srv := smtptest.NewServer(t)
	m := NewMailer(mailerConfig(srv), nil)

	res := m.Send(context.Background(), Request{To: "Bob <bob@example.com>", Text: "hello"})
	if res.Success || res.Method != MethodNone {
		t.Fatalf("result: got %+v, want failure", res)
	}
	if !strings.Contains(res.Error, "bare address") {
		t.Errorf("error %q should mention the bare address requirement", res.Error)
	}
	if srv.Sessions() != 0 {
		t.Errorf("no connection expected for a display-name recipient, got %d", srv.Sessions())
	}
}
