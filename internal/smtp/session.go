package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-sasl"

	"github.com/shineum/quest-mailer/internal/email"
	smtptls "github.com/shineum/quest-mailer/internal/tls"
)

// Session states for the client state machine.
type state int

const (
	stateConnected state = iota
	stateGreeted
	stateSecured
	stateAuthenticated
	stateMailFrom
	stateRcptTo
	stateData
	stateDone
)

func (s state) String() string {
	switch s {
	case stateConnected:
		return "connected"
	case stateGreeted:
		return "greeted"
	case stateSecured:
		return "secured"
	case stateAuthenticated:
		return "authenticated"
	case stateMailFrom:
		return "mail-from"
	case stateRcptTo:
		return "rcpt-to"
	case stateData:
		return "data"
	case stateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session drives one SMTP exchange over an already open connection. A
// Session delivers at most one message and is not safe for concurrent use.
type Session struct {
	cfg        Config
	conn       net.Conn
	reader     *bufio.Reader
	writer     *bufio.Writer
	state      state
	tlsActive  bool
	extensions map[string]string
	transcript Transcript

	closeOnce sync.Once
	closeErr  error
}

// NewSession takes ownership of conn. The connection counts as already
// encrypted when cfg selects implicit TLS.
func NewSession(conn net.Conn, cfg Config) *Session {
	s := &Session{
		cfg:        cfg,
		conn:       conn,
		reader:     bufio.NewReader(conn),
		writer:     bufio.NewWriter(conn),
		state:      stateConnected,
		tlsActive:  cfg.Encryption == EncryptionImplicit,
		extensions: make(map[string]string),
	}
	if cfg.Username != "" {
		s.transcript.AddSecret(base64.StdEncoding.EncodeToString([]byte(cfg.Username)))
	}
	if cfg.Password != "" {
		s.transcript.AddSecret(base64.StdEncoding.EncodeToString([]byte(cfg.Password)))
	}
	return s
}

// Transcript returns the exchange recorded so far.
func (s *Session) Transcript() *Transcript {
	return &s.transcript
}

// Extensions returns the capabilities from the most recent EHLO reply,
// keyed by upper-case keyword.
func (s *Session) Extensions() map[string]string {
	out := make(map[string]string, len(s.extensions))
	for k, v := range s.extensions {
		out[k] = v
	}
	return out
}

// Close closes the connection. It is safe to call more than once; only the
// first call reaches the connection.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// Run delivers msg and closes the connection before returning, whatever
// the outcome.
func (s *Session) Run(ctx context.Context, msg *email.Composed) (err error) {
	defer s.Close()
	defer func() {
		if err != nil {
			slog.Debug("smtp session failed",
				"server", s.cfg.Addr(),
				"state", s.state.String(),
				"error", err,
			)
		}
	}()

	raw := s.conn
	stop := context.AfterFunc(ctx, func() {
		raw.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := s.greeting(ctx); err != nil {
		return err
	}
	if err := s.hello(ctx); err != nil {
		return err
	}

	if s.cfg.Encryption == EncryptionSTARTTLS && !s.tlsActive {
		if err := s.startTLS(ctx); err != nil {
			return err
		}
		if err := s.hello(ctx); err != nil {
			return err
		}
	}
	if s.tlsActive {
		s.state = stateSecured
	}

	if s.cfg.Username != "" {
		if err := s.authenticate(ctx); err != nil {
			return err
		}
		s.state = stateAuthenticated
	}

	if _, err := s.cmd(ctx, "MAIL FROM:<"+msg.EnvelopeFrom+">", ReplyOK); err != nil {
		return err
	}
	s.state = stateMailFrom

	if _, err := s.cmd(ctx, "RCPT TO:<"+msg.To+">", ReplyOK); err != nil {
		return err
	}
	s.state = stateRcptTo

	if _, err := s.cmd(ctx, "DATA", ReplyStartMailInput); err != nil {
		return err
	}
	s.state = stateData

	if err := s.body(ctx, msg.Raw); err != nil {
		return err
	}
	s.state = stateDone

	// The message is accepted at this point; a failed QUIT must not turn
	// into a redelivery.
	if _, err := s.cmd(ctx, "QUIT", ReplyServiceClosing); err != nil {
		slog.Warn("QUIT not acknowledged after accepted message",
			"server", s.cfg.Addr(),
			"error", err,
		)
	}
	return nil
}

func (s *Session) greeting(ctx context.Context) error {
	if err := s.prepare(ctx); err != nil {
		return &GreetingError{Err: err}
	}
	reply, err := readReply(s.reader)
	if err != nil {
		return &GreetingError{Err: err}
	}
	entry := s.record("", reply)
	if reply.Code != ReplyServiceReady {
		return &GreetingError{Code: reply.Code, Response: entry.Response}
	}
	s.state = stateGreeted
	return nil
}

func (s *Session) hello(ctx context.Context) error {
	reply, err := s.cmd(ctx, "EHLO "+s.cfg.heloName(), ReplyOK)
	if err != nil {
		return err
	}
	s.extensions = make(map[string]string)
	for _, line := range reply.Lines[1:] {
		if len(line) <= 4 {
			continue
		}
		keyword, param, _ := strings.Cut(line[4:], " ")
		s.extensions[strings.ToUpper(keyword)] = param
	}
	return nil
}

// startTLS issues STARTTLS and upgrades the connection, trying each
// version preference in order on the same transport.
func (s *Session) startTLS(ctx context.Context) error {
	if _, err := s.cmd(ctx, "STARTTLS", ReplyServiceReady); err != nil {
		return err
	}
	if s.reader.Buffered() > 0 {
		return &CommandError{
			Command:  "STARTTLS",
			Expected: ReplyServiceReady,
			Err:      errors.New("server sent data before TLS negotiation"),
		}
	}

	raw := s.conn
	attempts := make([]error, 0, len(smtptls.DefaultPreferences))
	for _, pref := range smtptls.DefaultPreferences {
		if err := s.prepare(ctx); err != nil {
			attempts = append(attempts, fmt.Errorf("%s: %w", pref.Name, err))
			break
		}
		tlsConn := tls.Client(raw, smtptls.ClientConfig(s.cfg.Host, s.cfg.TLSSkipVerify, pref))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			slog.Debug("TLS handshake failed",
				"server", s.cfg.Addr(),
				"preference", pref.Name,
				"error", err,
			)
			attempts = append(attempts, fmt.Errorf("%s: %w", pref.Name, err))
			continue
		}

		s.conn = tlsConn
		s.reader = bufio.NewReader(tlsConn)
		s.writer = bufio.NewWriter(tlsConn)
		s.tlsActive = true
		slog.Debug("TLS established",
			"server", s.cfg.Addr(),
			"preference", pref.Name,
			"version", tls.VersionName(tlsConn.ConnectionState().Version),
		)
		return nil
	}
	return &CryptoError{Attempts: attempts}
}

// authenticate runs AUTH LOGIN: the mechanism command, then the base64
// username and password, each answered by the server. Only the reply codes
// are checked; the text of the 334 challenges varies between servers.
func (s *Session) authenticate(ctx context.Context) error {
	client := sasl.NewLoginClient(s.cfg.Username, s.cfg.Password)
	mech, username, err := client.Start()
	if err != nil {
		return &AuthError{Step: "start", Cause: err}
	}

	if _, err := s.cmd(ctx, "AUTH "+mech, ReplyAuthContinue); err != nil {
		return &AuthError{Step: "AUTH " + mech, Cause: err}
	}
	if _, err := s.cmd(ctx, base64.StdEncoding.EncodeToString(username), ReplyAuthContinue); err != nil {
		return &AuthError{Step: "username", Cause: err}
	}

	password, err := client.Next(passwordChallenge)
	if err != nil {
		return &AuthError{Step: "password", Cause: err}
	}
	if _, err := s.cmd(ctx, base64.StdEncoding.EncodeToString(password), ReplyAuthOK); err != nil {
		return &AuthError{Step: "password", Cause: err}
	}
	return nil
}

// passwordChallenge is the prompt the LOGIN client answers with the password.
var passwordChallenge = []byte("Password:")

// body streams the message with dot-stuffing and waits for the server to
// accept it.
func (s *Session) body(ctx context.Context, raw []byte) error {
	const name = "end of data"
	if err := s.prepare(ctx); err != nil {
		return &CommandError{Command: name, Expected: ReplyOK, Err: err}
	}

	w := textproto.NewWriter(s.writer).DotWriter()
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return &CommandError{Command: name, Expected: ReplyOK, Err: err}
	}
	if err := w.Close(); err != nil {
		return &CommandError{Command: name, Expected: ReplyOK, Err: err}
	}

	reply, err := readReply(s.reader)
	if err != nil {
		s.transcript.Append(fmt.Sprintf("[message %d bytes] .", len(raw)), "")
		return &CommandError{Command: name, Expected: ReplyOK, Err: err}
	}
	entry := s.record(fmt.Sprintf("[message %d bytes] .", len(raw)), reply)
	if reply.Code != ReplyOK {
		return &CommandError{Command: name, Expected: ReplyOK, Actual: reply.Code, Response: entry.Response}
	}
	return nil
}

// cmd sends one command line and reads its reply. Any code other than
// expect, and any I/O failure, is returned as *CommandError with
// credentials masked.
func (s *Session) cmd(ctx context.Context, line string, expect int) (Reply, error) {
	name := s.transcript.Redact(line)

	if err := s.prepare(ctx); err != nil {
		return Reply{}, &CommandError{Command: name, Expected: expect, Err: err}
	}
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		return Reply{}, &CommandError{Command: name, Expected: expect, Err: err}
	}
	if err := s.writer.Flush(); err != nil {
		return Reply{}, &CommandError{Command: name, Expected: expect, Err: err}
	}

	reply, err := readReply(s.reader)
	if err != nil {
		s.transcript.Append(line, "")
		return Reply{}, &CommandError{Command: name, Expected: expect, Err: err}
	}
	entry := s.record(line, reply)
	if reply.Code != expect {
		return reply, &CommandError{
			Command:  name,
			Expected: expect,
			Actual:   reply.Code,
			Response: entry.Response,
		}
	}
	return reply, nil
}

func (s *Session) record(command string, reply Reply) Entry {
	entry := s.transcript.Append(command, reply.String())
	slog.Debug("smtp exchange",
		"server", s.cfg.Addr(),
		"command", entry.Command,
		"code", reply.Code,
	)
	return entry
}

// prepare arms the connection deadline for the next step: the configured
// timeout, or the context deadline when that comes first.
func (s *Session) prepare(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(s.cfg.timeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return s.conn.SetDeadline(deadline)
}

// Send opens a connection through connector and delivers msg in a single
// session. The returned transcript is non-nil whenever a connection was
// established.
func Send(ctx context.Context, connector Connector, cfg Config, msg *email.Composed) (*Transcript, error) {
	if connector == nil {
		connector = NetConnector{}
	}
	conn, err := connect(ctx, connector, cfg)
	if err != nil {
		return nil, err
	}
	s := NewSession(conn, cfg)
	err = s.Run(ctx, msg)
	return s.Transcript(), err
}
