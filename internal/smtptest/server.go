// Package smtptest runs a scripted SMTP server on a loopback port for
// exercising the delivery client. Replies for each protocol step can be
// overridden to simulate rejections, and the server can speak plain SMTP,
// STARTTLS, or implicit TLS.
package smtptest

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	smtptls "github.com/shineum/quest-mailer/internal/tls"
)

// Step names a point in the SMTP exchange whose reply can be overridden.
type Step string

// Protocol steps.
const (
	StepGreeting Step = "greeting"
	StepEHLO     Step = "ehlo"
	StepSTARTTLS Step = "starttls"
	StepAuth     Step = "auth"
	StepAuthUser Step = "auth-user"
	StepAuthPass Step = "auth-pass"
	StepMail     Step = "mail"
	StepRcpt     Step = "rcpt"
	StepData     Step = "data"
	StepDataEnd  Step = "data-end"
	StepQuit     Step = "quit"
)

// idleTimeout bounds how long a session waits for the next client line.
const idleTimeout = 10 * time.Second

// Message is a message accepted by the server.
type Message struct {
	From string
	To   string
	Data []byte
}

// Option configures a Server.
type Option func(*Server)

// WithImplicitTLS makes the server perform the TLS handshake immediately on
// accept, before the greeting.
func WithImplicitTLS() Option {
	return func(s *Server) { s.implicitTLS = true }
}

// WithoutTLS disables STARTTLS; the command is answered with 454.
func WithoutTLS() Option {
	return func(s *Server) { s.tlsConfig = nil }
}

// WithBrokenTLS answers STARTTLS with 220 and then hangs up instead of
// completing a handshake.
func WithBrokenTLS() Option {
	return func(s *Server) { s.brokenTLS = true }
}

// WithCredentials makes the server verify AUTH LOGIN credentials.
func WithCredentials(username, password string) Option {
	return func(s *Server) {
		s.username = username
		s.password = password
	}
}

// WithReply overrides the reply line(s) sent at step. Multi-line replies
// are given as separate lines including their continuation markers.
func WithReply(step Step, lines ...string) Option {
	return func(s *Server) { s.replies[step] = lines }
}

// Server is a scripted SMTP server listening on 127.0.0.1.
type Server struct {
	hostname    string
	listener    net.Listener
	tlsConfig   *tls.Config
	implicitTLS bool
	brokenTLS   bool
	username    string
	password    string
	replies     map[Step][]string

	mu       sync.Mutex
	commands []string
	messages []Message
	sessions int

	wg sync.WaitGroup
}

// NewServer starts a server and registers its shutdown with t.Cleanup.
func NewServer(t testing.TB, opts ...Option) *Server {
	t.Helper()

	tlsConfig, err := smtptls.ServerConfig("localhost", "127.0.0.1")
	if err != nil {
		t.Fatalf("smtptest: failed to generate TLS config: %v", err)
	}

	s := &Server{
		hostname:  "mx.smtptest.local",
		tlsConfig: tlsConfig,
		replies:   make(map[Step][]string),
	}
	for _, opt := range opts {
		opt(s)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("smtptest: failed to listen: %v", err)
	}
	if s.implicitTLS {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	s.listener = ln

	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Host returns the listener host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.listener.Addr().String())
	return host
}

// Port returns the listener port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.listener.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

// Commands returns every line received from clients, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Messages returns the messages accepted so far.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Sessions returns the number of connections accepted so far.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

// Close stops the listener and waits for in-flight sessions.
func (s *Server) Close() {
	s.listener.Close()
	s.wg.Wait()
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.sessions++
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess := &session{server: s, conn: conn}
			sess.reset(conn)
			sess.handle()
		}()
	}
}

type session struct {
	server    *Server
	conn      net.Conn
	reader    *bufio.Reader
	writer    *bufio.Writer
	tlsActive bool

	mailFrom string
	rcptTo   string
}

func (ss *session) reset(conn net.Conn) {
	ss.conn = conn
	ss.reader = bufio.NewReader(conn)
	ss.writer = bufio.NewWriter(conn)
}

func (ss *session) handle() {
	defer func() { ss.conn.Close() }()

	ss.tlsActive = ss.server.implicitTLS
	ss.reply(StepGreeting, "220 "+ss.server.hostname+" ESMTP smtptest")

	for {
		line, ok := ss.readLine()
		if !ok {
			return
		}
		ss.server.record(line)

		verb, arg := parseCommand(line)
		switch verb {
		case "EHLO", "HELO":
			ss.handleEHLO(arg)
		case "STARTTLS":
			if !ss.handleSTARTTLS() {
				return
			}
		case "AUTH":
			if !ss.handleAuth(arg) {
				return
			}
		case "MAIL":
			ss.mailFrom = extractAddress(arg, "FROM:")
			ss.reply(StepMail, "250 2.1.0 OK")
		case "RCPT":
			ss.rcptTo = extractAddress(arg, "TO:")
			ss.reply(StepRcpt, "250 2.1.5 OK")
		case "DATA":
			if !ss.handleData() {
				return
			}
		case "NOOP", "RSET":
			ss.writeLines("250 OK")
		case "QUIT":
			ss.reply(StepQuit, "221 2.0.0 Bye")
			return
		default:
			ss.writeLines("500 5.5.2 Unrecognized command")
		}
	}
}

func (ss *session) handleEHLO(arg string) {
	if arg == "" {
		ss.writeLines("501 Syntax: EHLO hostname")
		return
	}
	lines := []string{"250-" + ss.server.hostname + " Hello " + arg}
	if ss.server.tlsConfig != nil && !ss.tlsActive {
		lines = append(lines, "250-STARTTLS")
	}
	lines = append(lines, "250-AUTH LOGIN PLAIN", "250-8BITMIME", "250 SIZE 10485760")
	ss.reply(StepEHLO, lines...)
}

// handleSTARTTLS reports whether the session should continue.
func (ss *session) handleSTARTTLS() bool {
	if ss.server.tlsConfig == nil || ss.tlsActive {
		ss.writeLines("454 4.7.0 TLS not available")
		return true
	}
	if !ss.reply(StepSTARTTLS, "220 2.0.0 Ready to start TLS") {
		return true
	}
	if ss.server.brokenTLS {
		return false
	}

	tlsConn := tls.Server(ss.conn, ss.server.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		return false
	}
	ss.reset(tlsConn)
	ss.tlsActive = true
	return true
}

// handleAuth runs the AUTH LOGIN challenge/response exchange and reports
// whether the session should continue.
func (ss *session) handleAuth(arg string) bool {
	if !strings.EqualFold(strings.TrimSpace(arg), "LOGIN") {
		ss.writeLines("504 5.5.4 Unrecognized authentication type")
		return true
	}
	if !ss.reply(StepAuth, "334 VXNlcm5hbWU6") {
		return true
	}
	userLine, ok := ss.readLine()
	if !ok {
		return false
	}
	ss.server.record(userLine)
	if !ss.reply(StepAuthUser, "334 UGFzc3dvcmQ6") {
		return true
	}
	passLine, ok := ss.readLine()
	if !ok {
		return false
	}
	ss.server.record(passLine)

	if override, ok := ss.server.replies[StepAuthPass]; ok {
		ss.writeLines(override...)
		return true
	}
	if ss.server.username != "" && !ss.server.verify(userLine, passLine) {
		ss.writeLines("535 5.7.8 Authentication credentials invalid")
		return true
	}
	ss.writeLines("235 2.7.0 Authentication successful")
	return true
}

func (ss *session) handleData() bool {
	if !ss.reply(StepData, "354 End data with <CR><LF>.<CR><LF>") {
		return true
	}

	var data strings.Builder
	for {
		line, err := ss.reader.ReadString('\n')
		if err != nil {
			return false
		}
		if strings.TrimRight(line, "\r\n") == "." {
			break
		}
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}
		data.WriteString(line)
	}

	ss.server.mu.Lock()
	ss.server.messages = append(ss.server.messages, Message{
		From: ss.mailFrom,
		To:   ss.rcptTo,
		Data: []byte(data.String()),
	})
	ss.server.mu.Unlock()

	ss.reply(StepDataEnd, "250 2.0.0 Ok: queued")
	return true
}

// reply sends the override for step if one exists, otherwise def. It
// reports whether the final reply line was positive (2xx or 3xx).
func (ss *session) reply(step Step, def ...string) bool {
	lines := def
	if override, ok := ss.server.replies[step]; ok {
		lines = override
	}
	ss.writeLines(lines...)
	last := lines[len(lines)-1]
	return len(last) > 0 && (last[0] == '2' || last[0] == '3')
}

func (ss *session) writeLines(lines ...string) {
	for _, l := range lines {
		ss.writer.WriteString(l + "\r\n")
	}
	ss.writer.Flush()
}

func (ss *session) readLine() (string, bool) {
	if err := ss.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
		return "", false
	}
	line, err := ss.reader.ReadString('\n')
	if err != nil {
		return "", false
	}
	return strings.TrimRight(line, "\r\n"), true
}

func (s *Server) record(line string) {
	s.mu.Lock()
	s.commands = append(s.commands, line)
	s.mu.Unlock()
}

func (s *Server) verify(encodedUser, encodedPass string) bool {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return false
	}
	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return false
	}
	return string(user) == s.username && string(pass) == s.password
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

// extractAddress strips the FROM:/TO: prefix and angle brackets.
func extractAddress(arg, prefix string) string {
	if len(arg) >= len(prefix) && strings.EqualFold(arg[:len(prefix)], prefix) {
		arg = arg[len(prefix):]
	}
	arg = strings.TrimSpace(arg)
	if strings.HasPrefix(arg, "<") {
		if end := strings.Index(arg, ">"); end > 0 {
			return arg[1:end]
		}
	}
	return arg
}
