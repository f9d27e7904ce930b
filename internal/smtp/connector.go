// Package smtp implements the delivery side of SMTP: opening a connection
// (plain or implicit TLS), driving the command sequence with optional
// STARTTLS and AUTH LOGIN, and recording a credential-free transcript.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	smtptls "github.com/shineum/quest-mailer/internal/tls"
)

// Standard submission ports.
const (
	DefaultPortSTARTTLS    = 587
	DefaultPortImplicitTLS = 465
)

// DefaultTimeout bounds connect, read and write operations when Config has
// no timeout.
const DefaultTimeout = 30 * time.Second

// Encryption selects how the transport is secured.
type Encryption string

// Encryption modes.
const (
	EncryptionNone     Encryption = "none"
	EncryptionSTARTTLS Encryption = "tls"
	EncryptionImplicit Encryption = "ssl"
)

// ParseEncryption validates an encryption mode string. An empty string
// selects STARTTLS.
func ParseEncryption(s string) (Encryption, error) {
	switch Encryption(s) {
	case "":
		return EncryptionSTARTTLS, nil
	case EncryptionNone, EncryptionSTARTTLS, EncryptionImplicit:
		return Encryption(s), nil
	default:
		return "", fmt.Errorf("unknown encryption mode %q (want none, tls or ssl)", s)
	}
}

// Config describes one delivery attempt. It is passed by value; deriving a
// variant (see WithImplicitTLS) never touches the original.
type Config struct {
	Host       string
	Port       int
	Username   string
	Password   string
	Encryption Encryption
	// Timeout applies to connect and to every read and write.
	Timeout time.Duration
	// HeloName is the identity sent with EHLO. Defaults to the local hostname.
	HeloName string
	// TLSSkipVerify accepts any server certificate, including self-signed ones.
	TLSSkipVerify bool
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// WithImplicitTLS returns a copy of c that connects with implicit TLS on port.
func (c Config) WithImplicitTLS(port int) Config {
	c.Port = port
	c.Encryption = EncryptionImplicit
	return c
}

// LogValue keeps credentials out of structured logs.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("host", c.Host),
		slog.Int("port", c.Port),
		slog.String("encryption", string(c.Encryption)),
		slog.Bool("auth", c.Username != ""),
	)
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

func (c Config) heloName() string {
	if c.HeloName != "" {
		return c.HeloName
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "localhost"
}

// Connector opens the transport for one attempt. Ownership of the returned
// connection passes to the caller.
type Connector interface {
	Connect(ctx context.Context, cfg Config) (net.Conn, error)
}

// NetConnector dials TCP, performing the TLS handshake during connect when
// the configuration asks for implicit TLS.
type NetConnector struct{}

// Connect implements Connector. Failures are returned as *ConnectionError.
func (NetConnector) Connect(ctx context.Context, cfg Config) (net.Conn, error) {
	addr := cfg.Addr()
	dialer := &net.Dialer{Timeout: cfg.timeout()}

	if cfg.Encryption == EncryptionImplicit {
		tlsDialer := &tls.Dialer{
			NetDialer: dialer,
			Config:    smtptls.ClientConfig(cfg.Host, cfg.TLSSkipVerify, smtptls.DefaultPreferences[0]),
		}
		conn, err := tlsDialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, &ConnectionError{Addr: addr, Err: err}
		}
		return conn, nil
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Err: err}
	}
	return conn, nil
}

// connect wraps errors from arbitrary connectors as *ConnectionError.
func connect(ctx context.Context, connector Connector, cfg Config) (net.Conn, error) {
	conn, err := connector.Connect(ctx, cfg)
	if err != nil {
		var connErr *ConnectionError
		if errors.As(err, &connErr) {
			return nil, err
		}
		return nil, &ConnectionError{Addr: cfg.Addr(), Err: err}
	}
	return conn, nil
}
