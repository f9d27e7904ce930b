// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the quest mailer.
package config

import (
	"errors"
	"fmt"
	"net/mail"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shineum/quest-mailer/internal/smtp"
)

// Relay backends.
const (
	RelayNone     = "none"
	RelaySendmail = "sendmail"
	RelaySES      = "ses"
	RelayGraph    = "graph"
	RelayStdout   = "stdout"
)

const defaultSendmailPath = "/usr/sbin/sendmail"

// Config holds the complete application configuration.
type Config struct {
	SMTP    SMTPConfig    `yaml:"smtp"`
	Sender  SenderConfig  `yaml:"sender"`
	Relay   RelayConfig   `yaml:"relay"`
	SES     SESConfig     `yaml:"ses"`
	Graph   GraphConfig   `yaml:"graph"`
	Logging LoggingConfig `yaml:"logging"`
}

// SMTPConfig holds the outbound SMTP server settings.
type SMTPConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	Encryption      string        `yaml:"encryption"`
	Timeout         time.Duration `yaml:"timeout"`
	HeloName        string        `yaml:"helo_name"`
	TLSSkipVerify   bool          `yaml:"tls_skip_verify"`
	ImplicitTLSPort int           `yaml:"implicit_tls_port"`
}

// SenderConfig is the identity messages are sent from.
type SenderConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

// RelayConfig selects the local relay used when every SMTP attempt fails.
type RelayConfig struct {
	Backend      string `yaml:"backend"`
	SendmailPath string `yaml:"sendmail_path"`
}

// SESConfig holds AWS SES relay configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.SMTP.Host == "" {
		errs = append(errs, errors.New("smtp.host is required"))
	}
	if c.SMTP.Port < 1 || c.SMTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("smtp.port %d out of range", c.SMTP.Port))
	}
	if c.SMTP.ImplicitTLSPort < 1 || c.SMTP.ImplicitTLSPort > 65535 {
		errs = append(errs, fmt.Errorf("smtp.implicit_tls_port %d out of range", c.SMTP.ImplicitTLSPort))
	}
	if _, err := smtp.ParseEncryption(c.SMTP.Encryption); err != nil {
		errs = append(errs, fmt.Errorf("smtp.encryption: %w", err))
	}
	if c.SMTP.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("smtp.timeout must be positive, got %s", c.SMTP.Timeout))
	}

	if c.Sender.Address == "" {
		errs = append(errs, errors.New("sender.address is required"))
	} else if a, err := mail.ParseAddress(c.Sender.Address); err != nil {
		errs = append(errs, fmt.Errorf("sender.address: %w", err))
	} else if a.Address != c.Sender.Address {
		errs = append(errs, fmt.Errorf("sender.address %q must be a bare address; put the display name in sender.name", c.Sender.Address))
	}

	switch c.Relay.Backend {
	case RelayNone, RelayStdout:
	case RelaySendmail:
		if c.Relay.SendmailPath == "" {
			errs = append(errs, errors.New("relay.sendmail_path is required for the sendmail relay"))
		}
	case RelaySES:
		if !c.SESConfigured() {
			errs = append(errs, errors.New("ses.region is required for the ses relay"))
		}
	case RelayGraph:
		if !c.GraphConfigured() {
			errs = append(errs, errors.New("graph tenant_id, client_id, client_secret and sender are required for the graph relay"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown relay.backend %q", c.Relay.Backend))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.level %q", c.Logging.Level))
	}

	return errors.Join(errs...)
}

// SMTPSettings returns the per-attempt SMTP configuration. Call Validate
// first; an unparseable encryption mode falls back to STARTTLS here.
func (c *Config) SMTPSettings() smtp.Config {
	enc, err := smtp.ParseEncryption(c.SMTP.Encryption)
	if err != nil {
		enc = smtp.EncryptionSTARTTLS
	}
	return smtp.Config{
		Host:          c.SMTP.Host,
		Port:          c.SMTP.Port,
		Username:      c.SMTP.Username,
		Password:      c.SMTP.Password,
		Encryption:    enc,
		Timeout:       c.SMTP.Timeout,
		HeloName:      c.SMTP.HeloName,
		TLSSkipVerify: c.SMTP.TLSSkipVerify,
	}
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// SESConfigured returns true if an SES region is set. Credentials are
// optional and fall back to the default AWS chain.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != ""
}

// AuthEnabled returns true if SMTP credentials are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Port = smtp.DefaultPortSTARTTLS
	c.SMTP.Encryption = string(smtp.EncryptionSTARTTLS)
	c.SMTP.Timeout = smtp.DefaultTimeout
	c.SMTP.ImplicitTLSPort = smtp.DefaultPortImplicitTLS
	c.Relay.Backend = RelayNone
	c.Relay.SendmailPath = defaultSendmailPath
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values; values
// that fail to parse are ignored.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("SMTP_HOST"); v != "" {
		c.SMTP.Host = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.SMTP.Port = port
		}
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		c.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
	if v := os.Getenv("SMTP_ENCRYPTION"); v != "" {
		c.SMTP.Encryption = strings.ToLower(v)
	}
	if v := os.Getenv("SMTP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.SMTP.Timeout = d
		}
	}
	if v := os.Getenv("SMTP_HELO_NAME"); v != "" {
		c.SMTP.HeloName = v
	}
	if v := os.Getenv("SMTP_TLS_SKIP_VERIFY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.SMTP.TLSSkipVerify = b
		}
	}
	if v := os.Getenv("SMTP_IMPLICIT_TLS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.SMTP.ImplicitTLSPort = port
		}
	}

	if v := os.Getenv("MAIL_FROM_NAME"); v != "" {
		c.Sender.Name = v
	}
	if v := os.Getenv("MAIL_FROM_ADDRESS"); v != "" {
		c.Sender.Address = v
	}

	if v := os.Getenv("RELAY_BACKEND"); v != "" {
		c.Relay.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("SENDMAIL_PATH"); v != "" {
		c.Relay.SendmailPath = v
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}

	if v := os.Getenv("GRAPH_TENANT_ID"); v != "" {
		c.Graph.TenantID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_ID"); v != "" {
		c.Graph.ClientID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_SECRET"); v != "" {
		c.Graph.ClientSecret = v
	}
	if v := os.Getenv("GRAPH_SENDER"); v != "" {
		c.Graph.Sender = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}
