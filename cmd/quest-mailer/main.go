// Package main is the command-line entry point for sending one quest
// notification through the delivery chain.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shineum/quest-mailer/internal/config"
	"github.com/shineum/quest-mailer/internal/delivery"
	"github.com/shineum/quest-mailer/internal/provider"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	to := flag.String("to", "", "recipient address")
	toName := flag.String("to-name", "", "recipient display name")
	subject := flag.String("subject", "", "message subject")
	html := flag.String("html", "", "HTML body")
	text := flag.String("text", "", "plain-text body")
	replyTo := flag.String("reply-to", "", "Reply-To address")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	relay, err := provider.FromConfig(ctx, cfg)
	if err != nil {
		slog.Error("failed to set up relay", "error", err)
		os.Exit(1)
	}

	relayName := "none"
	if relay != nil {
		relayName = relay.Name()
	}
	slog.Info("sending message",
		"smtp", cfg.SMTPSettings(),
		"relay", relayName,
		"to", *to,
	)

	result := delivery.NewMailer(cfg, relay).Send(ctx, delivery.Request{
		To:      *to,
		ToName:  *toName,
		Subject: *subject,
		HTML:    *html,
		Text:    *text,
		ReplyTo: *replyTo,
	})

	if err := printResult(result); err != nil {
		slog.Error("failed to write result", "error", err)
	}
	if !result.Success {
		stop()
		os.Exit(1)
	}
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output on stderr,
// keeping stdout for the delivery result.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

func printResult(result delivery.Result) error {
	out, err := json.Marshal(result)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(out))
	return err
}
