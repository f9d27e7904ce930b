// Package graph implements a relay that submits composed messages through
// the Microsoft Graph sendMail endpoint in MIME form.
package graph

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shineum/quest-mailer/internal/email"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// defaultRetryDelay is the initial delay for exponential backoff.
const defaultRetryDelay = 1 * time.Second

// Config holds the application registration and mailbox used for sending.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// Sender is the mailbox (UPN or object id) messages are sent as.
	Sender string
}

// Provider relays messages via Microsoft Graph using OAuth2 client
// credentials.
type Provider struct {
	sendURL    string
	httpClient *http.Client
	token      *tokenCache
	retryDelay time.Duration
}

// New creates a Provider for the public Microsoft cloud endpoints.
func New(cfg Config) *Provider {
	tokenURL := fmt.Sprintf(
		"https://login.microsoftonline.com/%s/oauth2/v2.0/token",
		url.PathEscape(cfg.TenantID),
	)
	sendURL := fmt.Sprintf(
		"https://graph.microsoft.com/v1.0/users/%s/sendMail",
		url.PathEscape(cfg.Sender),
	)
	return newWithEndpoints(cfg, sendURL, tokenURL, &http.Client{Timeout: 30 * time.Second})
}

func newWithEndpoints(cfg Config, sendURL, tokenURL string, client *http.Client) *Provider {
	return &Provider{
		sendURL:    sendURL,
		httpClient: client,
		token:      newTokenCache(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
		retryDelay: defaultRetryDelay,
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "msgraph"
}

// Send posts msg.Raw, base64 encoded, to sendMail. Graph takes the
// recipients and headers from the MIME content itself. Transient failures
// (5xx, 429, network errors) are retried with backoff, and a 401 triggers
// one token refresh.
func (p *Provider) Send(ctx context.Context, msg *email.Composed) error {
	if len(msg.Raw) == 0 {
		return errors.New("graph: composed message is empty")
	}
	payload := []byte(base64.StdEncoding.EncodeToString(msg.Raw))

	var lastErr error
	refreshed := false

	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := p.post(ctx, payload)
		if err == nil {
			slog.Debug("message accepted by Graph", "to", msg.To, "attempts", attempt+1)
			return nil
		}
		lastErr = err

		var se *statusError
		if !errors.As(err, &se) {
			if ctx.Err() != nil {
				return err
			}
			// Network failure: retry with backoff.
			if waitErr := p.wait(ctx, p.backoff(attempt)); waitErr != nil {
				return waitErr
			}
			continue
		}

		switch se.class() {
		case classPermanent:
			return se
		case classUnauthorized:
			if refreshed {
				return se
			}
			slog.Info("refreshing Graph API token after 401")
			if _, err := p.token.ForceRefresh(ctx); err != nil {
				return fmt.Errorf("token refresh failed: %w", err)
			}
			refreshed = true
		case classThrottled:
			delay := se.retryAfter(p.backoff(attempt))
			slog.Info("rate limited by Graph API", "retry_after", delay)
			if err := p.wait(ctx, delay); err != nil {
				return err
			}
		case classTransient:
			delay := p.backoff(attempt)
			slog.Info("transient Graph API error, retrying",
				"status", se.StatusCode,
				"delay", delay,
			)
			if err := p.wait(ctx, delay); err != nil {
				return err
			}
		}
	}

	return fmt.Errorf("Graph API request failed after %d retries: %w", maxRetries, lastErr)
}

// post performs a single sendMail request.
func (p *Provider) post(ctx context.Context, payload []byte) error {
	token, err := p.token.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.sendURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sendMail request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	message := string(body)
	var errResp errorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}
	return &statusError{
		StatusCode: resp.StatusCode,
		Message:    message,
		RetryAfter: resp.Header.Get("Retry-After"),
	}
}

func (p *Provider) backoff(attempt int) time.Duration {
	return p.retryDelay << attempt
}

func (p *Provider) wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled during retry wait: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}

type errorClass int

const (
	classPermanent errorClass = iota
	classTransient
	classThrottled
	classUnauthorized
)

// statusError is a non-success HTTP response from sendMail.
type statusError struct {
	StatusCode int
	Message    string
	RetryAfter string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.StatusCode, e.Message)
}

func (e *statusError) class() errorClass {
	switch {
	case e.StatusCode == http.StatusUnauthorized:
		return classUnauthorized
	case e.StatusCode == http.StatusTooManyRequests:
		return classThrottled
	case e.StatusCode >= 500:
		return classTransient
	default:
		return classPermanent
	}
}

// retryAfter returns the server-requested delay in seconds, or fallback
// when the header is missing or not a positive integer.
func (e *statusError) retryAfter(fallback time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(e.RetryAfter); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}
