// Package ses implements a relay that hands composed messages to AWS SES v2
// as raw MIME content.
package ses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/quest-mailer/internal/email"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// defaultRetryDelay is the initial delay for exponential backoff.
const defaultRetryDelay = 1 * time.Second

// SESProviderConfig holds the configuration for creating a SESProvider.
// Empty credentials fall back to the default AWS credential chain.
type SESProviderConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// SendEmailAPI is the subset of the SES v2 client the relay uses.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESProvider relays messages through the SES v2 SendEmail API.
type SESProvider struct {
	client     SendEmailAPI
	retryDelay time.Duration
}

// New creates a SESProvider from the given configuration.
func New(ctx context.Context, cfg SESProviderConfig) (*SESProvider, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a SESProvider around an existing client.
func NewWithClient(client SendEmailAPI) *SESProvider {
	return &SESProvider{
		client:     client,
		retryDelay: defaultRetryDelay,
	}
}

// Name returns the provider name.
func (s *SESProvider) Name() string {
	return "ses"
}

// Send submits msg.Raw unchanged, so the relayed message carries the same
// headers and Message-ID as the SMTP attempts. Rejections SES reports as
// permanent are returned at once; anything else is retried with
// exponential backoff.
func (s *SESProvider) Send(ctx context.Context, msg *email.Composed) error {
	if len(msg.Raw) == 0 {
		return errors.New("ses: composed message is empty")
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.EnvelopeFrom),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: msg.Raw},
		},
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := s.retryDelay << (attempt - 1)
			slog.Debug("retrying SES API request",
				"attempt", attempt,
				"max_retries", maxRetries,
				"delay", delay,
			)
			if err := sleepWithContext(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		out, err := s.client.SendEmail(ctx, input)
		if err == nil {
			slog.Debug("message accepted by SES", "to", msg.To, "ses_message_id", aws.ToString(out.MessageId))
			return nil
		}

		lastErr = err
		if isPermanent(err) {
			return fmt.Errorf("SES rejected message: %w", err)
		}
		slog.Warn("SES API error",
			"attempt", attempt,
			"error", err,
		)
	}

	return fmt.Errorf("SES API request failed after %d retries: %w", maxRetries, lastErr)
}

// isPermanent reports errors that retrying cannot fix.
func isPermanent(err error) bool {
	var (
		rejected    *types.MessageRejected
		notVerified *types.MailFromDomainNotVerifiedException
		badRequest  *types.BadRequestException
		paused      *types.SendingPausedException
	)
	return errors.As(err, &rejected) ||
		errors.As(err, &notVerified) ||
		errors.As(err, &badRequest) ||
		errors.As(err, &paused)
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
