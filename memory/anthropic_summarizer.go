package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// AnthropicSummarizer implements Summarizer using Claude via the Messages
// API.
type AnthropicSummarizer struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
	timeout   time.Duration
	logger    zerolog.Logger
}

// NewAnthropicSummarizer returns a configured summarizer.
func NewAnthropicSummarizer(model, apiKey string, maxTokens int64, timeout time.Duration, logger zerolog.Logger) (*AnthropicSummarizer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic summarizer: missing API key")
	}
	if model == "" {
		return nil, fmt.Errorf("anthropic summarizer: missing model name")
	}
	if maxTokens <= 0 {
		maxTokens = 512
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicSummarizer{
		client:    &client,
		model:     model,
		maxTokens: maxTokens,
		timeout:   timeout,
		logger:    logger.With().Str("component", "anthropic_summarizer").Logger(),
	}, nil
}

// Summarize sends the instruction as a user message and returns the raw
// model text. Rate limits and server errors are retried with exponential
// backoff; other API errors are permanent.
func (s *AnthropicSummarizer) Summarize(ctx context.Context, instruction string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 1 * time.Second
	eb.Multiplier = 2.0
	eb.MaxInterval = 30 * time.Second
	eb.RandomizationFactor = 0.2
	eb.Reset()
	b := backoff.WithMaxRetries(eb, 5)

	var result string
	operation := func() error {
		message, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(s.model),
			MaxTokens: s.maxTokens,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(instruction)),
			},
		})
		if err != nil {
			var apiErr *anthropic.Error
			if errors.As(err, &apiErr) {
				if apiErr.StatusCode == 429 {
					s.logger.Warn().Msg("Anthropic rate limit encountered, retrying")
					return fmt.Errorf("anthropic summarizer: rate limit: %w", err)
				}
				if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
					return backoff.Permanent(fmt.Errorf("anthropic summarizer: API error: %w", err))
				}
				s.logger.Warn().Int("status", apiErr.StatusCode).Msg("Anthropic server error, retrying")
			}
			return fmt.Errorf("anthropic summarizer: request failed: %w", err)
		}

		var text strings.Builder
		for _, blockUnion := range message.Content {
			if block, ok := blockUnion.AsAny().(anthropic.TextBlock); ok {
				text.WriteString(block.Text)
			}
		}
		content := strings.TrimSpace(text.String())
		if content == "" {
			return fmt.Errorf("anthropic summarizer: empty content in response")
		}
		result = content
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return "", err
	}
	return result, nil
}
