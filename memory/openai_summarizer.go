package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAISummarizer implements Summarizer using chat completions in JSON
// mode against the OpenAI API or any compatible endpoint.
type OpenAISummarizer struct {
	client    *openai.Client
	model     string
	maxTokens int
	timeout   time.Duration
	logger    zerolog.Logger
}

// NewOpenAISummarizer returns a configured summarizer. baseURL may be empty
// to use the official API; timeout bounds each Summarize call so a hung
// model cannot stall an owner's turn indefinitely.
func NewOpenAISummarizer(model, apiKey, baseURL string, maxTokens int, timeout time.Duration, logger zerolog.Logger) (*OpenAISummarizer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai summarizer: missing API key")
	}
	if model == "" {
		return nil, fmt.Errorf("openai summarizer: missing model name")
	}
	if maxTokens <= 0 {
		maxTokens = 512
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAISummarizer{
		client:    openai.NewClientWithConfig(cfg),
		model:     model,
		maxTokens: maxTokens,
		timeout:   timeout,
		logger:    logger.With().Str("component", "openai_summarizer").Logger(),
	}, nil
}

// Summarize sends the instruction as a system message and returns the raw
// model text. Rate limits and server errors are retried with exponential
// backoff; other API errors are permanent.
func (s *OpenAISummarizer) Summarize(ctx context.Context, instruction string) (string, error) {
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
		resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       s.model,
			MaxTokens:   s.maxTokens,
			Temperature: 0.1,
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: instruction},
			},
		})
		if err != nil {
			var apiErr *openai.APIError
			if errors.As(err, &apiErr) {
				if apiErr.HTTPStatusCode == 429 {
					s.logger.Warn().Msg("OpenAI rate limit encountered, retrying")
					return fmt.Errorf("openai summarizer: rate limit: %w", err)
				}
				if apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 {
					return backoff.Permanent(fmt.Errorf("openai summarizer: API error: %w", err))
				}
				s.logger.Warn().Int("status", apiErr.HTTPStatusCode).Msg("OpenAI server error, retrying")
			}
			return fmt.Errorf("openai summarizer: request failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("openai summarizer: empty choices in response")
		}
		content := strings.TrimSpace(resp.Choices[0].Message.Content)
		if content == "" {
			return fmt.Errorf("openai summarizer: empty content in response")
		}
		result = content
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return "", err
	}
	return result, nil
}
