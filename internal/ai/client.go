package ai

import (
	"context"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Model constants. Review and arbitration are reasoning-heavy, so the
// default is the high-end model; override with Config.Model or
// FORGE_MODEL for cheaper runs.
const (
	ModelDefault = "claude-sonnet-4-5-20250929"
)

// DefaultModel returns the model, checking the FORGE_MODEL env var first
func DefaultModel() string {
	if model := os.Getenv("FORGE_MODEL"); model != "" {
		return model
	}
	return ModelDefault
}

// Client wraps the Anthropic API client with retry, circuit breaking, a
// request rate limiter, and a concurrency cap shared by all backends built
// on it.
type Client struct {
	api     anthropic.Client
	model   string
	retry   RetryConfig
	breaker *CircuitBreaker
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// ClientConfig holds client construction options
type ClientConfig struct {
	APIKey         string      // If empty, read from ANTHROPIC_API_KEY
	Model          string      // If empty, DefaultModel()
	Retry          RetryConfig // Zero value uses DefaultRetryConfig()
	MaxConcurrent  int64       // Concurrent API calls (default 3)
	RequestsPerSec float64     // Rate limit across all calls (default 2)
}

// NewClient creates an API client shared by the reviewer and arbitrator
// backends.
func NewClient(cfg ClientConfig) (*Client, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel()
	}

	retryCfg := cfg.Retry
	if retryCfg.MaxRetries == 0 {
		retryCfg = DefaultRetryConfig()
	}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}

	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 2
	}

	return &Client{
		api:     anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:   model,
		retry:   retryCfg,
		breaker: NewCircuitBreaker(retryCfg.FailureThreshold, retryCfg.SuccessThreshold, retryCfg.OpenTimeout),
		sem:     semaphore.NewWeighted(maxConcurrent),
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}, nil
}

// complete sends one prompt and returns the concatenated text blocks of the
// response. All backend calls funnel through here so the semaphore, rate
// limiter, retry, and circuit breaker apply uniformly.
func (c *Client) complete(ctx context.Context, operation, prompt string, maxTokens int64) (string, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("failed to acquire API slot for %s: %w", operation, err)
	}
	defer c.sem.Release(1)

	var response *anthropic.Message
	err := c.retryWithBackoff(ctx, operation, func(attemptCtx context.Context) error {
		resp, apiErr := c.api.Messages.New(attemptCtx, anthropic.MessageNewParams{
			Model:     anthropic.Model(c.model),
			MaxTokens: maxTokens,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if apiErr != nil {
			return apiErr
		}
		response = resp
		return nil
	})
	if err != nil {
		return "", err
	}

	var text string
	for _, block := range response.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return "", fmt.Errorf("%s returned no text content", operation)
	}
	return text, nil
}
