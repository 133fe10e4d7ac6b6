package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"quorum/internal/types"
)

// RetryConfig bounds the retry loop.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     8 * time.Second,
	}
}

// RetryingClient wraps another client with exponential backoff. Context
// cancellation is never retried; everything else is, up to the bound.
type RetryingClient struct {
	inner  types.LLMClient
	cfg    RetryConfig
	logger *zap.Logger
}

// NewRetryingClient wraps inner. A nil logger disables retry logging.
func NewRetryingClient(inner types.LLMClient, cfg RetryConfig, logger *zap.Logger) *RetryingClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryingClient{inner: inner, cfg: cfg, logger: logger}
}

// Complete calls the wrapped client with retries.
func (c *RetryingClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.withRetry(ctx, func() (string, error) {
		return c.inner.Complete(ctx, prompt)
	})
}

// CompleteWithSystem calls the wrapped client with retries.
func (c *RetryingClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.withRetry(ctx, func() (string, error) {
		return c.inner.CompleteWithSystem(ctx, systemPrompt, userPrompt)
	})
}

func (c *RetryingClient) withRetry(ctx context.Context, fn func() (string, error)) (string, error) {
	backoff := c.cfg.InitialBackoff
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		text, err := fn()
		if err == nil {
			if attempt > 0 {
				c.logger.Info("upstream call recovered",
					zap.Int("attempt", attempt+1))
			}
			return text, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		if attempt < c.cfg.MaxRetries {
			c.logger.Warn("upstream call failed, backing off",
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if c.cfg.MaxBackoff > 0 && backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
		}
	}
	return "", fmt.Errorf("%w: %d attempts: %v", types.ErrUpstreamCall, c.cfg.MaxRetries+1, lastErr)
}

// Usage passes through when the wrapped client reports usage.
func (c *RetryingClient) Usage() types.UsageMetadata {
	if r, ok := c.inner.(types.UsageReporter); ok {
		return r.Usage()
	}
	return types.UsageMetadata{}
}
