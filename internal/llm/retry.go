package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RetryClient retries transient provider failures with exponential backoff.
// Budget and rate-limit rejections are never retried.
type RetryClient struct {
	next     Client
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

// NewRetryClient wraps next with up to attempts tries
func NewRetryClient(next Client, attempts int, backoff time.Duration, logger *slog.Logger) *RetryClient {
	if attempts < 1 {
		attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryClient{next: next, attempts: attempts, backoff: backoff, logger: logger}
}

// Generate calls the wrapped client until it succeeds, the error is permanent, or attempts run out
func (c *RetryClient) Generate(ctx context.Context, prompt, system string) (string, error) {
	var err error
	backoff := c.backoff

	for attempt := 1; attempt <= c.attempts; attempt++ {
		var out string
		out, err = c.next.Generate(ctx, prompt, system)
		if err == nil {
			return out, nil
		}
		if !retryable(err) || attempt == c.attempts {
			break
		}

		c.logger.Warn("Inference call failed, retrying",
			"provider", c.next.GetProvider(),
			"attempt", attempt,
			"backoff", backoff.String(),
			"error", err)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return "", err
}

// GetProvider returns the wrapped provider name
func (c *RetryClient) GetProvider() string {
	return c.next.GetProvider()
}

func retryable(err error) bool {
	var budgetErr BudgetError
	if errors.As(err, &budgetErr) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	return true
}
