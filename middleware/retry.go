// Package middleware provides reusable decorators for LLM providers.
//
// Decorators wrap a guard.Provider and compose freely. They sit below the
// budget layer: a session wrapping a retrying provider places ONE
// reservation for the whole attempt sequence, so retries never
// double-reserve budget.
package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/scttfrdmn/budgetguard/guard"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial attempt).
	// Default: 3
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	// Default: 100ms
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	// Default: 10s
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	// Default: 2.0
	BackoffMultiplier float64

	// ShouldRetry determines if an error should trigger a retry.
	// If nil, all errors trigger retries.
	ShouldRetry func(error) bool
}

// DefaultRetryConfig returns a retry config with sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		ShouldRetry:       nil, // Retry all errors
	}
}

// RetryDecorator wraps a provider with retry logic for Complete calls.
//
// Stream setup failures are retried the same way; once a stream is
// established, mid-stream errors are NOT retried because partial output
// may already have been consumed.
type RetryDecorator struct {
	provider guard.Provider
	config   RetryConfig
}

var _ guard.Provider = (*RetryDecorator)(nil)

// NewRetryDecorator creates a new retry decorator.
func NewRetryDecorator(provider guard.Provider, config RetryConfig) *RetryDecorator {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 100 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 10 * time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}

	return &RetryDecorator{
		provider: provider,
		config:   config,
	}
}

// Name returns the name of the underlying provider.
func (r *RetryDecorator) Name() string {
	return r.provider.Name()
}

// Model returns the default model of the underlying provider.
func (r *RetryDecorator) Model() string {
	return r.provider.Model()
}

// CountInputTokens delegates to the underlying provider.
func (r *RetryDecorator) CountInputTokens(req *guard.Request) (int, error) {
	return r.provider.CountInputTokens(req)
}

// Complete performs the call with exponential-backoff retries.
func (r *RetryDecorator) Complete(ctx context.Context, req *guard.Request) (*guard.Response, error) {
	var resp *guard.Response
	err := r.attempt(ctx, func() error {
		var callErr error
		resp, callErr = r.provider.Complete(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Stream retries stream establishment with exponential backoff.
func (r *RetryDecorator) Stream(ctx context.Context, req *guard.Request) (guard.Stream, error) {
	var stream guard.Stream
	err := r.attempt(ctx, func() error {
		var callErr error
		stream, callErr = r.provider.Stream(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// Unwrap returns the underlying provider.
func (r *RetryDecorator) Unwrap() interface{} {
	return r.provider
}

func (r *RetryDecorator) attempt(ctx context.Context, call func() error) error {
	var lastErr error
	backoff := r.config.InitialBackoff

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		err := call()
		if err == nil {
			return nil
		}
		lastErr = err

		if r.config.ShouldRetry != nil && !r.config.ShouldRetry(err) {
			return fmt.Errorf("non-retryable error on attempt %d/%d: %w", attempt, r.config.MaxAttempts, err)
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled after %d attempts: %w", attempt, ctx.Err())
		case <-time.After(backoff):
			backoff = time.Duration(float64(backoff) * r.config.BackoffMultiplier)
			if backoff > r.config.MaxBackoff {
				backoff = r.config.MaxBackoff
			}
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded: %w", r.config.MaxAttempts, lastErr)
}
