package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/scttfrdmn/budgetguard/guard"
)

// TimeoutDecorator wraps a provider with a per-call timeout.
//
// Complete calls are bounded end to end. For streams only the
// establishment is bounded; the stream itself inherits the caller's
// context so long generations are not cut off mid-chunk.
type TimeoutDecorator struct {
	provider guard.Provider
	timeout  time.Duration
}

var _ guard.Provider = (*TimeoutDecorator)(nil)

// NewTimeoutDecorator creates a timeout decorator. A non-positive timeout
// defaults to 60 seconds.
func NewTimeoutDecorator(provider guard.Provider, timeout time.Duration) *TimeoutDecorator {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &TimeoutDecorator{
		provider: provider,
		timeout:  timeout,
	}
}

// Name returns the name of the underlying provider.
func (t *TimeoutDecorator) Name() string {
	return t.provider.Name()
}

// Model returns the default model of the underlying provider.
func (t *TimeoutDecorator) Model() string {
	return t.provider.Model()
}

// CountInputTokens delegates to the underlying provider.
func (t *TimeoutDecorator) CountInputTokens(req *guard.Request) (int, error) {
	return t.provider.CountInputTokens(req)
}

// Complete performs the call under the configured timeout.
func (t *TimeoutDecorator) Complete(ctx context.Context, req *guard.Request) (*guard.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	resp, err := t.provider.Complete(ctx, req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("call timed out after %v: %w", t.timeout, err)
		}
		return nil, err
	}
	return resp, nil
}

// Stream establishes the stream under the configured timeout. The
// returned stream keeps the caller's context.
func (t *TimeoutDecorator) Stream(ctx context.Context, req *guard.Request) (guard.Stream, error) {
	setupCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan struct{})
	var stream guard.Stream
	var err error
	go func() {
		stream, err = t.provider.Stream(ctx, req)
		close(done)
	}()

	select {
	case <-done:
		return stream, err
	case <-setupCtx.Done():
		return nil, fmt.Errorf("stream setup timed out after %v: %w", t.timeout, setupCtx.Err())
	}
}

// Unwrap returns the underlying provider.
func (t *TimeoutDecorator) Unwrap() interface{} {
	return t.provider
}
