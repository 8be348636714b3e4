package iiif

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RetryingFetcher decorates a Fetcher with a RetryPolicy. The attempt loop
// is explicit so the policy stays unit-testable apart from network I/O.
type RetryingFetcher struct {
	next   Fetcher
	policy RetryPolicy
	logger *zap.Logger
}

// NewRetryingFetcher wraps next with the given policy.
func NewRetryingFetcher(next Fetcher, policy RetryPolicy, logger *zap.Logger) *RetryingFetcher {
	return &RetryingFetcher{
		next:   next,
		policy: policy,
		logger: logger,
	}
}

// Fetch retries transient failures with backoff until the policy gives up.
func (f *RetryingFetcher) Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error) {
	for attempt := 0; ; attempt++ {
		resp, err := f.next.Fetch(ctx, request)
		if err == nil {
			return resp, nil
		}

		if !f.policy.ShouldRetry(err, attempt) {
			return FetchResponse{}, err
		}

		delay := f.policy.Backoff(attempt)
		f.logger.Warn("transient fetch failure, retrying",
			zap.String("uri", request.URI),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URI, ctx.Err())
		case <-timer.C:
		}
	}
}
