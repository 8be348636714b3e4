package iiif

import (
	"context"
	"time"
)

// Fetcher retrieves a remote document. Implementations must honor the
// request's conditional headers and classify failures as *FetchError.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Hasher computes content digests for change detection.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces harvest run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// RetryPolicy decides whether and when a failed fetch attempt is repeated.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}
