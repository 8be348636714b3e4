package iiif

import (
	"errors"
	"fmt"
)

// Sentinel errors for per-resource normalization failures. Both are
// non-fatal: the resource is skipped, logged, and reported.
var (
	// ErrMalformedResource marks a document whose canonical identifier is
	// missing or unparseable.
	ErrMalformedResource = errors.New("malformed resource")

	// ErrUnsupportedSchema marks a document in a dialect the normalizer
	// does not understand.
	ErrUnsupportedSchema = errors.New("unsupported schema")
)

// FailureClass partitions fetch errors by retry eligibility.
type FailureClass string

// Fetch failure classes.
const (
	// FailureTransient covers timeouts, 5xx responses and connection
	// resets; eligible for retry with backoff.
	FailureTransient FailureClass = "transient"
	// FailurePermanent covers 4xx responses and malformed URIs; never
	// retried.
	FailurePermanent FailureClass = "permanent"
)

// FetchError is the classified failure returned by a Fetcher.
type FetchError struct {
	URI        string
	StatusCode int
	Class      FailureClass
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d (%s)", e.URI, e.StatusCode, e.Class)
	}
	return fmt.Sprintf("fetch %s: %v (%s)", e.URI, e.Err, e.Class)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Transient reports whether the error may succeed on retry.
func (e *FetchError) Transient() bool {
	return e.Class == FailureTransient
}

// IsTransient reports whether err is a fetch failure worth retrying.
func IsTransient(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Transient()
	}
	return false
}
