package harvest

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrRenderTimeout marks a renderer operation that hit its deadline. It is
// distinguishable from other render failures so retry and logging can treat
// a slow page differently from a broken one.
var ErrRenderTimeout = errors.New("render timeout")

// ErrClaimConflict marks a work item whose lease is held by another worker.
// Routine under concurrency; handled by requeueing, never logged as an error.
var ErrClaimConflict = errors.New("claim conflict")

// ErrRendererDisabled is returned when rendering is switched off in config.
var ErrRendererDisabled = errors.New("renderer disabled")

// ExtractionError marks malformed or unexpected HTML. It is caught at the
// driver boundary: the entity is marked failed and its stage stays put.
type ExtractionError struct {
	URL string
	Err error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.URL, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// NewExtractionError wraps err as an extraction failure for url.
func NewExtractionError(url string, err error) error {
	return &ExtractionError{URL: url, Err: err}
}

// IsTransient reports whether err is worth retrying: network timeouts,
// connection resets, render timeouts. Context cancellation and extraction
// failures are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrRenderTimeout) {
		return true
	}
	var extractErr *ExtractionError
	if errors.As(err, &extractErr) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
