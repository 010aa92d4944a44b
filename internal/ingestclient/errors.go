package ingestclient

import (
	"errors"
	"fmt"
)

// Error is a typed HTTP failure from the ingest backend.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("ingestclient: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("ingestclient: %d: %s", e.StatusCode, e.Message)
}

// IsUnauthorized reports whether err is an authentication failure.
func IsUnauthorized(err error) bool {
	var e *Error
	return asError(err, &e) && e.StatusCode == 401
}

// IsRateLimited reports whether err is a backend rate-limit response.
func IsRateLimited(err error) bool {
	var e *Error
	return asError(err, &e) && e.StatusCode == 429
}

// IsRetryable reports whether err is plausibly transient: any 5xx, or a
// rate limit. 4xx errors other than 429 are treated as permanent.
func IsRetryable(err error) bool {
	var e *Error
	if !asError(err, &e) {
		// Non-HTTP errors (network failures, timeouts) are retryable.
		return true
	}
	return e.StatusCode >= 500 || e.StatusCode == 429
}

func asError(err error, target **Error) bool {
	return errors.As(err, target)
}
