// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitError is returned when a client has exhausted its request budget
// before any upstream call was attempted.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

// TransientUpstreamError is returned when the upstream provider signals an
// abuse / secondary rate limit condition. Callers may retry after the
// suggested delay.
type TransientUpstreamError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *TransientUpstreamError) Error() string {
	return fmt.Sprintf("upstream temporarily rejecting requests (%s), retry after %s", e.Message, e.RetryAfter)
}

// NotFoundError is returned when the upstream provider has no such resource.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found", e.Resource)
}

// InvalidQueryError is returned for malformed caller input. It is raised
// before any external call is made.
type InvalidQueryError struct {
	Param  string
	Reason string
}

func (e *InvalidQueryError) Error() string {
	return fmt.Sprintf("invalid query parameter %q: %s", e.Param, e.Reason)
}

// RetryAfter reports whether err is a retryable condition and, if so, the
// suggested wait before retrying.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	var tu *TransientUpstreamError
	if errors.As(err, &tu) {
		return tu.RetryAfter, true
	}
	return 0, false
}
