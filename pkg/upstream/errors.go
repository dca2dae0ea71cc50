package upstream

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoURL is returned when no upstream URL is configured.
var ErrNoURL = errors.New("upstream url is not configured")

// RetryableError reports that the upstream kept answering with a retryable
// status until the attempt budget ran out.
type RetryableError struct {
	StatusCode int
	Attempts   int
	Message    string

	// RetryAfter is the delay the upstream asked for on the last attempt.
	RetryAfter time.Duration
	Err        error
}

func (e *RetryableError) Error() string {
	msg := fmt.Sprintf("upstream HTTP %d after %d attempt(s): %s", e.StatusCode, e.Attempts, e.Message)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %v)", e.RetryAfter)
	}
	return msg
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}
