package broker

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds, matched with errors.Is. Unavailable and RateLimited are
// retried with backoff; Auth and BadRequest are not.
var (
	ErrUnavailable = errors.New("broker unavailable")
	ErrAuth        = errors.New("broker authentication rejected")
	ErrRateLimited = errors.New("broker rate limited")
	ErrBadRequest  = errors.New("broker rejected request")
	ErrParse       = errors.New("broker response unparseable")
)

// rateLimitError wraps ErrRateLimited and carries the server's retry-after
// hint when one was provided.
type rateLimitError struct {
	retryAfter time.Duration
}

func (e *rateLimitError) Error() string {
	if e.retryAfter > 0 {
		return fmt.Sprintf("broker rate limited (retry after %s)", e.retryAfter)
	}
	return "broker rate limited"
}

func (e *rateLimitError) Unwrap() error { return ErrRateLimited }

// RetryAfter extracts the retry-after hint from a rate-limit error, or zero.
func RetryAfter(err error) time.Duration {
	var rl *rateLimitError
	if errors.As(err, &rl) {
		return rl.retryAfter
	}
	return 0
}

// Retryable reports whether the error is worth another attempt within the
// same call.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrRateLimited)
}
