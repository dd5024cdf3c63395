package mirror

import (
	"errors"
	"fmt"
	"time"
)

// Failure signals a Transport returns. Wrap them with %w to add context.
var (
	ErrPermissionDenied   = errors.New("permission denied")
	ErrNotFound           = errors.New("not found")
	ErrContentUnavailable = errors.New("content unavailable")
	ErrNotModified        = errors.New("not modified")
)

var (
	ErrStopped         = errors.New("mirror engine stopped")
	ErrQueueFull       = errors.New("mirror queue full")
	ErrDuplicate       = errors.New("message already in flight")
	ErrBackfillRunning = errors.New("backfill already running")
	ErrNoDestinations  = errors.New("no destinations for source")
)

// RateLimitedError carries the platform-imposed wait before the
// destination accepts another request.
type RateLimitedError struct {
	Err  error
	Wait time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("rate limited (retry after %s)", e.Wait)
	}
	return fmt.Sprintf("rate limited (retry after %s): %v", e.Wait, e.Err)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// RetryAfter returns the signaled wait.
func (e *RateLimitedError) RetryAfter() time.Duration { return e.Wait }

// RateLimited wraps err as a flood-wait failure.
func RateLimited(err error, wait time.Duration) error {
	return &RateLimitedError{Err: err, Wait: wait}
}

// PartialSendError reports a split text whose first part landed before a
// later part failed. First is the id the message is linked under.
type PartialSendError struct {
	First MessageID
	Err   error
}

func (e *PartialSendError) Error() string {
	return fmt.Sprintf("partial send (first part %d): %v", e.First, e.Err)
}

func (e *PartialSendError) Unwrap() error { return e.Err }

// Failure classifies an error into the relay taxonomy.
type Failure int

const (
	FailureNone Failure = iota
	FailureRateLimited
	FailureFatal // permission denied or destination gone
	FailureUnavailable
	FailureNotModified
	FailureTransient
)

func (f Failure) String() string {
	switch f {
	case FailureNone:
		return "none"
	case FailureRateLimited:
		return "rate_limited"
	case FailureFatal:
		return "fatal"
	case FailureUnavailable:
		return "content_unavailable"
	case FailureNotModified:
		return "not_modified"
	default:
		return "transient"
	}
}

// Classify maps err to a Failure and, for rate limits, the wait.
func Classify(err error) (Failure, time.Duration) {
	if err == nil {
		return FailureNone, 0
	}
	var rl *RateLimitedError
	switch {
	case errors.As(err, &rl):
		return FailureRateLimited, rl.Wait
	case errors.Is(err, ErrNotModified):
		return FailureNotModified, 0
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrNotFound):
		return FailureFatal, 0
	case errors.Is(err, ErrContentUnavailable):
		return FailureUnavailable, 0
	default:
		return FailureTransient, 0
	}
}
