// Package retry provides a bounded retry policy with a fixed spacing between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrExhausted matches every error returned when a policy runs out of attempts.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy retries an operation up to MaxAttempts times, waiting Backoff between attempts.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
	Clock       clock.Clock
}

// ExhaustedError carries the final failure once all attempts are used.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: %d attempts exhausted: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrExhausted
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; Do returns the wrapped error immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, ctx ends, or attempts run out.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	return p.DoWake(ctx, nil, fn)
}

// DoWake is Do where a receive on wake re-runs fn immediately without spending
// an attempt. Attempts advance only when Backoff elapses, so the total wait
// stays bounded by (MaxAttempts-1)*Backoff however often wake fires.
func (p Policy) DoWake(ctx context.Context, wake <-chan struct{}, fn func(attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var last error
	// try reports whether the policy is finished, with the error to return.
	try := func(attempt int) (bool, error) {
		err := fn(attempt)
		if err == nil {
			return true, nil
		}
		var permanent permanentError
		if errors.As(err, &permanent) {
			return true, permanent.err
		}
		last = err
		return false, nil
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if done, err := try(attempt); done {
			return err
		}
		if attempt == maxAttempts {
			break
		}

		if p.Backoff <= 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		}

		timer := p.clock().Timer(p.Backoff)
		for waiting := true; waiting; {
			select {
			case <-timer.C:
				waiting = false
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-wake:
				if done, err := try(attempt); done {
					timer.Stop()
					return err
				}
			}
		}
	}

	return &ExhaustedError{Attempts: maxAttempts, Last: last}
}

func (p Policy) clock() clock.Clock {
	if p.Clock == nil {
		return clock.New()
	}
	return p.Clock
}
