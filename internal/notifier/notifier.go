package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Notifier sends one reminder text to one chat.
type Notifier interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// Func adapts a plain function to Notifier.
type Func func(ctx context.Context, chatID int64, text string) error

func (f Func) Send(ctx context.Context, chatID int64, text string) error { return f(ctx, chatID, text) }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

// RetryAfter attaches a suggested delay before the next attempt.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: max(after, 0)}
}

// RetryAfterHint returns the delay carried by err, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var e retryAfterError
	if errors.As(err, &e) {
		return e.after, true
	}
	return 0, false
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error { return e.err }
