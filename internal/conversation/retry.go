package conversation

import (
	"context"
	"errors"
	"strings"
	"time"
)

const (
	retryMaxAttempts = 5
	retryBaseDelay   = 50 * time.Millisecond
	retryMaxDelay    = 1 * time.Second
)

// isContention reports whether err is a transient lock-contention failure
// worth retrying. Integrity errors are explicitly excluded: they can never
// succeed on retry.
func isContention(err error) bool {
	if err == nil || errors.Is(err, ErrIntegrity) {
		return false
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "SQLITE_BUSY"),
		strings.Contains(msg, "SQLITE_LOCKED"),
		strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "database table is locked"),
		strings.Contains(msg, "SQLSTATE 40001"), // pg serialization failure
		strings.Contains(msg, "SQLSTATE 40P01"): // pg deadlock detected
		return true
	}
	return false
}

// withRetry runs fn, retrying contention errors with bounded exponential
// backoff. Any other error propagates immediately.
func withRetry(ctx context.Context, fn func() error) error {
	delay := retryBaseDelay
	var err error
	for attempt := 0; attempt < retryMaxAttempts; attempt++ {
		err = fn()
		if err == nil || !isContention(err) {
			return err
		}
		if attempt == retryMaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
	return err
}
