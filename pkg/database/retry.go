package database

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	retryBaseDelay   = 100 * time.Millisecond
	retryMaxDelay    = 2 * time.Second
	retryMaxAttempts = 3
)

// nonRetriableError pins an error as permanent for WithRetry even when
// its underlying class would normally be retried. Used for ambiguous
// failures, a lost commit ack being the main one: the write may already
// be durable, so repeating it is not safe.
type nonRetriableError struct {
	err error
}

func (e *nonRetriableError) Error() string { return e.err.Error() }
func (e *nonRetriableError) Unwrap() error { return e.err }

// NonRetriable wraps err so WithRetry will not repeat the operation.
func NonRetriable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetriableError{err: err}
}

// IsRetriable reports whether a database error is worth retrying:
// transient connection failures, serialization conflicts, and deadlocks.
// Constraint violations and other SQL errors are permanent.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	var nonRetriable *nonRetriableError
	if errors.As(err, &nonRetriable) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"53300", // too_many_connections
			"57P03": // cannot_connect_now
			return true
		}
		// Class 08: connection exceptions
		return len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08"
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// WithRetry runs op with exponential backoff on retriable errors.
// Delays double from 100 ms up to a 2 s cap, with at most 3 attempts.
// Operations that must not be repeated (session creation) call op directly.
func WithRetry(ctx context.Context, name string, op func(ctx context.Context) error) error {
	var err error
	delay := retryBaseDelay

	for attempt := 1; attempt <= retryMaxAttempts; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if !IsRetriable(err) || attempt == retryMaxAttempts {
			return err
		}

		slog.Warn("Retrying database operation",
			"operation", name,
			"attempt", attempt,
			"delay", delay,
			"error", err)

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
