package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// isBusy reports whether err is SQLite lock contention that a later attempt may clear.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		primary := se.Code() & 0xff
		return primary == sqlite3.SQLITE_BUSY || primary == sqlite3.SQLITE_LOCKED
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

func defaultBusyBackOff() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxInterval(time.Second),
		backoff.WithMaxElapsedTime(10*time.Second),
	), 6)
}

// retryBusy runs op again while it fails with lock contention. Any other
// error stops immediately.
func (s *Store) retryBusy(ctx context.Context, op func(ctx context.Context) error) error {
	var last error
	err := backoff.Retry(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		last = err
		if !isBusy(err) {
			return backoff.Permanent(err)
		}
		s.log.WithError(err).Debug("ledger busy, retrying write")
		return err
	}, backoff.WithContext(s.busyBackOff(), ctx))
	if err != nil && last != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return last
	}
	return err
}
