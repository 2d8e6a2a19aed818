package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	maxRetries     = 3
	retryBaseDelay = 50 * time.Millisecond
)

// isConflict reports whether err is a SQLITE_BUSY or SQLITE_LOCKED failure,
// including extended codes such as SQLITE_BUSY_SNAPSHOT. Errors that lost
// their type through wrapping by database/sql are matched on the message.
func isConflict(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withRetry runs fn with exponential backoff on busy and locked errors.
func (s *SQLiteStore) withRetry(ctx context.Context, op, deviceID string, fn func() error) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isConflict(err) || i == maxRetries-1 {
			break
		}

		delay := retryBaseDelay * time.Duration(1<<i) // 50ms, 100ms
		slog.Debug("Database locked, retrying",
			"op", op,
			"device_id", deviceID,
			"attempt", i+1,
			"delay", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s for %s: %w", op, deviceID, err)
}
