// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"context"
	"strings"
	"time"
)

// IsSQLiteBusyError checks if the error is a SQLITE_BUSY error.
// This occurs when the database is locked by another connection.
func IsSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY")
}

// IsSQLiteLockedError checks if the error is a "database is locked" error.
// This is another form of SQLite concurrency error.
func IsSQLiteLockedError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}

// IsSQLiteConflictError checks if the error is either a SQLITE_BUSY
// or "database is locked" error. These are both SQLite concurrency
// errors that typically warrant retry logic.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	return IsSQLiteBusyError(err) || IsSQLiteLockedError(err)
}

// WithRetry runs op up to maxRetries times with exponential backoff
// starting at baseDelay, retrying only on SQLite busy/locked errors. Used
// by the store package for writes that can race a session's own actor
// goroutine against the background reaper sweep.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, op func() error) error {
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !IsSQLiteConflictError(lastErr) {
			return lastErr
		}
		if i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<uint(i))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}
