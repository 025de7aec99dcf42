package state

import (
	"errors"
	"strings"
)

// ErrNotFound is returned by GetConfig when no config row exists.
var ErrNotFound = errors.New("state: config not found")

// IsTransient reports whether a store error is worth retrying with backoff.
// SQLite surfaces contention as SQLITE_BUSY/SQLITE_LOCKED; everything else
// (corruption, constraint violations, closed database) is fatal to the
// caller's sync pass.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()

	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}
