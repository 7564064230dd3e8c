// Package store implements the durable message log and user directory,
// backed by PostgreSQL or, for development and tests, by process memory.
package store

import (
	"github.com/whisper/livechat/internal/chat"
)

// DefaultHistoryLimit caps history queries that do not set a limit.
const DefaultHistoryLimit = 100

// ErrNotFound is returned for unknown users.
var ErrNotFound = chat.ErrUserNotFound

func effectiveLimit(limit int) int {
	if limit <= 0 || limit > DefaultHistoryLimit*10 {
		return DefaultHistoryLimit
	}
	return limit
}
