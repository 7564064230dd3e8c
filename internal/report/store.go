// Package report provides PostgreSQL-backed storage for moderation reports.
// Each report records which user was flagged, for which stored message and
// reason, the flagged content and the ban it led to, for later review.
package report

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Reasons accepted by the moderation_reports CHECK constraint.
const (
	ReasonBlockedTerm = "blocked_term"
	ReasonSpam        = "spam"
	ReasonFlood       = "flood"
	ReasonOther       = "other"
)

var validReasons = map[string]bool{
	ReasonBlockedTerm: true,
	ReasonSpam:        true,
	ReasonFlood:       true,
	ReasonOther:       true,
}

// Report is a single moderation report to be persisted.
type Report struct {
	UserID    string
	MessageID string // empty when not tied to a stored message
	Reason    string
	Content   string
	Ban       time.Duration // zero when the report did not lead to a ban
}

// Store manages moderation reports in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new report store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a report. The reason is validated against the allowed set
// before insertion.
func (s *Store) Create(ctx context.Context, r *Report) error {
	if !validReasons[r.Reason] {
		return fmt.Errorf("report: invalid reason %q", r.Reason)
	}

	const query = `
		INSERT INTO moderation_reports (user_id, message_id, reason, content, ban_seconds)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.ExecContext(ctx, query,
		r.UserID,
		sql.NullString{String: r.MessageID, Valid: r.MessageID != ""},
		r.Reason,
		r.Content,
		int(r.Ban/time.Second),
	)
	if err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// CountRecent returns the number of reports filed against a user within the
// given time window.
func (s *Store) CountRecent(ctx context.Context, userID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM moderation_reports
		WHERE user_id = $1
		  AND created_at >= NOW() - $2::int * INTERVAL '1 second'`

	var count int
	err := s.db.QueryRowContext(ctx, query, userID, int(window/time.Second)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return count, nil
}
