package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/samber/lo"

	"github.com/whisper/livechat/internal/chat"
	"github.com/whisper/livechat/internal/presence"
)

// Postgres stores messages and users in PostgreSQL.
type Postgres struct {
	db *sql.DB
}

// Open connects to the database at dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return db, nil
}

// NewPostgres creates a store on an open database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Append inserts a message. The id is generated here; the record's
// timestamp is kept.
func (p *Postgres) Append(ctx context.Context, rec chat.MessageRecord) (chat.StoredMessage, error) {
	id := uuid.New().String()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	rec.Timestamp = rec.Timestamp.UTC()

	const query = `
		INSERT INTO messages (id, sender_id, recipient_id, content, is_private, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := p.db.ExecContext(ctx, query,
		id,
		rec.SenderID,
		sql.NullString{String: rec.RecipientID, Valid: rec.RecipientID != ""},
		rec.Content,
		rec.IsPrivate,
		rec.Timestamp,
	)
	if err != nil {
		return chat.StoredMessage{}, fmt.Errorf("store: insert message: %w", err)
	}
	return chat.StoredMessage{ID: id, MessageRecord: rec}, nil
}

// QueryHistory returns the most recent q.Limit matching messages in q.Order.
func (p *Postgres) QueryHistory(ctx context.Context, q chat.HistoryQuery) ([]chat.StoredMessage, error) {
	var (
		where []string
		args  []interface{}
	)

	args = append(args, q.UserID)
	if q.PartnerID != "" {
		args = append(args, q.PartnerID)
		where = append(where,
			"((sender_id = $1 AND recipient_id = $2) OR (sender_id = $2 AND recipient_id = $1))",
			"is_private")
	} else {
		where = append(where, "(sender_id = $1 OR recipient_id = $1)")
		if q.PrivateOnly {
			where = append(where, "is_private")
		}
	}
	args = append(args, effectiveLimit(q.Limit))

	query := fmt.Sprintf(`
		SELECT id, sender_id, recipient_id, content, is_private, created_at
		FROM messages
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`, strings.Join(where, " AND "), len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query history: %w", err)
	}
	defer rows.Close()

	var msgs []chat.StoredMessage
	for rows.Next() {
		var (
			m         chat.StoredMessage
			recipient sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &recipient, &m.Content, &m.IsPrivate, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		m.RecipientID = recipient.String
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate history: %w", err)
	}

	if q.Order == chat.OldestFirst {
		msgs = lo.Reverse(msgs)
	}
	return msgs, nil
}

// GetUser loads a user by id.
func (p *Postgres) GetUser(ctx context.Context, userID string) (presence.Identity, error) {
	const query = `SELECT id, username, profile_pic FROM users WHERE id = $1`

	var id presence.Identity
	err := p.db.QueryRowContext(ctx, query, userID).Scan(&id.ID, &id.DisplayName, &id.AvatarRef)
	if errors.Is(err, sql.ErrNoRows) {
		return presence.Identity{}, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	if err != nil {
		return presence.Identity{}, fmt.Errorf("store: get user: %w", err)
	}
	return id, nil
}

// UpsertUser creates or updates a user, keyed by id. googleID may be empty.
func (p *Postgres) UpsertUser(ctx context.Context, id presence.Identity, googleID string) error {
	const query = `
		INSERT INTO users (id, username, google_id, profile_pic)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET username = EXCLUDED.username,
		    google_id = COALESCE(EXCLUDED.google_id, users.google_id),
		    profile_pic = EXCLUDED.profile_pic`

	_, err := p.db.ExecContext(ctx, query,
		id.ID,
		id.DisplayName,
		sql.NullString{String: googleID, Valid: googleID != ""},
		id.AvatarRef,
	)
	if err != nil {
		return fmt.Errorf("store: upsert user: %w", err)
	}
	return nil
}
