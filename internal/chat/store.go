package chat

import (
	"context"
	"errors"
	"time"

	"github.com/whisper/livechat/internal/presence"
)

// ErrUserNotFound is returned by a UserLookup for an unknown user id.
var ErrUserNotFound = errors.New("chat: user not found")

// MessageRecord is a message accepted by the engine. It is immutable once
// persisted; ownership passes to the MessageStore.
type MessageRecord struct {
	SenderID    string
	Content     string
	Timestamp   time.Time
	RecipientID string // empty for public messages
	IsPrivate   bool
}

// StoredMessage is a MessageRecord as returned by the store, with the id and
// timestamp the store assigned.
type StoredMessage struct {
	ID string
	MessageRecord
}

// Order selects the ordering of a history query.
type Order int

const (
	OldestFirst Order = iota
	NewestFirst
)

// HistoryQuery selects the messages a user took part in. When PartnerID is
// set only private messages between the two users match. Limit keeps the
// most recent messages; Order controls how they are returned.
type HistoryQuery struct {
	UserID      string
	PartnerID   string
	Limit       int
	Order       Order
	PrivateOnly bool
}

// MessageStore is the durable, append-only message log.
type MessageStore interface {
	Append(ctx context.Context, rec MessageRecord) (StoredMessage, error)
	QueryHistory(ctx context.Context, q HistoryQuery) ([]StoredMessage, error)
}

// UserLookup resolves user ids to identities for history views and the
// avatar proxy.
type UserLookup interface {
	GetUser(ctx context.Context, userID string) (presence.Identity, error)
}
