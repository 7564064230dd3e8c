package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/whisper/livechat/internal/chat"
	"github.com/whisper/livechat/internal/presence"
)

// Memory is an in-process store. Messages are kept in append order and lost
// on restart.
type Memory struct {
	mu       sync.RWMutex
	messages []chat.StoredMessage
	users    map[string]presence.Identity
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{users: make(map[string]presence.Identity)}
}

// Append stores rec under a fresh UUID.
func (m *Memory) Append(_ context.Context, rec chat.MessageRecord) (chat.StoredMessage, error) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	msg := chat.StoredMessage{ID: uuid.New().String(), MessageRecord: rec}

	m.mu.Lock()
	m.messages = append(m.messages, msg)
	m.mu.Unlock()
	return msg, nil
}

// QueryHistory returns the newest matching messages, capped at the effective limit.
func (m *Memory) QueryHistory(_ context.Context, q chat.HistoryQuery) ([]chat.StoredMessage, error) {
	m.mu.RLock()
	matched := lo.Filter(m.messages, func(msg chat.StoredMessage, _ int) bool {
		return matches(q, msg)
	})
	m.mu.RUnlock()

	// Append order is chronological; keep the newest Limit.
	if limit := effectiveLimit(q.Limit); len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	if q.Order == chat.NewestFirst {
		matched = lo.Reverse(matched)
	}
	return matched, nil
}

func matches(q chat.HistoryQuery, msg chat.StoredMessage) bool {
	if q.PartnerID != "" {
		return msg.IsPrivate &&
			(msg.SenderID == q.UserID && msg.RecipientID == q.PartnerID ||
				msg.SenderID == q.PartnerID && msg.RecipientID == q.UserID)
	}
	if q.PrivateOnly && !msg.IsPrivate {
		return false
	}
	return msg.SenderID == q.UserID || msg.RecipientID == q.UserID
}

// GetUser returns ErrNotFound for unknown ids.
func (m *Memory) GetUser(_ context.Context, userID string) (presence.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.users[userID]
	if !ok {
		return presence.Identity{}, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	return id, nil
}

// UpsertUser records id. The password hash is ignored.
func (m *Memory) UpsertUser(_ context.Context, id presence.Identity, _ string) error {
	m.mu.Lock()
	m.users[id.ID] = id
	m.mu.Unlock()
	return nil
}
