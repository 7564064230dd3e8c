package chat

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/whisper/livechat/internal/presence"
	"github.com/whisper/livechat/internal/protocol"
)

const (
	ConversationScanLimit = 50  // private messages scanned for the conversation list
	ConversationLimit     = 100 // messages returned for one conversation

	unknownUserName = "Unknown User"
)

// ConversationSummary describes the latest exchange with one partner.
type ConversationSummary struct {
	UserID          string    `json:"userId"`
	Username        string    `json:"username"`
	ProfilePic      *string   `json:"profilePic"`
	LastMessage     string    `json:"lastMessage"`
	LastMessageTime time.Time `json:"lastMessageTime"`
	UnreadCount     int       `json:"unreadCount"`
}

// HistoryMessage is one message of a conversation as seen by the caller.
type HistoryMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Sender    string    `json:"sender"` // "me" or "other"
	Timestamp time.Time `json:"timestamp"`
	Username  string    `json:"username"`
}

// History serves read-only views over the message store.
type History struct {
	store MessageStore
	users UserLookup
}

// NewHistory creates a History.
func NewHistory(store MessageStore, users UserLookup) *History {
	return &History{store: store, users: users}
}

// Conversations lists userID's private conversations, most recent first,
// built from the latest ConversationScanLimit private messages.
func (h *History) Conversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	msgs, err := h.store.QueryHistory(ctx, HistoryQuery{
		UserID:      userID,
		Limit:       ConversationScanLimit,
		Order:       NewestFirst,
		PrivateOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("chat: conversations for %s: %w", userID, err)
	}

	partnerOf := func(m StoredMessage) string {
		if m.SenderID == userID {
			return m.RecipientID
		}
		return m.SenderID
	}

	// Newest first, so the first message per partner is the latest one.
	latest := lo.UniqBy(msgs, partnerOf)

	summaries := make([]ConversationSummary, 0, len(latest))
	for _, m := range latest {
		partner := h.identity(ctx, partnerOf(m))
		summaries = append(summaries, ConversationSummary{
			UserID:          partner.ID,
			Username:        partner.DisplayName,
			ProfilePic:      protocol.ProfilePicURL(partner),
			LastMessage:     m.Content,
			LastMessageTime: m.Timestamp,
		})
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].LastMessageTime.After(summaries[j].LastMessageTime)
	})
	return summaries, nil
}

// Conversation returns up to ConversationLimit private messages between
// userID and partnerID, oldest first.
func (h *History) Conversation(ctx context.Context, userID, partnerID string) ([]HistoryMessage, error) {
	msgs, err := h.store.QueryHistory(ctx, HistoryQuery{
		UserID:      userID,
		PartnerID:   partnerID,
		Limit:       ConversationLimit,
		Order:       OldestFirst,
		PrivateOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("chat: conversation %s/%s: %w", userID, partnerID, err)
	}

	names := map[string]string{
		userID:    h.identity(ctx, userID).DisplayName,
		partnerID: h.identity(ctx, partnerID).DisplayName,
	}

	return lo.Map(msgs, func(m StoredMessage, _ int) HistoryMessage {
		sender := "other"
		if m.SenderID == userID {
			sender = "me"
		}
		return HistoryMessage{
			ID:        m.ID,
			Content:   m.Content,
			Sender:    sender,
			Timestamp: m.Timestamp,
			Username:  names[m.SenderID],
		}
	}), nil
}

// identity resolves userID, falling back to a placeholder for users that no
// longer exist or cannot be loaded.
func (h *History) identity(ctx context.Context, userID string) presence.Identity {
	if h.users != nil {
		if id, err := h.users.GetUser(ctx, userID); err == nil {
			return id
		}
	}
	return presence.Identity{ID: userID, DisplayName: unknownUserName}
}
