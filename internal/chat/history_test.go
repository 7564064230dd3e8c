package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/whisper/livechat/internal/presence"
)

type fakeUsers map[string]presence.Identity

func (f fakeUsers) GetUser(_ context.Context, userID string) (presence.Identity, error) {
	id, ok := f[userID]
	if !ok {
		return presence.Identity{}, ErrUserNotFound
	}
	return id, nil
}

func private(id, from, to, content string, at time.Time) StoredMessage {
	return StoredMessage{ID: id, MessageRecord: MessageRecord{
		SenderID: from, RecipientID: to, Content: content, Timestamp: at, IsPrivate: true,
	}}
}

func TestConversations_GroupedByPartner(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{result: []StoredMessage{
		// newest first, as requested from the store
		private("m4", "u2", "u1", "latest from bob", base.Add(4*time.Minute)),
		private("m3", "u1", "u3", "to carol", base.Add(3*time.Minute)),
		private("m2", "u1", "u2", "older to bob", base.Add(2*time.Minute)),
		private("m1", "u9", "u1", "from a ghost", base.Add(1*time.Minute)),
	}}
	users := fakeUsers{
		"u2": {ID: "u2", DisplayName: "Bob", AvatarRef: "https://img.example/bob.png"},
		"u3": {ID: "u3", DisplayName: "Carol"},
	}

	h := NewHistory(store, users)
	got, err := h.Conversations(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, got, 3)

	require.Equal(t, "u2", got[0].UserID)
	require.Equal(t, "Bob", got[0].Username)
	require.Equal(t, "latest from bob", got[0].LastMessage)
	require.NotNil(t, got[0].ProfilePic)
	require.Equal(t, "/proxy/profile-pic/u2", *got[0].ProfilePic)
	require.Zero(t, got[0].UnreadCount)

	require.Equal(t, "u3", got[1].UserID)
	require.Nil(t, got[1].ProfilePic)

	require.Equal(t, "u9", got[2].UserID)
	require.Equal(t, "Unknown User", got[2].Username)

	require.Len(t, store.queries, 1)
	q := store.queries[0]
	require.Equal(t, ConversationScanLimit, q.Limit)
	require.Equal(t, NewestFirst, q.Order)
	require.True(t, q.PrivateOnly)
}

func TestConversation_SenderPerspective(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{result: []StoredMessage{
		private("m1", "u1", "u2", "hi", base),
		private("m2", "u2", "u1", "hey", base.Add(time.Second)),
	}}
	users := fakeUsers{
		"u1": {ID: "u1", DisplayName: "Alice"},
		"u2": {ID: "u2", DisplayName: "Bob"},
	}

	h := NewHistory(store, users)
	got, err := h.Conversation(context.Background(), "u1", "u2")
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.Equal(t, "me", got[0].Sender)
	require.Equal(t, "Alice", got[0].Username)
	require.Equal(t, "other", got[1].Sender)
	require.Equal(t, "Bob", got[1].Username)

	q := store.queries[0]
	require.Equal(t, "u2", q.PartnerID)
	require.Equal(t, ConversationLimit, q.Limit)
	require.Equal(t, OldestFirst, q.Order)
}

func TestValidateMessage(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr bool
	}{
		{"ok", "hello", false},
		{"empty", "", true},
		{"whitespace", " \t\n", true},
		{"invalid utf8", string([]byte{0xff, 0xfe}), true},
		{"too many chars", string(make([]rune, MaxTextChars+1)), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessage(tt.text)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidMessage)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
