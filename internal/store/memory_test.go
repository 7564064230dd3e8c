package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/whisper/livechat/internal/chat"
	"github.com/whisper/livechat/internal/presence"
)

// seed appends messages one second apart, starting at base.
func seed(t *testing.T, s chat.MessageStore, base time.Time, recs ...chat.MessageRecord) []chat.StoredMessage {
	t.Helper()
	out := make([]chat.StoredMessage, 0, len(recs))
	for i, rec := range recs {
		rec.Timestamp = base.Add(time.Duration(i) * time.Second)
		m, err := s.Append(context.Background(), rec)
		require.NoError(t, err)
		require.NotEmpty(t, m.ID)
		out = append(out, m)
	}
	return out
}

func pm(from, to, content string) chat.MessageRecord {
	return chat.MessageRecord{SenderID: from, RecipientID: to, Content: content, IsPrivate: true}
}

func public(from, content string) chat.MessageRecord {
	return chat.MessageRecord{SenderID: from, Content: content}
}

func historyScenario(t *testing.T, s chat.MessageStore) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	seed(t, s, base,
		pm("u1", "u2", "one"),
		public("u1", "hello all"),
		pm("u2", "u1", "two"),
		pm("u3", "u1", "from carol"),
		pm("u2", "u3", "not for u1"),
		pm("u1", "u2", "three"),
	)

	// Conversation, oldest first.
	got, err := s.QueryHistory(ctx, chat.HistoryQuery{UserID: "u1", PartnerID: "u2", Limit: 10, Order: chat.OldestFirst})
	require.NoError(t, err)
	require.Equal(t, []string{"one", "two", "three"}, contents(got))

	// Limit keeps the most recent messages.
	got, err = s.QueryHistory(ctx, chat.HistoryQuery{UserID: "u1", PartnerID: "u2", Limit: 2, Order: chat.OldestFirst})
	require.NoError(t, err)
	require.Equal(t, []string{"two", "three"}, contents(got))

	got, err = s.QueryHistory(ctx, chat.HistoryQuery{UserID: "u1", PartnerID: "u2", Limit: 2, Order: chat.NewestFirst})
	require.NoError(t, err)
	require.Equal(t, []string{"three", "two"}, contents(got))

	// All private messages involving u1, newest first.
	got, err = s.QueryHistory(ctx, chat.HistoryQuery{UserID: "u1", Limit: 50, Order: chat.NewestFirst, PrivateOnly: true})
	require.NoError(t, err)
	require.Equal(t, []string{"three", "from carol", "two", "one"}, contents(got))

	// Public messages are included unless PrivateOnly.
	got, err = s.QueryHistory(ctx, chat.HistoryQuery{UserID: "u1", Limit: 50, Order: chat.OldestFirst})
	require.NoError(t, err)
	require.Contains(t, contents(got), "hello all")
	require.NotContains(t, contents(got), "not for u1")

	last := got[len(got)-1]
	require.Equal(t, "u2", last.RecipientID)
	require.True(t, last.IsPrivate)
	require.True(t, last.Timestamp.Equal(base.Add(5*time.Second)))
}

func contents(msgs []chat.StoredMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestMemory_History(t *testing.T) {
	historyScenario(t, NewMemory())
}

func TestMemory_Users(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	_, err := s.GetUser(ctx, "u1")
	require.ErrorIs(t, err, chat.ErrUserNotFound)

	alice := presence.Identity{ID: "u1", DisplayName: "Alice", AvatarRef: "https://img.example/a.png"}
	require.NoError(t, s.UpsertUser(ctx, alice, "g-1"))

	got, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, alice, got)
}

func TestEffectiveLimit(t *testing.T) {
	require.Equal(t, DefaultHistoryLimit, effectiveLimit(0))
	require.Equal(t, DefaultHistoryLimit, effectiveLimit(-3))
	require.Equal(t, 50, effectiveLimit(50))
	require.Equal(t, DefaultHistoryLimit, effectiveLimit(1_000_000))
}
