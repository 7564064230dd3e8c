package report

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/whisper/livechat/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("LIVECHAT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("postgres not available: LIVECHAT_TEST_DATABASE_URL not set")
	}

	db, err := store.Open(context.Background(), dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	require.NoError(t, store.Migrate(db))

	clean := func() {
		_, err := db.Exec(`DELETE FROM moderation_reports WHERE user_id LIKE 'test_%'`)
		require.NoError(t, err)
	}
	clean()
	t.Cleanup(func() {
		clean()
		db.Close()
	})
	return NewStore(db)
}

func TestCreateAndCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &Report{
		UserID:    "test_u1",
		MessageID: uuid.New().String(),
		Reason:    ReasonBlockedTerm,
		Content:   "some text",
		Ban:       15 * time.Minute,
	}))
	require.NoError(t, s.Create(ctx, &Report{UserID: "test_u1", Reason: ReasonFlood}))
	require.NoError(t, s.Create(ctx, &Report{UserID: "test_u2", Reason: ReasonSpam}))

	n, err := s.CountRecent(ctx, "test_u1", time.Hour)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestCreate_InvalidReason(t *testing.T) {
	s := NewStore(nil)

	err := s.Create(context.Background(), &Report{UserID: "u1", Reason: "rude"})
	require.Error(t, err)
}
