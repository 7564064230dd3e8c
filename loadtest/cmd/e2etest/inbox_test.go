package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInbox_WaitSeesEarlierAndLaterFrames(t *testing.T) {
	in := newInbox()
	in.add("userOnline", json.RawMessage(`{"type":"userOnline","userId":"u1"}`))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	raw, err := in.wait(ctx, "userOnline", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"userOnline","userId":"u1"}`, string(raw))

	go func() {
		time.Sleep(20 * time.Millisecond)
		in.add("userOnline", json.RawMessage(`{"type":"userOnline","userId":"u2"}`))
	}()
	raw, err = in.wait(ctx, "userOnline", fromUser("userId", "u2"))
	require.NoError(t, err)
	require.Contains(t, string(raw), "u2")
	require.Equal(t, 2, in.count("userOnline"))
	require.Zero(t, in.count("userOffline"))
}

func TestInbox_WaitTimesOut(t *testing.T) {
	in := newInbox()
	in.add("userOnline", json.RawMessage(`{"userId":"u1"}`))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := in.wait(ctx, "userOnline", fromUser("userId", "u9"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFromUser(t *testing.T) {
	match := fromUser("fromUserId", "u1")
	require.True(t, match(json.RawMessage(`{"fromUserId":"u1"}`)))
	require.False(t, match(json.RawMessage(`{"fromUserId":"u2"}`)))
	require.False(t, match(json.RawMessage(`not json`)))
}
