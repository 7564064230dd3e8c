package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"

	"github.com/whisper/livechat/internal/chat"
	"github.com/whisper/livechat/internal/identity"
	"github.com/whisper/livechat/internal/presence"
	"github.com/whisper/livechat/internal/store"
)

// tokenAuth maps the "token" query parameter to an identity.
type tokenAuth map[string]presence.Identity

func (a tokenAuth) Authenticate(_ context.Context, r *http.Request) (presence.Identity, error) {
	tok := r.URL.Query().Get("token")
	if tok == "banned" {
		return presence.Identity{}, identity.ErrBanned
	}
	id, ok := a[tok]
	if !ok {
		return presence.Identity{}, identity.ErrUnauthenticated
	}
	return id, nil
}

var testUsers = tokenAuth{
	"alice": {ID: "u1", DisplayName: "Alice"},
	"bob":   {ID: "u2", DisplayName: "Bob", AvatarRef: "https://img.example/bob.png"},
}

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	engine := chat.NewEngine(presence.NewRegistry(), store.NewMemory(), chat.DefaultEngineConfig(), log)
	s := NewServer(DefaultServerConfig(), testUsers, func(c *Connection, data []byte) {
		engine.HandleMessage(context.Background(), c, data)
	}, log)
	s.SetOnConnect(func(c *Connection) { engine.Connect(context.Background(), c) })
	s.SetOnDisconnect(func(c *Connection) { engine.Disconnect(context.Background(), c) })

	require.NoError(t, s.prepare())
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.serve(l) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, l.Addr().String()
}

type client struct {
	t    *testing.T
	conn net.Conn
	rw   io.ReadWriter
}

func dial(t *testing.T, addr, token string) *client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, br, _, err := ws.Dial(ctx, "ws://"+addr+"/ws?token="+token)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = br
	}
	return &client{t: t, conn: conn, rw: struct {
		io.Reader
		io.Writer
	}{r, conn}}
}

func (c *client) send(raw string) {
	c.t.Helper()
	require.NoError(c.t, wsutil.WriteClientText(c.conn, []byte(raw)))
}

func (c *client) read() (map[string]any, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, err := wsutil.ReadServerText(c.rw)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// expect reads frames until one of the given type arrives.
func (c *client) expect(typ string) map[string]any {
	c.t.Helper()
	for i := 0; i < 10; i++ {
		m, err := c.read()
		require.NoError(c.t, err, "waiting for %q", typ)
		if m["type"] == typ {
			return m
		}
	}
	c.t.Fatalf("no %q frame within 10 frames", typ)
	return nil
}

// expectClosed reads until the server closes the connection.
func (c *client) expectClosed() {
	c.t.Helper()
	for i := 0; i < 10; i++ {
		if _, err := c.read(); err != nil {
			return
		}
	}
	c.t.Fatal("connection still open")
}

func TestServer_PresenceAndRouting(t *testing.T) {
	_, addr := startServer(t)

	alice := dial(t, addr, "alice")
	snap := alice.expect("currentOnlineUsers")
	require.Empty(t, snap["users"])

	bob := dial(t, addr, "bob")
	snap = bob.expect("currentOnlineUsers")
	users := snap["users"].([]any)
	require.Len(t, users, 1)
	require.Equal(t, "u1", users[0].(map[string]any)["userId"])

	online := alice.expect("userOnline")
	require.Equal(t, "u2", online["userId"])
	require.Equal(t, "/proxy/profile-pic/u2", online["profilePic"])

	// Public messages reach everyone, the sender included.
	alice.send(`{"type":"chat message","content":"hello all"}`)
	for _, c := range []*client{alice, bob} {
		m := c.expect("chat message")
		require.Equal(t, "u1", m["userId"])
		require.Equal(t, "hello all", m["content"])
	}

	bob.send(`{"type":"private_message","toUserId":"u1","content":"psst"}`)
	pm := alice.expect("private_message")
	require.Equal(t, "u2", pm["fromUserId"])
	require.Equal(t, "psst", pm["content"])
	alice.expect("new_message_notification")

	alice.send(`{"type":"ping"}`)
	alice.expect("pong")

	require.NoError(t, bob.conn.Close())
	off := alice.expect("userOffline")
	require.Equal(t, "u2", off["userId"])
}

func TestServer_DuplicateConnectionIsReplaced(t *testing.T) {
	s, addr := startServer(t)

	first := dial(t, addr, "alice")
	first.expect("currentOnlineUsers")

	second := dial(t, addr, "alice")
	second.expect("currentOnlineUsers")

	first.expect("session_replaced")
	first.expectClosed()

	require.Eventually(t, func() bool { return s.Connections().Count() == 1 },
		2*time.Second, 10*time.Millisecond)

	second.send(`{"type":"ping"}`)
	second.expect("pong")
}

func TestServer_RejectsBeforeUpgrade(t *testing.T) {
	s, addr := startServer(t)

	tests := []struct {
		token string
		want  int
	}{
		{"", http.StatusUnauthorized},
		{"mallory", http.StatusUnauthorized},
		{"banned", http.StatusForbidden},
	}
	for _, tt := range tests {
		resp, err := http.Get("http://" + addr + "/ws?token=" + tt.token)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, tt.want, resp.StatusCode, "token %q", tt.token)
	}
	require.Zero(t, s.Connections().Count())
}

func TestServer_Health(t *testing.T) {
	_, addr := startServer(t)
	dial(t, addr, "alice").expect("currentOnlineUsers")

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body.Status)
	require.Equal(t, 1, body.Connections)
}

func TestHeartbeat_RemovesStaleConnections(t *testing.T) {
	s, addr := startServer(t)

	alice := dial(t, addr, "alice")
	alice.expect("currentOnlineUsers")
	bob := dial(t, addr, "bob")
	bob.expect("currentOnlineUsers")
	require.Equal(t, 2, s.Connections().Count())

	// Fresh connections only get pinged.
	checkConnections(s, s.config.Heartbeat, time.Now())
	require.Equal(t, 2, s.Connections().Count())

	// Pretend both have been silent for an hour.
	checkConnections(s, s.config.Heartbeat, time.Now().Add(time.Hour))
	require.Zero(t, s.Connections().Count())
	alice.expectClosed()
}
