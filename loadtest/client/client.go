// Package client provides a reusable WebSocket load test client for the
// livechat server. It connects with gobwas/ws (the same library the server
// uses), treats the presence snapshot as the end of the handshake and tracks
// per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/livechat/internal/protocol"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration // dial until the presence snapshot arrived
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is a single simulated user. Handlers run on the read goroutine and
// must not block for long.
type Client struct {
	conn   net.Conn
	userID string

	writeMu sync.Mutex

	mu       sync.Mutex
	metrics  Metrics
	handlers map[string]func(json.RawMessage)

	start     time.Time
	snapshot  []protocol.OnlineUser
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// New dials url (which must carry the user's token) and starts reading.
// Register handlers with On before frames of that type can arrive.
func New(ctx context.Context, url, userID string) (*Client, error) {
	c := &Client{
		userID:   userID,
		handlers: make(map[string]func(json.RawMessage)),
		start:    time.Now(),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}

	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	c.conn = conn

	go c.readLoop()
	return c, nil
}

// UserID returns the id the client authenticated as.
func (c *Client) UserID() string {
	return c.userID
}

// Send writes msg as a JSON text frame. It is goroutine-safe.
func (c *Client) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	c.writeMu.Unlock()

	c.mu.Lock()
	if err != nil {
		c.metrics.Errors++
	} else {
		c.metrics.MessagesSent++
	}
	c.mu.Unlock()
	return err
}

// SendPrivate sends a private_message to another user.
func (c *Client) SendPrivate(toUserID, content string) error {
	return c.Send(protocol.PrivateMsg{Type: protocol.TypePrivateMessage, ToUserID: toUserID, Content: content})
}

// SendPublic broadcasts a chat message.
func (c *Client) SendPublic(content string) error {
	return c.Send(protocol.ChatMsg{Type: protocol.TypeChatMessage, Content: content})
}

// On registers the handler for a server frame type, replacing any previous
// one.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// WaitReady blocks until the server sent the presence snapshot, the
// connection closed or ctx is done.
func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed before the presence snapshot")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the users listed in the presence snapshot, or nil before
// WaitReady returned.
func (c *Client) Snapshot() []protocol.OnlineUser {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Alive reports whether the read loop is still running.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close closes the connection. It is safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			c.mu.Lock()
			c.metrics.Errors++
			c.mu.Unlock()
			return
		}

		var frame struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		if frame.Type == protocol.TypeCurrentOnlineUsers {
			c.readyOnce.Do(func() {
				var snap protocol.CurrentOnlineUsersMsg
				_ = json.Unmarshal(data, &snap)
				c.mu.Lock()
				c.metrics.ConnectLatency = time.Since(c.start)
				c.snapshot = snap.Users
				c.mu.Unlock()
				close(c.ready)
			})
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		handler := c.handlers[frame.Type]
		c.mu.Unlock()

		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}
