package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/livechat/internal/presence"
)

// Connection represents a single authenticated WebSocket client connection.
// Outbound frames go through a bounded queue drained by a dedicated writer
// goroutine, so producers never block on a slow socket.
type Connection struct {
	id         string            // connection ID (UUID), not the user id
	identity   presence.Identity // resolved once at upgrade time
	Conn       net.Conn          // underlying TCP connection
	Fd         int               // file descriptor for epoll lookups
	RemoteAddr string
	CreatedAt  time.Time

	lastSeen atomic.Int64 // unix nanos of the last frame received

	send         chan []byte   // outbound queue
	done         chan struct{} // closed once the connection is shut down
	shutdownOnce sync.Once
	writeMu      sync.Mutex // serializes frames written to Conn
	writeTimeout time.Duration

	server *Server
}

func newConnection(s *Server, id string, identity presence.Identity, conn net.Conn) *Connection {
	c := &Connection{
		id:           id,
		identity:     identity,
		Conn:         conn,
		Fd:           socketFD(conn),
		RemoteAddr:   conn.RemoteAddr().String(),
		CreatedAt:    time.Now(),
		send:         make(chan []byte, s.config.SendQueueSize),
		done:         make(chan struct{}),
		writeTimeout: s.config.WriteTimeout,
		server:       s,
	}
	c.touch()
	return c
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// Identity returns the authenticated identity bound to the connection.
func (c *Connection) Identity() presence.Identity { return c.identity }

// LastSeen returns when the last frame (data or control) was received.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Connection) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// Send enqueues a text frame. It never blocks: false means the queue is full
// or the connection has been shut down, and the frame was dropped.
func (c *Connection) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close removes the connection from its server, which runs the disconnect
// callback and shuts the socket down after queued frames are flushed. It is
// safe to call more than once.
func (c *Connection) Close() error {
	c.server.RemoveConnection(c)
	return nil
}

// closed reports whether the connection has been shut down.
func (c *Connection) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// shutdown stops accepting frames and lets the writer flush and close the
// socket.
func (c *Connection) shutdown() {
	c.shutdownOnce.Do(func() {
		close(c.done)
	})
}

// writeLoop drains the outbound queue until shutdown, then flushes what is
// left, sends a close frame and closes the socket.
func (c *Connection) writeLoop() {
	defer c.Conn.Close()

	for {
		select {
		case data := <-c.send:
			if err := c.WriteMessage(data); err != nil {
				c.server.log.Debug("ws: write failed", "conn", c.id, "err", err)
				c.server.RemoveConnection(c)
				return
			}
		case <-c.done:
			c.flush()
			return
		}
	}
}

func (c *Connection) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.WriteMessage(data); err != nil {
				return
			}
		default:
			_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
			return
		}
	}
}

// WriteMessage writes a WebSocket text frame directly to the socket. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.setWriteDeadline()
	err := wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	return c.writeFrame(ws.NewPingFrame(nil))
}

func (c *Connection) writeFrame(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.setWriteDeadline()
	err := ws.WriteFrame(c.Conn, f)
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

func (c *Connection) setWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

// ConnectionManager is a thread-safe registry of the server's live
// connections keyed by connection ID.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
	}
}

// Add registers a connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.id] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID. Returns true if the connection was found
// and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	_, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
	}
	cm.mu.Unlock()
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
