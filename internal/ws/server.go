// Package ws handles WebSocket connection management, including
// authenticating and upgrading HTTP connections, maintaining active client
// connections, and feeding incoming frames to the application in arrival
// order.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/livechat/internal/identity"
	"github.com/whisper/livechat/internal/metrics"
	"github.com/whisper/livechat/internal/presence"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	SendQueueSize  int           // per-connection outbound queue length
	MaxFrameBytes  int64         // largest accepted inbound message
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendQueueSize:  64,
		MaxFrameBytes:  16 << 10,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Authenticator resolves the identity behind an upgrade request.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (presence.Identity, error)
}

// poller watches connections for readable frames and hands them to the
// server. Implementations are platform specific.
type poller interface {
	Add(c *Connection) error
	Rearm(c *Connection) error
	Remove(c *Connection) error
	Close() error
}

// Server is the WebSocket server built on gobwas/ws. It authenticates and
// upgrades HTTP connections, registers them with a poller for I/O readiness
// notifications, and dispatches ready connections to a bounded worker pool
// for frame reading.
type Server struct {
	config       ServerConfig
	auth         Authenticator
	poller       poller
	conns        *ConnectionManager
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onConnect    func(conn *Connection)              // called once the connection is live
	onDisconnect func(conn *Connection)              // called when a connection is removed
	mux          *http.ServeMux
	httpServer   *http.Server
	log          *slog.Logger
	done         chan struct{}
	stopOnce     sync.Once
	startedAt    time.Time // server start time for uptime calculation
}

// NewServer creates a Server with the given configuration, authenticator and
// message callback. The onMessage function is called from a worker goroutine
// whenever a complete WebSocket text message is received from a client; at
// most one call per connection is in flight at a time.
func NewServer(config ServerConfig, auth Authenticator, onMessage func(conn *Connection, data []byte), log *slog.Logger) *Server {
	def := DefaultServerConfig()
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = def.WorkerPoolSize
	}
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = def.SendQueueSize
	}
	if config.MaxFrameBytes <= 0 {
		config.MaxFrameBytes = def.MaxFrameBytes
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = def.Heartbeat
	}

	s := &Server{
		config:     config,
		auth:       auth,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		mux:        http.NewServeMux(),
		log:        log,
		done:       make(chan struct{}),
	}

	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)

	return s
}

// Handle registers an additional HTTP handler on the server's mux. It must be
// called before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// SetOnConnect registers a callback invoked once an authenticated connection
// is upgraded and able to send, before any of its frames are read.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked exactly once when a connection
// is removed (due to read error, heartbeat timeout, eviction or graceful
// close).
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(l)
}

// Serve initializes the poller, starts the heartbeat monitor and serves HTTP
// on l. It blocks until the HTTP server stops.
func (s *Server) Serve(l net.Listener) error {
	if err := s.prepare(); err != nil {
		return err
	}
	return s.serve(l)
}

// prepare creates the poller and the HTTP server and starts the heartbeat.
func (s *Server) prepare() error {
	var err error
	s.poller, err = newPoller(s)
	if err != nil {
		return fmt.Errorf("ws: failed to create poller: %w", err)
	}

	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: s.config.ReadTimeout,
	}

	// Start the heartbeat monitor to detect and close dead connections.
	StartHeartbeat(s, s.config.Heartbeat)
	return nil
}

func (s *Server) serve(l net.Listener) error {
	s.log.Info("ws: server listening", "addr", l.Addr().String(),
		"workers", s.config.WorkerPoolSize, "max_conns", s.config.MaxConnections)

	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the request and upgrades it to a WebSocket
// connection using the gobwas/ws zero-copy upgrader. Authentication failures
// never reach the upgrade and never touch presence.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Enforce maximum connection limit.
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	id, err := s.auth.Authenticate(r.Context(), r)
	if err != nil {
		status, reason := authStatus(err)
		metrics.AuthFailures.WithLabelValues(reason).Inc()
		s.log.Info("ws: authentication failed", "remote", r.RemoteAddr, "reason", reason, "err", err)
		http.Error(w, http.StatusText(status), status)
		return
	}

	// Upgrade the HTTP connection to WebSocket.
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn("ws: upgrade failed", "user", id.ID, "err", err)
		return
	}

	c := newConnection(s, uuid.New().String(), id, conn)
	go c.writeLoop()

	s.conns.Add(c)
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	if s.onConnect != nil {
		s.onConnect(c)
	}
	if c.closed() {
		// Evicted or banned while connecting.
		return
	}

	// Frames are only read once the connection is Active.
	if err := s.poller.Add(c); err != nil {
		s.log.Error("ws: poller add failed", "conn", c.id, "err", err)
		s.RemoveConnection(c)
		return
	}
	if c.closed() {
		_ = s.poller.Remove(c)
		return
	}

	s.log.Info("ws: new connection", "conn", c.id, "user", id.ID, "fd", c.Fd, "total", s.conns.Count())
}

func authStatus(err error) (int, string) {
	switch {
	case errors.Is(err, identity.ErrBanned):
		return http.StatusForbidden, "banned"
	case errors.Is(err, identity.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	default:
		return http.StatusUnauthorized, "unauthenticated"
	}
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime. It is used by HAProxy for health checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// dispatch hands a ready connection to a worker goroutine, blocking while the
// pool is full. The connection is re-armed once the frame has been handled,
// so at most one worker reads it at a time.
func (s *Server) dispatch(c *Connection) {
	s.workerPool <- struct{}{}

	go func() {
		defer func() { <-s.workerPool }()
		s.handleConn(c)
		if c.closed() {
			return
		}
		if err := s.poller.Rearm(c); err != nil {
			s.log.Warn("ws: rearm failed", "conn", c.id, "err", err)
			s.RemoveConnection(c)
		}
	}()
}

// handleConn reads a single WebSocket message from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails
// (connection closed, protocol error, etc.) the connection is removed.
func (s *Server) handleConn(c *Connection) {
	if c.closed() {
		return
	}

	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no full frame arrived in time. Don't kill the
		// connection; the heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	// Any frame proves the connection is alive.
	c.touch()

	if header.OpCode.IsControl() {
		s.handleControl(c, header, reader)
		return
	}

	// Read the full message, following continuation frames.
	data, err := io.ReadAll(io.LimitReader(reader, s.config.MaxFrameBytes+1))
	_ = c.Conn.SetReadDeadline(time.Time{})
	if err != nil {
		s.RemoveConnection(c)
		return
	}
	if int64(len(data)) > s.config.MaxFrameBytes {
		s.log.Warn("ws: oversized message", "conn", c.id, "limit", s.config.MaxFrameBytes)
		s.RemoveConnection(c)
		return
	}
	if len(data) == 0 || header.OpCode != ws.OpText {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

func (s *Server) handleControl(c *Connection, header ws.Header, reader io.Reader) {
	payload := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, payload); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	_ = c.Conn.SetReadDeadline(time.Time{})

	switch header.OpCode {
	case ws.OpClose:
		s.RemoveConnection(c)
	case ws.OpPing:
		if err := c.writeFrame(ws.NewPongFrame(payload)); err != nil {
			s.RemoveConnection(c)
		}
	}
	// Pong: connection is alive, nothing else to do.
}

// RemoveConnection removes a connection from the poller and the connection
// manager, runs the disconnect callback and shuts the connection down. It is
// idempotent: racing callers (read error, heartbeat timeout, eviction) run
// the cleanup once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.poller != nil {
		_ = s.poller.Remove(c)
	}

	if !s.conns.Remove(c.id) {
		return
	}
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}
	c.shutdown()

	s.log.Info("ws: connection closed", "conn", c.id, "user", c.identity.ID, "total", s.conns.Count())
}

// SendMessage enqueues a text frame on the connection identified by connID.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	if !c.Send(data) {
		return fmt.Errorf("ws: connection %s not accepting frames", connID)
	}
	return nil
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the background loops to exit, closes all active
// connections, and cleans up the poller.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("ws: shutting down server")

	s.stopOnce.Do(func() { close(s.done) })

	var err error
	if s.httpServer != nil {
		if err = s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warn("ws: http shutdown error", "err", err)
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.poller != nil {
		_ = s.poller.Close()
	}

	s.log.Info("ws: server stopped, all connections closed")
	return err
}
