//go:build !linux

package ws

import (
	"net"
	"sync"
)

// goroutinePoller is the fallback for platforms without epoll: each
// connection gets a reader goroutine that blocks in handleConn until the
// connection is shut down. Reads stay sequential per connection.
type goroutinePoller struct {
	server *Server
	mu     sync.Mutex
	conns  map[*Connection]struct{}
}

func newPoller(s *Server) (poller, error) {
	return &goroutinePoller{
		server: s,
		conns:  make(map[*Connection]struct{}),
	}, nil
}

func (p *goroutinePoller) Add(c *Connection) error {
	p.mu.Lock()
	p.conns[c] = struct{}{}
	p.mu.Unlock()

	go p.readLoop(c)
	return nil
}

func (p *goroutinePoller) readLoop(c *Connection) {
	defer func() { _ = p.Remove(c) }()

	for !c.closed() {
		p.server.handleConn(c)
	}
}

// Rearm is a no-op: readLoop reads again as soon as handleConn returns.
func (p *goroutinePoller) Rearm(*Connection) error { return nil }

func (p *goroutinePoller) Remove(c *Connection) error {
	p.mu.Lock()
	delete(p.conns, c)
	p.mu.Unlock()
	return nil
}

func (p *goroutinePoller) Close() error {
	p.mu.Lock()
	p.conns = make(map[*Connection]struct{})
	p.mu.Unlock()
	return nil
}

// socketFD is not needed without epoll.
func socketFD(net.Conn) int {
	return -1
}
