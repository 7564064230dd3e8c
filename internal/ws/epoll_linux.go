//go:build linux

package ws

import (
	"errors"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Epoll wraps Linux epoll syscalls for efficient WebSocket I/O multiplexing.
// Instead of parking a goroutine per connection, file descriptors are
// registered with the kernel and the event loop is notified only when data
// is ready to read.
//
// Registrations are one-shot: a reported fd stays disarmed until Rearm, so a
// connection is never handed out again while a worker is still reading it.
type Epoll struct {
	fd          int                 // epoll file descriptor
	connections map[int]*Connection // fd -> Connection
	mu          sync.RWMutex        // protects connections map
	events      []unix.EpollEvent   // reusable event buffer for Wait
}

// NewEpoll creates a new epoll instance using epoll_create1.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:          fd,
		connections: make(map[int]*Connection),
		events:      make([]unix.EpollEvent, 128),
	}, nil
}

// newPoller creates the epoll instance and starts the server's event loop on
// it.
func newPoller(s *Server) (poller, error) {
	e, err := NewEpoll()
	if err != nil {
		return nil, err
	}
	go s.startEventLoop(e)
	return e, nil
}

const readEvents = unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP | unix.EPOLLONESHOT

// Add registers a connection with epoll for one read readiness notification.
func (e *Epoll) Add(c *Connection) error {
	if c.Fd < 0 {
		return errors.New("ws: connection has no file descriptor")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, c.Fd, &unix.EpollEvent{
		Events: readEvents,
		Fd:     int32(c.Fd),
	}); err != nil {
		return err
	}
	e.connections[c.Fd] = c
	return nil
}

// Rearm re-enables notifications for c after its ready event was handled.
// Connections removed in the meantime are skipped.
func (e *Epoll) Rearm(c *Connection) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if cur, ok := e.connections[c.Fd]; !ok || cur != c {
		return nil
	}
	return unix.EpollCtl(e.fd, syscall.EPOLL_CTL_MOD, c.Fd, &unix.EpollEvent{
		Events: readEvents,
		Fd:     int32(c.Fd),
	})
}

// Remove unregisters a connection from epoll.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	if cur, ok := e.connections[c.Fd]; !ok || cur != c {
		e.mu.Unlock()
		return nil
	}
	delete(e.connections, c.Fd)
	e.mu.Unlock()

	return unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, c.Fd, nil)
}

// Wait blocks until one or more registered connections are ready for reading.
// Connections removed between epoll_wait returning and the lookup are
// silently skipped.
func (e *Epoll) Wait() ([]*Connection, error) {
	return e.wait(-1)
}

func (e *Epoll) wait(msec int) ([]*Connection, error) {
	n, err := unix.EpollWait(e.fd, e.events, msec)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	conns := make([]*Connection, 0, n)
	for i := 0; i < n; i++ {
		if c, ok := e.connections[int(e.events[i].Fd)]; ok {
			conns = append(conns, c)
		}
	}
	e.mu.RUnlock()
	return conns, nil
}

// Close closes the epoll file descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connections = make(map[int]*Connection)
	return unix.Close(e.fd)
}

// startEventLoop runs the epoll wait loop. Each ready connection is handed to
// the bounded worker pool.
func (s *Server) startEventLoop(e *Epoll) {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := e.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			// EINTR is expected during signal handling.
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EBADF) {
				return
			}
			s.log.Error("ws: epoll wait error", "err", err)
			continue
		}

		for _, c := range conns {
			s.dispatch(c)
		}
	}
}

// socketFD extracts the file descriptor from a net.Conn using the
// SyscallConn interface. This avoids duplicating the file descriptor
// (which File() does), keeping the original fd valid for epoll registration.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
