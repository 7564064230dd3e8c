//go:build linux

package ws

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func tcpPair(t *testing.T) (server, client net.Conn) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	client, err = net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	server, err = l.Accept()
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return server, client
}

func TestEpoll_OneShotUntilRearm(t *testing.T) {
	e, err := NewEpoll()
	require.NoError(t, err)
	defer e.Close()

	server, client := tcpPair(t)
	c := &Connection{id: "c1", Conn: server, Fd: socketFD(server)}
	require.NoError(t, e.Add(c))

	_, err = client.Write([]byte("x"))
	require.NoError(t, err)

	ready, err := e.wait(1000)
	require.NoError(t, err)
	require.Equal(t, []*Connection{c}, ready)

	// The byte is still unread, but the fd stays disarmed.
	ready, err = e.wait(100)
	require.NoError(t, err)
	require.Empty(t, ready)

	require.NoError(t, e.Rearm(c))
	ready, err = e.wait(1000)
	require.NoError(t, err)
	require.Equal(t, []*Connection{c}, ready)
}

func TestEpoll_RearmAfterRemoveIsNoop(t *testing.T) {
	e, err := NewEpoll()
	require.NoError(t, err)
	defer e.Close()

	server, _ := tcpPair(t)
	c := &Connection{id: "c1", Conn: server, Fd: socketFD(server)}
	require.NoError(t, e.Add(c))
	require.NoError(t, e.Remove(c))

	require.NoError(t, e.Rearm(c))
}
