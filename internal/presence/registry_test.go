package presence

import (
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id string
}

func newFakeConn() *fakeConn              { return &fakeConn{id: uuid.NewString()} }
func (c *fakeConn) ID() string            { return c.id }
func (c *fakeConn) Send(data []byte) bool { return true }
func (c *fakeConn) Close() error          { return nil }

func TestRegistry_RegisterAndLookup(t *testing.T) {
	req := require.New(t)
	r := NewRegistry()
	conn := newFakeConn()

	prev := r.Register(Identity{ID: "alice", DisplayName: "Alice"}, conn)
	req.Nil(prev)

	got, ok := r.Lookup("alice")
	req.True(ok)
	req.Equal(conn.ID(), got.ID())
	req.Equal(1, r.Count())
}

func TestRegistry_RegisterReplacesExistingEntry(t *testing.T) {
	req := require.New(t)
	r := NewRegistry()
	first := newFakeConn()
	second := newFakeConn()

	r.Register(Identity{ID: "alice"}, first)
	prev := r.Register(Identity{ID: "alice"}, second)

	req.NotNil(prev)
	req.Equal(first.ID(), prev.Conn.ID())
	req.Equal(1, r.Count())

	got, ok := r.Lookup("alice")
	req.True(ok)
	req.Equal(second.ID(), got.ID())
}

func TestRegistry_UnregisterThenLookupIsAbsent(t *testing.T) {
	req := require.New(t)
	r := NewRegistry()

	r.Register(Identity{ID: "alice"}, newFakeConn())
	_, ok := r.Unregister("alice")
	req.True(ok)

	_, ok = r.Lookup("alice")
	req.False(ok)
}

func TestRegistry_UnregisterTwiceIsNoop(t *testing.T) {
	req := require.New(t)
	r := NewRegistry()
	conn := newFakeConn()
	r.Register(Identity{ID: "alice"}, conn)

	_, ok := r.UnregisterConn("alice", conn.ID())
	req.True(ok)
	_, ok = r.UnregisterConn("alice", conn.ID())
	req.False(ok)
	_, ok = r.Unregister("alice")
	req.False(ok)
}

func TestRegistry_UnregisterConnIgnoresSupersededConnection(t *testing.T) {
	req := require.New(t)
	r := NewRegistry()
	stale := newFakeConn()
	fresh := newFakeConn()

	r.Register(Identity{ID: "alice"}, stale)
	r.Register(Identity{ID: "alice"}, fresh)

	// The late disconnect of the stale connection must not evict the new one.
	_, ok := r.UnregisterConn("alice", stale.ID())
	req.False(ok)

	got, ok := r.Lookup("alice")
	req.True(ok)
	req.Equal(fresh.ID(), got.ID())
}

func TestRegistry_SnapshotExcludesCallerAndIsSorted(t *testing.T) {
	req := require.New(t)
	r := NewRegistry()
	for _, id := range []string{"carol", "alice", "bob"} {
		r.Register(Identity{ID: id, DisplayName: id}, newFakeConn())
	}

	snap := r.Snapshot("bob")
	req.Len(snap, 2)
	req.Equal("alice", snap[0].ID)
	req.Equal("carol", snap[1].ID)

	req.Len(r.Snapshot(""), 3)
	req.Empty(NewRegistry().Snapshot("anyone"))
}

func TestRegistry_ConnsExcludesUser(t *testing.T) {
	req := require.New(t)
	r := NewRegistry()
	r.Register(Identity{ID: "alice"}, newFakeConn())
	r.Register(Identity{ID: "bob"}, newFakeConn())

	req.Len(r.Conns(""), 2)
	req.Len(r.Conns("alice"), 1)
}

func TestRegistry_ConcurrentRegisterUnregister(t *testing.T) {
	req := require.New(t)
	r := NewRegistry()

	const users = 50
	const rounds = 20

	var wg sync.WaitGroup
	for u := 0; u < users; u++ {
		userID := fmt.Sprintf("user-%d", u)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				conn := newFakeConn()
				r.Register(Identity{ID: userID}, conn)
				_ = r.Snapshot(userID)
				r.UnregisterConn(userID, conn.ID())
				_, ok := r.Lookup(userID)
				// Only this goroutine touches userID, so it must be gone.
				if ok {
					t.Errorf("%s still registered after unregister", userID)
				}
			}
			// Leave every user registered once.
			r.Register(Identity{ID: userID}, newFakeConn())
		}()
	}
	wg.Wait()

	req.Equal(users, r.Count())
	snap := r.Snapshot("")
	seen := make(map[string]bool, len(snap))
	for _, id := range snap {
		req.False(seen[id.ID], "duplicate entry for %s", id.ID)
		seen[id.ID] = true
	}
}
