package chat

import (
	"context"
	"encoding/json"

	"github.com/whisper/livechat/internal/metrics"
	"github.com/whisper/livechat/internal/presence"
	"github.com/whisper/livechat/internal/protocol"
)

// Connect moves an authenticated client to Active: it registers the client,
// evicts a superseded connection of the same user, sends the client the
// presence snapshot and announces it to everyone else.
func (e *Engine) Connect(ctx context.Context, c Client) {
	id := c.Identity()

	e.presenceMu.Lock()
	prev := e.registry.Register(id, c)
	metrics.OnlineUsers.Set(float64(e.registry.Count()))

	users := make([]protocol.OnlineUser, 0)
	for _, other := range e.registry.Snapshot(id.ID) {
		users = append(users, protocol.NewOnlineUser(other))
	}
	e.dispatcher.send(c, protocol.TypeCurrentOnlineUsers, protocol.CurrentOnlineUsersMsg{Users: users})

	if data, err := protocol.NewServerMessage(protocol.TypeUserOnline, protocol.NewOnlineUser(id)); err == nil {
		e.broadcast(data, id.ID)
	} else {
		e.log.Error("chat: build userOnline failed", "err", err)
	}
	e.presenceMu.Unlock()

	// Closing the old connection runs its Disconnect, which takes presenceMu.
	if prev != nil && prev.Conn.ID() != c.ID() {
		e.evict(prev)
	}

	e.publishPresence(id, true)
	e.log.Info("chat: user online", "user", id.ID, "conn", c.ID(), "online", e.registry.Count())
}

// Disconnect moves a client to Closed. Only when the registry entry still
// belongs to this very connection is it removed and userOffline broadcast, so
// duplicate or late disconnects are silent no-ops.
func (e *Engine) Disconnect(ctx context.Context, c Client) {
	id := c.Identity()

	e.presenceMu.Lock()
	if _, ok := e.registry.UnregisterConn(id.ID, c.ID()); !ok {
		e.presenceMu.Unlock()
		e.log.Debug("chat: disconnect for superseded or unknown connection ignored", "user", id.ID, "conn", c.ID())
		return
	}
	metrics.OnlineUsers.Set(float64(e.registry.Count()))

	if data, err := protocol.NewServerMessage(protocol.TypeUserOffline, protocol.UserOfflineMsg{UserID: id.ID}); err == nil {
		e.broadcast(data, id.ID)
	} else {
		e.log.Error("chat: build userOffline failed", "err", err)
	}
	e.presenceMu.Unlock()

	e.publishPresence(id, false)
	e.log.Info("chat: user offline", "user", id.ID, "conn", c.ID(), "online", e.registry.Count())
}

// Enforce disconnects a user that moderation banned. The client is told why
// before its connection is closed; the close path runs Disconnect as usual.
func (e *Engine) Enforce(userID, reason string, durationSeconds int) bool {
	conn, ok := e.registry.Lookup(userID)
	if !ok {
		return false
	}
	e.dispatcher.send(conn, protocol.TypeBanned, protocol.BannedMsg{Duration: durationSeconds, Reason: reason})
	if err := conn.Close(); err != nil {
		e.log.Warn("chat: close banned connection failed", "user", userID, "err", err)
	}
	e.log.Info("chat: banned user disconnected", "user", userID, "reason", reason)
	return true
}

// evict notifies and closes a connection replaced by a newer one of the same
// user. Its own disconnect later finds the registry pointing elsewhere and
// broadcasts nothing.
func (e *Engine) evict(prev *presence.Entry) {
	e.dispatcher.send(prev.Conn, protocol.TypeSessionReplaced, protocol.SessionReplacedMsg{})
	if err := prev.Conn.Close(); err != nil {
		e.log.Warn("chat: close superseded connection failed", "user", prev.ID, "err", err)
	}
	e.log.Info("chat: superseded connection evicted", "user", prev.ID, "conn", prev.Conn.ID())
}

func (e *Engine) publishPresence(id presence.Identity, online bool) {
	if e.config.Publisher == nil {
		return
	}
	data, err := json.Marshal(PresenceEvent{
		UserID:   id.ID,
		Username: id.DisplayName,
		Online:   online,
		Ts:       e.now().Unix(),
	})
	if err != nil {
		e.log.Error("chat: marshal presence event failed", "err", err)
		return
	}
	if err := e.config.Publisher.PublishPresence(online, data); err != nil {
		e.log.Warn("chat: publish presence failed", "user", id.ID, "err", err)
	}
}
