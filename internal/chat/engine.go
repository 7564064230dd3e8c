// Package chat is the routing engine of the livechat server. It interprets
// inbound client events, validates their addressing against the presence
// registry, persists durable messages and fans the results out to the live
// connections that should see them.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/whisper/livechat/internal/metrics"
	"github.com/whisper/livechat/internal/presence"
	"github.com/whisper/livechat/internal/protocol"
	"github.com/whisper/livechat/internal/ratelimit"
)

// Limiter throttles actions per identifier. Implemented by ratelimit.Limiter.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// EngineConfig holds the optional collaborators and tunables of an Engine.
type EngineConfig struct {
	PersistTimeout time.Duration // upper bound for one MessageStore.Append
	Limiter        Limiter       // nil disables rate limiting
	Publisher      Publisher     // nil disables event bus publishing
}

// DefaultEngineConfig returns an EngineConfig without limiter or publisher.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		PersistTimeout: 5 * time.Second,
	}
}

// Engine routes events between connected clients. It owns the presence
// registry together with the connection lifecycle in lifecycle.go; no other
// component mutates it.
type Engine struct {
	// presenceMu orders each registry change with its userOnline or
	// userOffline broadcast, so observers never see a stale offline after a
	// reconnect.
	presenceMu sync.Mutex

	registry   *presence.Registry
	store      MessageStore
	config     EngineConfig
	dispatcher *MessageDispatcher
	log        *slog.Logger
	now        func() time.Time
}

// NewEngine creates an Engine and registers the handlers of every inbound
// event type.
func NewEngine(registry *presence.Registry, store MessageStore, config EngineConfig, log *slog.Logger) *Engine {
	if config.PersistTimeout <= 0 {
		config.PersistTimeout = DefaultEngineConfig().PersistTimeout
	}

	e := &Engine{
		registry:   registry,
		store:      store,
		config:     config,
		dispatcher: NewMessageDispatcher(log),
		log:        log,
		now:        time.Now,
	}

	e.dispatcher.Register(protocol.TypeChatMessage, e.handleChatMessage)
	e.dispatcher.Register(protocol.TypeChatRequest, e.handleChatRequest)
	e.dispatcher.Register(protocol.TypeChatResponse, e.handleChatResponse)
	e.dispatcher.Register(protocol.TypePrivateMessage, e.handlePrivateMessage)

	return e
}

// Registry returns the presence registry owned by the engine.
func (e *Engine) Registry() *presence.Registry {
	return e.registry
}

// HandleMessage processes one inbound frame from c. Callers invoke it
// sequentially per connection so a user's own events keep their order.
func (e *Engine) HandleMessage(ctx context.Context, c Client, data []byte) {
	e.dispatcher.Dispatch(ctx, c, data)
}

// -----------------------------------------------------------------------
// chat message: public broadcast
// -----------------------------------------------------------------------

func (e *Engine) handleChatMessage(ctx context.Context, c Client, msg interface{}) {
	m, ok := msg.(protocol.ChatMsg)
	if !ok {
		return
	}
	sender := c.Identity()

	if err := ValidateMessage(m.Content); err != nil {
		e.outcome(protocol.TypeChatMessage, "invalid")
		e.dispatcher.sendError(c, "invalid_message", err.Error())
		return
	}
	if !e.allow(ctx, c, protocol.TypeChatMessage, ratelimit.RuleMessage) {
		return
	}

	stored, err := e.persist(ctx, MessageRecord{
		SenderID:  sender.ID,
		Content:   m.Content,
		Timestamp: e.now(),
	})
	if err != nil {
		e.persistFailed(c, protocol.TypeChatMessage, err)
		return
	}

	data, err := protocol.NewServerMessage(protocol.TypeChatMessage, protocol.ServerChatMsg{
		UserID:    sender.ID,
		Username:  sender.DisplayName,
		Content:   stored.Content,
		Timestamp: stored.Timestamp,
	})
	if err != nil {
		e.log.Error("chat: build chat message failed", "err", err)
		return
	}

	e.broadcast(data, "")
	e.outcome(protocol.TypeChatMessage, "delivered")
	e.publishStored(stored)
}

// -----------------------------------------------------------------------
// chat_request: ask another user to chat (not persisted)
// -----------------------------------------------------------------------

func (e *Engine) handleChatRequest(ctx context.Context, c Client, msg interface{}) {
	m, ok := msg.(protocol.ChatRequestMsg)
	if !ok {
		return
	}
	sender := c.Identity()

	if !e.allow(ctx, c, protocol.TypeChatRequest, ratelimit.RuleHandshake) {
		return
	}

	target, ok := e.registry.Lookup(m.ToUserID)
	if !ok {
		e.unroutable(protocol.TypeChatRequest, sender.ID, m.ToUserID)
		return
	}

	e.dispatcher.send(target, protocol.TypeChatNotification, protocol.ChatNotificationMsg{
		FromUserID:     sender.ID,
		FromUsername:   sender.DisplayName,
		FromProfilePic: protocol.ProfilePicURL(sender),
		Message:        fmt.Sprintf("%s wants to chat with you!", sender.DisplayName),
		Timestamp:      e.now(),
	})
	e.outcome(protocol.TypeChatRequest, "delivered")
	e.log.Debug("chat: chat request delivered", "from", sender.ID, "to", m.ToUserID)
}

// -----------------------------------------------------------------------
// chat_response: accept or decline a chat request (not persisted)
// -----------------------------------------------------------------------

func (e *Engine) handleChatResponse(ctx context.Context, c Client, msg interface{}) {
	m, ok := msg.(protocol.ChatResponseMsg)
	if !ok {
		return
	}
	sender := c.Identity()

	if !e.allow(ctx, c, protocol.TypeChatResponse, ratelimit.RuleHandshake) {
		return
	}

	target, ok := e.registry.Lookup(m.ToUserID)
	if !ok {
		e.unroutable(protocol.TypeChatResponse, sender.ID, m.ToUserID)
		return
	}

	text := fmt.Sprintf("%s declined your chat request.", sender.DisplayName)
	if m.Response == protocol.ResponseAccepted {
		text = fmt.Sprintf("%s accepted your chat request!", sender.DisplayName)
	}

	e.dispatcher.send(target, protocol.TypeChatResponseNotification, protocol.ChatResponseNotificationMsg{
		FromUserID:   sender.ID,
		FromUsername: sender.DisplayName,
		Response:     m.Response,
		Message:      text,
		Timestamp:    e.now(),
	})
	e.outcome(protocol.TypeChatResponse, "delivered")
}

// -----------------------------------------------------------------------
// private_message: persisted, delivered to the recipient only
// -----------------------------------------------------------------------

func (e *Engine) handlePrivateMessage(ctx context.Context, c Client, msg interface{}) {
	m, ok := msg.(protocol.PrivateMsg)
	if !ok {
		return
	}
	sender := c.Identity()

	// Messaging yourself is a client bug, not a server fault.
	if m.ToUserID == sender.ID {
		e.outcome(protocol.TypePrivateMessage, "self_addressed")
		e.log.Debug("chat: self-addressed private message dropped", "user", sender.ID)
		return
	}
	if err := ValidateMessage(m.Content); err != nil {
		e.outcome(protocol.TypePrivateMessage, "invalid")
		e.dispatcher.sendError(c, "invalid_message", err.Error())
		return
	}
	if !e.allow(ctx, c, protocol.TypePrivateMessage, ratelimit.RuleMessage) {
		return
	}

	// Offline recipients get nothing, not even a stored record.
	if _, ok := e.registry.Lookup(m.ToUserID); !ok {
		e.unroutable(protocol.TypePrivateMessage, sender.ID, m.ToUserID)
		return
	}

	stored, err := e.persist(ctx, MessageRecord{
		SenderID:    sender.ID,
		Content:     m.Content,
		Timestamp:   e.now(),
		RecipientID: m.ToUserID,
		IsPrivate:   true,
	})
	if err != nil {
		e.persistFailed(c, protocol.TypePrivateMessage, err)
		return
	}
	e.publishStored(stored)

	// Resolve again: the recipient may have left while we were persisting.
	target, ok := e.registry.Lookup(m.ToUserID)
	if !ok {
		e.unroutable(protocol.TypePrivateMessage, sender.ID, m.ToUserID)
		return
	}

	e.dispatcher.send(target, protocol.TypePrivateMessage, protocol.ServerPrivateMsg{
		FromUserID:   sender.ID,
		FromUsername: sender.DisplayName,
		Content:      stored.Content,
		Timestamp:    stored.Timestamp,
	})
	e.dispatcher.send(target, protocol.TypeNewMessageNotification, protocol.NewMessageNotificationMsg{
		FromUserID:     sender.ID,
		FromUsername:   sender.DisplayName,
		FromProfilePic: protocol.ProfilePicURL(sender),
		Content:        stored.Content,
		Timestamp:      stored.Timestamp,
	})
	e.outcome(protocol.TypePrivateMessage, "delivered")
}

// -----------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------

// persist appends rec to the store. The append runs on a context detached from
// the connection so a message accepted before the client left stays durable.
func (e *Engine) persist(ctx context.Context, rec MessageRecord) (StoredMessage, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.PersistTimeout)
	defer cancel()

	start := time.Now()
	stored, err := e.store.Append(ctx, rec)
	metrics.PersistLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return StoredMessage{}, fmt.Errorf("chat: persist message: %w", err)
	}
	return stored, nil
}

func (e *Engine) persistFailed(c Client, event string, err error) {
	e.outcome(event, "persist_failed")
	e.log.Error("chat: persistence failed, delivery suppressed", "event", event, "user", c.Identity().ID, "err", err)
	e.dispatcher.sendError(c, "persist_failed", "message could not be saved")
}

// allow applies rule to the sender and answers rate_limited when refused.
func (e *Engine) allow(ctx context.Context, c Client, event string, rule ratelimit.Rule) bool {
	if e.config.Limiter == nil {
		return true
	}
	// Limiter errors fail open inside the limiter.
	ok, _ := e.config.Limiter.Allow(ctx, c.Identity().ID, rule)
	if ok {
		return true
	}
	e.outcome(event, "rate_limited")
	e.dispatcher.send(c, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: rule.RetryAfter()})
	return false
}

func (e *Engine) unroutable(event, fromID, toID string) {
	e.outcome(event, "dropped")
	e.log.Debug("chat: target offline, event dropped", "event", event, "from", fromID, "to", toID)
}

// broadcast enqueues data on every registered connection except
// excludingUserID. Enqueueing never blocks, so one slow recipient cannot
// stall the others.
func (e *Engine) broadcast(data []byte, excludingUserID string) {
	for _, conn := range e.registry.Conns(excludingUserID) {
		if !conn.Send(data) {
			metrics.DeliveriesDropped.Inc()
			e.log.Debug("chat: broadcast delivery dropped", "conn", conn.ID())
		}
	}
}

func (e *Engine) publishStored(stored StoredMessage) {
	if e.config.Publisher == nil {
		return
	}
	data, err := json.Marshal(MessageStoredEvent{
		MessageID:   stored.ID,
		SenderID:    stored.SenderID,
		RecipientID: stored.RecipientID,
		Content:     stored.Content,
		IsPrivate:   stored.IsPrivate,
		Ts:          stored.Timestamp.Unix(),
	})
	if err != nil {
		e.log.Error("chat: marshal stored event failed", "err", err)
		return
	}
	if err := e.config.Publisher.PublishMessageStored(data); err != nil {
		e.log.Warn("chat: publish stored event failed", "message", stored.ID, "err", err)
	}
}

func (e *Engine) outcome(event, outcome string) {
	metrics.EventsTotal.WithLabelValues(event, outcome).Inc()
}
