package chat

import (
	"context"
	"errors"
	"log/slog"

	"github.com/whisper/livechat/internal/metrics"
	"github.com/whisper/livechat/internal/presence"
	"github.com/whisper/livechat/internal/protocol"
)

// Client is a live, authenticated connection as seen by the engine. The
// identity was resolved once at connect time and is the only source of
// sender fields.
type Client interface {
	presence.Conn
	Identity() presence.Identity
}

// MessageHandler handles one parsed client message. The msg parameter is the
// concrete struct returned by protocol.ParseClientMessage (e.g.
// protocol.ChatMsg, protocol.PrivateMsg).
type MessageHandler func(ctx context.Context, c Client, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It handles the built-in ping/pong keepalive
// internally and sends structured error responses for malformed or unsupported
// messages. It must be fully registered before the first Dispatch.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	log      *slog.Logger
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher(log *slog.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		log:      log,
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch parses the raw bytes into a typed message, handles ping internally,
// and routes all other types to the registered handler. Malformed payloads are
// dropped at the boundary and answered with an error frame to the sender only.
func (d *MessageDispatcher) Dispatch(ctx context.Context, c Client, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.Debug("chat: dispatch parse error", "conn", c.ID(), "type", msgType, "err", err)
		switch {
		case errors.Is(err, protocol.ErrUnknownType):
			d.sendError(c, "unsupported_type", "unsupported message type")
		case errors.Is(err, protocol.ErrInvalidPayload):
			metrics.EventsTotal.WithLabelValues(msgType, "invalid").Inc()
			d.sendError(c, "invalid_payload", "invalid message payload")
		default:
			d.sendError(c, "parse_error", "invalid message format")
		}
		return
	}

	if msgType == protocol.TypePing {
		d.send(c, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Warn("chat: no handler registered", "type", msgType, "conn", c.ID())
		d.sendError(c, "unsupported_type", "unsupported message type")
		return
	}

	handler(ctx, c, msg)
}

func (d *MessageDispatcher) sendError(c presence.Conn, code, message string) {
	d.send(c, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

// send builds a server message and enqueues it on c. Build and enqueue
// failures are logged but not propagated.
func (d *MessageDispatcher) send(c presence.Conn, msgType string, payload interface{}) bool {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		d.log.Error("chat: failed to build server message", "type", msgType, "err", err)
		return false
	}
	if !c.Send(data) {
		metrics.DeliveriesDropped.Inc()
		d.log.Debug("chat: delivery dropped", "type", msgType, "conn", c.ID())
		return false
	}
	return true
}
