// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/whisper/livechat/internal/presence"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeChatMessage    = "chat message"
	TypeChatRequest    = "chat_request"
	TypeChatResponse   = "chat_response"
	TypePrivateMessage = "private_message"
	TypePing           = "ping"
)

// Server -> Client message types. TypeChatMessage and TypePrivateMessage are
// used in both directions.
const (
	TypeCurrentOnlineUsers       = "currentOnlineUsers"
	TypeUserOnline               = "userOnline"
	TypeUserOffline              = "userOffline"
	TypeChatNotification         = "chat_notification"
	TypeChatResponseNotification = "chat_response_notification"
	TypeNewMessageNotification   = "new_message_notification"
	TypeSessionReplaced          = "session_replaced"
	TypeRateLimited              = "rate_limited"
	TypeBanned                   = "banned"
	TypeError                    = "error"
	TypePong                     = "pong"
)

// Chat handshake outcomes.
const (
	ResponseAccepted = "accepted"
	ResponseDeclined = "declined"
)

// ProfilePicPrefix is the path of the avatar proxy. Avatars are never
// delivered inline, only as a reference the client fetches by user id.
const ProfilePicPrefix = "/proxy/profile-pic/"

// Parse errors. Callers use errors.Is to pick the error code sent back.
var (
	ErrMalformed      = errors.New("protocol: malformed message")
	ErrUnknownType    = errors.New("protocol: unknown client message type")
	ErrInvalidPayload = errors.New("protocol: invalid payload")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ---------------------------------------------------------------------------
// Envelope: used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// ChatMsg is a public message broadcast to every online user.
type ChatMsg struct {
	Type    string `json:"type"`
	Content string `json:"content" validate:"required"`
}

// ChatRequestMsg asks another user to open a private conversation.
type ChatRequestMsg struct {
	Type       string `json:"type"`
	ToUserID   string `json:"toUserId" validate:"required,max=128"`
	ToUsername string `json:"toUsername" validate:"max=256"`
}

// ChatResponseMsg accepts or declines a chat request.
type ChatResponseMsg struct {
	Type       string `json:"type"`
	ToUserID   string `json:"toUserId" validate:"required,max=128"`
	ToUsername string `json:"toUsername" validate:"max=256"`
	Response   string `json:"response" validate:"required,oneof=accepted declined"`
}

// PrivateMsg is a direct message to a single user.
type PrivateMsg struct {
	Type     string `json:"type"`
	ToUserID string `json:"toUserId" validate:"required,max=128"`
	Content  string `json:"content" validate:"required"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// OnlineUser describes one online user in presence messages.
type OnlineUser struct {
	UserID     string  `json:"userId"`
	Username   string  `json:"username"`
	ProfilePic *string `json:"profilePic"`
}

// CurrentOnlineUsersMsg is the presence snapshot sent to a newly connected
// client. It never contains the client itself.
type CurrentOnlineUsersMsg struct {
	Users []OnlineUser `json:"users"`
}

// UserOnlineMsg announces that a user came online.
type UserOnlineMsg = OnlineUser

// UserOfflineMsg announces that a user went offline.
type UserOfflineMsg struct {
	UserID string `json:"userId"`
}

// ServerChatMsg is a persisted public message relayed to every client.
type ServerChatMsg struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatNotificationMsg tells the target that someone wants to chat.
type ChatNotificationMsg struct {
	FromUserID     string    `json:"fromUserId"`
	FromUsername   string    `json:"fromUsername"`
	FromProfilePic *string   `json:"fromProfilePic"`
	Message        string    `json:"message"`
	Timestamp      time.Time `json:"timestamp"`
}

// ChatResponseNotificationMsg relays the outcome of a chat request back to
// the requester.
type ChatResponseNotificationMsg struct {
	FromUserID   string    `json:"fromUserId"`
	FromUsername string    `json:"fromUsername"`
	Response     string    `json:"response"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
}

// ServerPrivateMsg is a persisted private message delivered to its recipient.
type ServerPrivateMsg struct {
	FromUserID   string    `json:"fromUserId"`
	FromUsername string    `json:"fromUsername"`
	Content      string    `json:"content"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewMessageNotificationMsg is delivered alongside every private message so
// the recipient can surface it even outside the conversation view.
type NewMessageNotificationMsg struct {
	FromUserID     string    `json:"fromUserId"`
	FromUsername   string    `json:"fromUsername"`
	FromProfilePic *string   `json:"fromProfilePic"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

// SessionReplacedMsg is sent to a connection that was superseded by a newer
// connection of the same user, right before it is closed.
type SessionReplacedMsg struct{}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	RetryAfter int `json:"retry_after"`
}

// BannedMsg is sent by the server when the client has been banned.
type BannedMsg struct {
	Duration int    `json:"duration"`
	Reason   string `json:"reason"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ProfilePicURL returns the proxy path for a user's avatar, or nil when the
// identity has none.
func ProfilePicURL(id presence.Identity) *string {
	if !id.HasAvatar() {
		return nil
	}
	url := ProfilePicPrefix + id.ID
	return &url
}

// NewOnlineUser builds the presence description of an identity.
func NewOnlineUser(id presence.Identity) OnlineUser {
	return OnlineUser{
		UserID:     id.ID,
		Username:   id.DisplayName,
		ProfilePic: ProfilePicURL(id),
	}
}

// ParseClientMessage parses raw WebSocket bytes into a typed, validated client
// message. It returns the message type string, the decoded struct, and an
// error wrapping ErrMalformed, ErrUnknownType or ErrInvalidPayload.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeChatMessage:
		var m ChatMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = validate.Struct(m)
		}
		msg = m
	case TypeChatRequest:
		var m ChatRequestMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = validate.Struct(m)
		}
		msg = m
	case TypeChatResponse:
		var m ChatResponseMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = validate.Struct(m)
		}
		msg = m
	case TypePrivateMessage:
		var m PrivateMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = validate.Struct(m)
		}
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("%w: %q: %v", ErrInvalidPayload, env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]interface{}, 1)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
