package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/whisper/livechat/internal/presence"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid private_message
// ---------------------------------------------------------------------------

func TestParseClientMessage_PrivateMessage(t *testing.T) {
	input := []byte(`{"type":"private_message","toUserId":"u-2","content":"hi"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypePrivateMessage {
		t.Fatalf("expected type %q, got %q", TypePrivateMessage, msgType)
	}

	pm, ok := msg.(PrivateMsg)
	if !ok {
		t.Fatalf("expected PrivateMsg, got %T", msg)
	}
	if pm.ToUserID != "u-2" {
		t.Errorf("expected toUserId %q, got %q", "u-2", pm.ToUserID)
	}
	if pm.Content != "hi" {
		t.Errorf("expected content %q, got %q", "hi", pm.Content)
	}
}

// ---------------------------------------------------------------------------
// Test: The broadcast event name contains a space
// ---------------------------------------------------------------------------

func TestParseClientMessage_ChatMessage(t *testing.T) {
	input := []byte(`{"type":"chat message","content":"Hello!"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeChatMessage {
		t.Fatalf("expected type %q, got %q", TypeChatMessage, msgType)
	}
	if cm := msg.(ChatMsg); cm.Content != "Hello!" {
		t.Errorf("expected content %q, got %q", "Hello!", cm.Content)
	}
}

// ---------------------------------------------------------------------------
// Test: Validation at the boundary
// ---------------------------------------------------------------------------

func TestParseClientMessage_InvalidPayloads(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"empty broadcast", `{"type":"chat message","content":""}`},
		{"request without target", `{"type":"chat_request","toUsername":"bob"}`},
		{"response with bad outcome", `{"type":"chat_response","toUserId":"u-1","response":"maybe"}`},
		{"response without outcome", `{"type":"chat_response","toUserId":"u-1"}`},
		{"private without content", `{"type":"private_message","toUserId":"u-1"}`},
		{"private without target", `{"type":"private_message","content":"x"}`},
		{"wrong field type", `{"type":"private_message","toUserId":42,"content":"x"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, msg, err := ParseClientMessage([]byte(tc.input))
			if !errors.Is(err, ErrInvalidPayload) {
				t.Fatalf("expected ErrInvalidPayload, got %v", err)
			}
			if msg != nil {
				t.Errorf("expected nil message, got %v", msg)
			}
		})
	}
}

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"userOnline","userId":"u1"}`)

	msgType, msg, err := ParseClientMessage(input)
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "userOnline" {
		t.Errorf("expected returned type %q, got %q", "userOnline", msgType)
	}
}

func TestParseClientMessage_Malformed(t *testing.T) {
	for _, input := range []string{`{invalid json}`, `{"content":"no type"}`} {
		if _, _, err := ParseClientMessage([]byte(input)); !errors.Is(err, ErrMalformed) {
			t.Errorf("ParseClientMessage(%s): expected ErrMalformed, got %v", input, err)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"chat message", `{"type":"chat message","content":"hi"}`, TypeChatMessage},
		{"chat_request", `{"type":"chat_request","toUserId":"u-1","toUsername":"bob"}`, TypeChatRequest},
		{"chat_response accepted", `{"type":"chat_response","toUserId":"u-1","response":"accepted"}`, TypeChatResponse},
		{"chat_response declined", `{"type":"chat_response","toUserId":"u-1","response":"declined"}`, TypeChatResponse},
		{"private_message", `{"type":"private_message","toUserId":"u-1","content":"hi"}`, TypePrivateMessage},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Test: Server messages carry the type discriminator
// ---------------------------------------------------------------------------

func TestNewServerMessage_UserOnline(t *testing.T) {
	payload := NewOnlineUser(presence.Identity{ID: "u-1", DisplayName: "Alice", AvatarRef: "https://img/a.png"})

	data, err := NewServerMessage(TypeUserOnline, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeUserOnline {
		t.Errorf("expected type %q, got %v", TypeUserOnline, result["type"])
	}
	if result["userId"] != "u-1" || result["username"] != "Alice" {
		t.Errorf("unexpected identity fields: %v", result)
	}
	// The avatar is referenced through the proxy, never inline.
	if result["profilePic"] != "/proxy/profile-pic/u-1" {
		t.Errorf("expected proxied profilePic, got %v", result["profilePic"])
	}
}

func TestNewServerMessage_NoAvatarIsNull(t *testing.T) {
	data, err := NewServerMessage(TypeUserOnline, NewOnlineUser(presence.Identity{ID: "u-2", DisplayName: "Bob"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	v, present := result["profilePic"]
	if !present || v != nil {
		t.Errorf("expected profilePic to be null, got %v (present=%v)", v, present)
	}
}

func TestNewServerMessage_EmptyPayload(t *testing.T) {
	for _, payload := range []interface{}{SessionReplacedMsg{}, PongMsg{}, nil} {
		data, err := NewServerMessage(TypeSessionReplaced, payload)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(data) != `{"type":"session_replaced"}` {
			t.Errorf("unexpected encoding %s", data)
		}
	}
}

func TestNewServerMessage_PrivateMessageTimestamp(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	data, err := NewServerMessage(TypePrivateMessage, ServerPrivateMsg{
		FromUserID:   "u-1",
		FromUsername: "Alice",
		Content:      "hi",
		Timestamp:    ts,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded struct {
		Type string `json:"type"`
		ServerPrivateMsg
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypePrivateMessage {
		t.Errorf("type mismatch: expected %q, got %q", TypePrivateMessage, decoded.Type)
	}
	if !decoded.Timestamp.Equal(ts) {
		t.Errorf("timestamp mismatch: expected %v, got %v", ts, decoded.Timestamp)
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}
