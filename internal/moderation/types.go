package moderation

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Result is published on moderation.result when a stored message led to a
// ban. The WebSocket server disconnects the user on receipt.
type Result struct {
	UserID     string `json:"user_id"`
	MessageID  string `json:"message_id"`
	Reason     string `json:"reason"`
	Term       string `json:"term"`
	BanSeconds int    `json:"ban_seconds"`
}

var errNoUser = errors.New("moderation: result without user_id")

// DecodeResult parses a published Result. The user to enforce against comes
// from the payload, never from the subject.
func DecodeResult(data []byte) (Result, error) {
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return Result{}, fmt.Errorf("moderation: decode result: %w", err)
	}
	if res.UserID == "" {
		return Result{}, errNoUser
	}
	return res, nil
}
