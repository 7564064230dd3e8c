package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/whisper/livechat/loadtest/client"
)

// inbox records the frames of selected types a client received, so a
// scenario can both wait for a frame and later assert how many arrived.
type inbox struct {
	mu     sync.Mutex
	frames map[string][]json.RawMessage
	notify chan struct{}
}

func newInbox() *inbox {
	return &inbox{
		frames: make(map[string][]json.RawMessage),
		notify: make(chan struct{}, 1),
	}
}

// watch registers handlers on c for every type in types.
func watch(c *client.Client, types ...string) *inbox {
	in := newInbox()
	for _, t := range types {
		c.On(t, func(raw json.RawMessage) { in.add(t, raw) })
	}
	return in
}

func (in *inbox) add(msgType string, raw json.RawMessage) {
	in.mu.Lock()
	in.frames[msgType] = append(in.frames[msgType], raw)
	in.mu.Unlock()

	select {
	case in.notify <- struct{}{}:
	default:
	}
}

func (in *inbox) count(msgType string) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.frames[msgType])
}

// wait returns the first frame of msgType accepted by match (nil accepts
// any), including frames that arrived before the call.
func (in *inbox) wait(ctx context.Context, msgType string, match func(json.RawMessage) bool) (json.RawMessage, error) {
	for {
		in.mu.Lock()
		for _, raw := range in.frames[msgType] {
			if match == nil || match(raw) {
				in.mu.Unlock()
				return raw, nil
			}
		}
		in.mu.Unlock()

		select {
		case <-in.notify:
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for %s: %w", msgType, ctx.Err())
		}
	}
}

// fromUser matches frames whose field equals userID.
func fromUser(field, userID string) func(json.RawMessage) bool {
	return func(raw json.RawMessage) bool {
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err != nil {
			return false
		}
		return m[field] == userID
	}
}
