package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/whisper/livechat/internal/presence"
	"github.com/whisper/livechat/internal/session"
)

// SessionResolver resolves opaque session tokens stored in Redis.
type SessionResolver struct {
	store *session.Store
}

// NewSessionResolver creates a SessionResolver.
func NewSessionResolver(store *session.Store) *SessionResolver {
	return &SessionResolver{store: store}
}

// Resolve looks up the identity bound to a session token in Redis.
func (r *SessionResolver) Resolve(ctx context.Context, creds Credentials) (presence.Identity, error) {
	if creds.Token == "" {
		return presence.Identity{}, ErrUnauthenticated
	}
	id, err := r.store.Resolve(ctx, creds.Token)
	if errors.Is(err, session.ErrNotFound) {
		return presence.Identity{}, fmt.Errorf("%w: unknown session", ErrUnauthenticated)
	}
	if err != nil {
		return presence.Identity{}, fmt.Errorf("identity: resolve session: %w", err)
	}
	return id, nil
}
