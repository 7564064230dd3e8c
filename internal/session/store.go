package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/livechat/internal/presence"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// SessionTTL is the default time-to-live for session keys in Redis.
	SessionTTL = 24 * time.Hour
)

// ErrNotFound is returned when a token has no live session.
var ErrNotFound = errors.New("session: not found")

// Session is the state stored for one login token.
type Session struct {
	UserID     string `redis:"user_id"`
	Username   string `redis:"username"`
	ProfilePic string `redis:"profile_pic"`
	Server     string `redis:"server"`      // WS server instance that last resolved it
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Identity returns the user identity held by the session.
func (s Session) Identity() presence.Identity {
	return presence.Identity{
		ID:          s.UserID,
		DisplayName: s.Username,
		AvatarRef:   s.ProfilePic,
	}
}

// Store manages session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance
	ttl        time.Duration
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, serverName), nil
}

// NewStoreWithClient creates a session store on an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName, ttl: SessionTTL}
}

// Create stores a session for token with the default TTL.
func (s *Store) Create(ctx context.Context, token string, id presence.Identity) error {
	key := SessionPrefix + token
	now := time.Now().Unix()

	session := map[string]interface{}{
		"user_id":     id.ID,
		"username":    id.DisplayName,
		"profile_pic": id.AvatarRef,
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, session)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create: %w", err)
	}
	return nil
}

// Get retrieves the session for token. It returns ErrNotFound when the token
// is unknown or expired.
func (s *Store) Get(ctx context.Context, token string) (*Session, error) {
	key := SessionPrefix + token
	var session Session
	if err := s.client.HGetAll(ctx, key).Scan(&session); err != nil {
		return nil, fmt.Errorf("session: get: %w", err)
	}
	if session.UserID == "" {
		return nil, ErrNotFound
	}
	return &session, nil
}

// Resolve returns the identity behind token and marks the session active on
// this server, extending its TTL.
func (s *Store) Resolve(ctx context.Context, token string) (presence.Identity, error) {
	session, err := s.Get(ctx, token)
	if err != nil {
		return presence.Identity{}, err
	}

	key := SessionPrefix + token
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "server", s.serverName, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, s.ttl)
	// A failed refresh only shortens the session's life.
	_, _ = pipe.Exec(ctx)
	return session.Identity(), nil
}

// Delete removes a session from Redis.
func (s *Store) Delete(ctx context.Context, token string) error {
	key := SessionPrefix + token
	return s.client.Del(ctx, key).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
