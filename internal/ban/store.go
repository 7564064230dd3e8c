// Package ban provides per-user ban management backed by Redis. Ban records
// are plain keys whose TTL is the remaining ban time:
//
//	Key:   ban:user:<user_id>
//	Value: <reason>
//	TTL:   ban duration
//
// Two counters with a fixed 24h window feed the bans: offenses (every
// moderation ban) and flags (soft signals such as spam heuristics).
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	BanPrefix     = "ban:user:"
	OffensePrefix = "offenses:user:"
	FlagPrefix    = "flags:user:"

	// Escalating ban durations.
	Ban15Min  = 15 * time.Minute // 1st offense
	Ban1Hour  = 1 * time.Hour    // 2nd offense
	Ban24Hour = 24 * time.Hour   // 3rd+ offense

	// CounterTTL is how long offense and flag counters live. After 24h
	// without new activity a counter resets to zero.
	CounterTTL = 24 * time.Hour

	// FlagThreshold is the number of flags within CounterTTL that turns
	// into an offense.
	FlagThreshold = 3
)

// Ban describes an active ban.
type Ban struct {
	Reason    string
	Remaining time.Duration
}

// Store manages ban records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a new ban store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Check returns the active ban of userID, or nil when the user is not
// banned. Redis errors are returned so callers can pick a policy; the
// handshake fails open.
func (s *Store) Check(ctx context.Context, userID string) (*Ban, error) {
	key := BanPrefix + userID

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ban: check: %w", err)
	}

	// The ban exists even when its TTL cannot be read.
	b := &Ban{Reason: reason}
	if ttl, err := s.client.TTL(ctx, key).Result(); err == nil && ttl > 0 {
		b.Remaining = ttl
	}
	return b, nil
}

// Ban bans userID for duration. The record expires on its own.
func (s *Store) Ban(ctx context.Context, userID string, duration time.Duration, reason string) error {
	return s.client.Set(ctx, BanPrefix+userID, reason, duration).Err()
}

// Lift removes a ban immediately.
func (s *Store) Lift(ctx context.Context, userID string) error {
	return s.client.Del(ctx, BanPrefix+userID).Err()
}

// escalationDuration returns the ban duration for a given offense count.
func escalationDuration(offenseCount int) time.Duration {
	switch {
	case offenseCount <= 1:
		return Ban15Min
	case offenseCount == 2:
		return Ban1Hour
	default:
		return Ban24Hour
	}
}

// Offenses returns the current offense count of userID (0 when expired).
func (s *Store) Offenses(ctx context.Context, userID string) (int, error) {
	val, err := s.client.Get(ctx, OffensePrefix+userID).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ban: offenses: %w", err)
	}
	return val, nil
}

// Escalate records an offense and bans userID for a duration that grows with
// the offenses in the current window:
//
//	1st offense  -> 15 minutes
//	2nd offense  -> 1 hour
//	3rd+ offense -> 24 hours
//
// Returns the ban duration that was applied.
func (s *Store) Escalate(ctx context.Context, userID string, reason string) (time.Duration, error) {
	count, err := s.incrWindow(ctx, OffensePrefix+userID)
	if err != nil {
		return 0, fmt.Errorf("ban: escalate: %w", err)
	}

	duration := escalationDuration(count)
	if err := s.Ban(ctx, userID, duration, reason); err != nil {
		return 0, fmt.Errorf("ban: escalate ban: %w", err)
	}
	return duration, nil
}

// Flag records a soft signal against userID. Reaching FlagThreshold flags in
// the window escalates to a ban; every flag past the threshold escalates
// again. Returns (banned, duration, error).
func (s *Store) Flag(ctx context.Context, userID string, reason string) (bool, time.Duration, error) {
	count, err := s.incrWindow(ctx, FlagPrefix+userID)
	if err != nil {
		return false, 0, fmt.Errorf("ban: flag: %w", err)
	}
	if count < FlagThreshold {
		return false, 0, nil
	}

	duration, err := s.Escalate(ctx, userID, reason)
	if err != nil {
		return false, 0, err
	}
	return true, duration, nil
}

// incrWindow increments a counter whose TTL is set on first increment only,
// so the window does not slide.
func (s *Store) incrWindow(ctx context.Context, key string) (int, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, CounterTTL).Err(); err != nil {
			return 0, err
		}
	}
	return int(count), nil
}
