package identity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/whisper/livechat/internal/ban"
	"github.com/whisper/livechat/internal/presence"
	"github.com/whisper/livechat/internal/ratelimit"
)

// BanChecker reports the active ban of a user. Implemented by ban.Store.
type BanChecker interface {
	Check(ctx context.Context, userID string) (*ban.Ban, error)
}

// Limiter throttles handshakes per client IP. Implemented by
// ratelimit.Limiter.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Authenticator authenticates HTTP and upgrade requests: optional per-IP
// throttling, credential resolution, then the ban check.
type Authenticator struct {
	resolver Resolver
	bans     BanChecker
	limiter  Limiter
	log      *slog.Logger
}

// NewAuthenticator creates an Authenticator. bans may be nil.
func NewAuthenticator(resolver Resolver, bans BanChecker, log *slog.Logger) *Authenticator {
	return &Authenticator{resolver: resolver, bans: bans, log: log}
}

// WithLimiter returns a copy of a that applies ratelimit.RuleConnect per
// client IP before resolving credentials.
func (a *Authenticator) WithLimiter(l Limiter) *Authenticator {
	cp := *a
	cp.limiter = l
	return &cp
}

// Authenticate resolves the identity behind r. Errors wrap ErrRateLimited,
// ErrUnauthenticated or ErrBanned.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (presence.Identity, error) {
	creds := CredentialsFromRequest(r)

	if a.limiter != nil {
		if ok, _ := a.limiter.Allow(ctx, creds.RemoteIP, ratelimit.RuleConnect); !ok {
			return presence.Identity{}, fmt.Errorf("%w: %s", ErrRateLimited, creds.RemoteIP)
		}
	}

	id, err := a.resolver.Resolve(ctx, creds)
	if err != nil {
		return presence.Identity{}, err
	}

	if a.bans != nil {
		b, err := a.bans.Check(ctx, id.ID)
		if err != nil {
			a.log.Warn("identity: ban check failed, allowing", "user", id.ID, "err", err)
		} else if b != nil {
			return presence.Identity{}, fmt.Errorf("%w: %s (%s left)", ErrBanned, b.Reason, b.Remaining)
		}
	}

	return id, nil
}
