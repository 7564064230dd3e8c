// Package identity resolves the credentials presented on a connection
// handshake or an API request into a stable user identity.
package identity

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/whisper/livechat/internal/presence"
)

var (
	ErrUnauthenticated = errors.New("identity: unauthenticated")
	ErrBanned          = errors.New("identity: banned")
	ErrRateLimited     = errors.New("identity: rate limited")
)

// SessionCookie is the cookie carrying the session token.
const SessionCookie = "session"

// Credentials are the handshake credentials of a connection.
type Credentials struct {
	Token    string
	RemoteIP string
}

// Resolver turns credentials into an identity. Implementations return an
// error wrapping ErrUnauthenticated for unknown or invalid credentials.
type Resolver interface {
	Resolve(ctx context.Context, creds Credentials) (presence.Identity, error)
}

// CredentialsFromRequest extracts the token from the session cookie, the
// "token" query parameter or a bearer Authorization header, in that order.
func CredentialsFromRequest(r *http.Request) Credentials {
	creds := Credentials{RemoteIP: ClientIP(r)}

	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		creds.Token = c.Value
		return creds
	}
	if t := r.URL.Query().Get("token"); t != "" {
		creds.Token = t
		return creds
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		creds.Token = strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return creds
}

// ClientIP returns the client address, honouring the first X-Forwarded-For
// hop set by the load balancer.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type ctxKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id presence.Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (presence.Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(presence.Identity)
	return id, ok
}
