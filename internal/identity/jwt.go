package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/whisper/livechat/internal/chat"
	"github.com/whisper/livechat/internal/presence"
)

const tokenIssuer = "livechat"

// Claims is the payload of a livechat access token.
type Claims struct {
	UserID     string `json:"user_id"`
	Username   string `json:"username"`
	ProfilePic string `json:"profile_pic,omitempty"`
	jwt.RegisteredClaims
}

// JWTResolver validates HS256 tokens. When a user lookup is configured the
// display name and avatar are refreshed from it, and users that no longer
// exist are rejected.
type JWTResolver struct {
	secret []byte
	users  chat.UserLookup
}

// NewJWTResolver creates a JWTResolver. users may be nil.
func NewJWTResolver(secret string, users chat.UserLookup) *JWTResolver {
	return &JWTResolver{secret: []byte(secret), users: users}
}

// Issue signs a token for id valid for ttl.
func (r *JWTResolver) Issue(id presence.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:     id.ID,
		Username:   id.DisplayName,
		ProfilePic: id.AvatarRef,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}

// Resolve verifies an HMAC-signed token and maps its claims to an identity.
func (r *JWTResolver) Resolve(ctx context.Context, creds Credentials) (presence.Identity, error) {
	if creds.Token == "" {
		return presence.Identity{}, ErrUnauthenticated
	}

	token, err := jwt.ParseWithClaims(creds.Token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrInvalidKey
		}
		return r.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
	if err != nil {
		return presence.Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return presence.Identity{}, fmt.Errorf("%w: invalid claims", ErrUnauthenticated)
	}

	id := presence.Identity{
		ID:          claims.UserID,
		DisplayName: claims.Username,
		AvatarRef:   claims.ProfilePic,
	}
	if r.users == nil {
		return id, nil
	}

	current, err := r.users.GetUser(ctx, claims.UserID)
	if errors.Is(err, chat.ErrUserNotFound) {
		return presence.Identity{}, fmt.Errorf("%w: unknown user %s", ErrUnauthenticated, claims.UserID)
	}
	if err != nil {
		return presence.Identity{}, fmt.Errorf("identity: load user: %w", err)
	}
	return current, nil
}
