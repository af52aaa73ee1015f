// Package auth verifies session tokens issued by the Steam sign-in flow and
// carries the resulting identity through request contexts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"github.com/steamquest/internal/config"
	"github.com/steamquest/internal/domain"
)

// SessionCookie is the cookie the web client stores the token in
const SessionCookie = "steamquest_session"

type contextKey string

const identityContextKey = contextKey("identity")

// claims is the token payload. Subject is the 64-bit Steam ID.
type claims struct {
	jwt.RegisteredClaims
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Admin  bool   `json:"admin,omitempty"`
}

// Verifier checks HS256 session tokens
type Verifier struct {
	secret []byte
	issuer string
	clock  clockwork.Clock
}

// ErrNoSecret is returned when the signing secret is not configured
var ErrNoSecret = errors.New("auth: jwt secret is required")

// NewVerifier creates a verifier for the configured secret and issuer.
// An empty secret is refused since anyone could sign tokens with it.
func NewVerifier(cfg *config.AuthConfig, clock clockwork.Clock) (*Verifier, error) {
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return nil, ErrNoSecret
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Verifier{
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.Issuer,
		clock:  clock,
	}, nil
}

// Issue signs a token for identity valid for ttl
func (v *Verifier) Issue(identity domain.Identity, ttl time.Duration) (string, error) {
	now := v.clock.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   identity.PlayerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name:   identity.Username,
		Avatar: identity.AvatarURL,
		Admin:  identity.Admin,
	})
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and returns the identity it carries
func (v *Verifier) Verify(raw string) (domain.Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.Identity{}, domain.ErrUnauthenticated
	}

	var parsed claims
	_, err := jwt.ParseWithClaims(raw, &parsed, func(token *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.clock.Now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.Identity{}, fmt.Errorf("%w: session expired", domain.ErrUnauthenticated)
		}
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}
	if parsed.Subject == "" {
		return domain.Identity{}, fmt.Errorf("%w: token has no subject", domain.ErrUnauthenticated)
	}

	return domain.Identity{
		PlayerID:  parsed.Subject,
		Username:  parsed.Name,
		AvatarURL: parsed.Avatar,
		Admin:     parsed.Admin,
	}, nil
}

// FromRequest reads the token from the Authorization header or the session cookie
func (v *Verifier) FromRequest(r *http.Request) (domain.Identity, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return domain.Identity{}, fmt.Errorf("%w: malformed authorization header", domain.ErrUnauthenticated)
		}
		return v.Verify(token)
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		return v.Verify(cookie.Value)
	}
	return domain.Identity{}, domain.ErrUnauthenticated
}

// WithIdentity stores identity in ctx
func WithIdentity(ctx context.Context, identity domain.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFrom returns the identity stored by WithIdentity
func IdentityFrom(ctx context.Context) (domain.Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(domain.Identity)
	return identity, ok
}
