// Package auth validates the bearer credential presented at socket handshake
// time and resolves it to a user identity. All failures are terminal for the
// connection attempt; nothing is admitted into a room without an identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/luvio/dating-app/internal/user"
)

// Handshake failure taxonomy. Callers surface these as a socket-error event
// and then close the transport.
var (
	// ErrMissingToken means no credential was presented at all.
	ErrMissingToken = errors.New("auth: token is missing")

	// ErrInvalidToken means the credential was malformed, its signature did
	// not verify, or it has expired.
	ErrInvalidToken = errors.New("auth: invalid or expired token")

	// ErrUnknownUser means the token verified but no matching user exists.
	ErrUnknownUser = errors.New("auth: user not found")
)

// accessTokenCookie is the cookie the REST tier sets at login.
const accessTokenCookie = "accessToken"

// Claims is the JWT payload issued by the REST tier's login flow.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// UserFinder resolves a user id to an identity. Implemented by user.Store.
type UserFinder interface {
	FindByID(ctx context.Context, id string) (*user.Identity, error)
}

// Authenticator verifies access tokens against a shared HMAC secret and
// resolves the embedded user id against the user store.
type Authenticator struct {
	secret []byte
	users  UserFinder
}

// New creates an Authenticator with the given signing secret and user store.
func New(secret []byte, users UserFinder) *Authenticator {
	return &Authenticator{secret: secret, users: users}
}

// TokenFromRequest extracts the access token from the handshake request:
// first the accessToken cookie, then the token query parameter (the explicit
// auth field for clients that cannot send cookies). Returns ErrMissingToken
// when neither is present.
func TokenFromRequest(r *http.Request) (string, error) {
	if c, err := r.Cookie(accessTokenCookie); err == nil && c.Value != "" {
		return c.Value, nil
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, nil
	}
	return "", ErrMissingToken
}

// Authenticate verifies the token signature and expiry and resolves the user.
// The store lookup is bounded by the caller's context.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*user.Identity, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" {
		return nil, ErrInvalidToken
	}

	ident, err := a.users.FindByID(ctx, claims.UserID)
	if errors.Is(err, user.ErrNotFound) {
		return nil, ErrUnknownUser
	}
	if err != nil {
		return nil, fmt.Errorf("auth: user lookup: %w", err)
	}
	return ident, nil
}

// GenerateToken creates a signed access token for a user. The realtime server
// never issues tokens in production (login lives in the REST tier); this
// exists for tooling and tests.
func (a *Authenticator) GenerateToken(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}
