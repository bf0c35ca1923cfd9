// Package auth verifies the bearer tokens minted by the account service.
// Tokens are HS256 JWTs whose sub claim carries the user id. The core
// never issues production tokens; it only checks them.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenExpired is reported separately from other verification failures
// so the HTTP layer can tell clients to refresh instead of re-login.
var (
	ErrNoToken      = errors.New("auth: no bearer token")
	ErrTokenExpired = errors.New("auth: token expired")
	ErrTokenInvalid = errors.New("auth: token invalid")
)

// Identity is a verified caller.
type Identity struct {
	UserID string
}

// Verifier validates HS256 bearer tokens against a shared secret.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

// Verify parses and validates a raw token and returns the caller identity.
func (v *Verifier) Verify(raw string) (Identity, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrTokenExpired
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing sub claim", ErrTokenInvalid)
	}
	return Identity{UserID: claims.Subject}, nil
}

// VerifyRequest extracts and verifies the caller identity from an HTTP
// request. ErrNoToken means the request carried no credentials at all,
// which some endpoints treat as anonymous rather than rejected.
func (v *Verifier) VerifyRequest(r *http.Request) (Identity, error) {
	raw, ok := TokenFromRequest(r)
	if !ok {
		return Identity{}, ErrNoToken
	}
	return v.Verify(raw)
}

// TokenFromRequest pulls the bearer token from the Authorization header,
// falling back to the token query parameter used by WebSocket handshakes
// where custom headers are not always available.
func TokenFromRequest(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") && strings.TrimSpace(parts[1]) != "" {
			return strings.TrimSpace(parts[1]), true
		}
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, true
	}
	return "", false
}

// Mint issues a signed token for the given user id. Used by tests and the
// debug tooling only.
func (v *Verifier) Mint(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}
