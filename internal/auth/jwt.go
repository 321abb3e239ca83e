// Package auth validates the bearer tokens presented by gateway clients and
// REST callers. Token issuance belongs to the account service; this package
// only verifies.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned for malformed, expired or mis-signed tokens.
	ErrInvalidToken = errors.New("invalid token")

	// ErrMissingToken is returned when no credential is present at all.
	ErrMissingToken = errors.New("missing token")
)

// Identity is the verified content of a bearer token.
type Identity struct {
	// Subject is the user identifier claim. When IsOpenID is true it is
	// already the canonical external id and needs no resolver round-trip.
	Subject string

	// Username is the optional legacy username claim.
	Username string

	// IsOpenID marks Subject as a canonical external id.
	IsOpenID bool
}

// claims is the wire shape of the token payload.
type claims struct {
	Username string `json:"username,omitempty"`
	IsOpenID bool   `json:"is_open_id,omitempty"`
	jwt.RegisteredClaims
}

// JWTService verifies HMAC-signed bearer tokens.
type JWTService struct {
	secret []byte
}

// NewJWTService builds a verifier with the given shared secret.
func NewJWTService(secret string) *JWTService {
	return &JWTService{secret: []byte(secret)}
}

// Validate parses and verifies a token, returning the identity it carries.
// A token whose subject and username are both empty is rejected.
func (s *JWTService) Validate(token string) (*Identity, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}

	subject := strings.TrimSpace(c.Subject)
	username := strings.TrimSpace(c.Username)
	if subject == "" && username == "" {
		return nil, ErrInvalidToken
	}
	if subject == "" {
		subject = username
	}
	return &Identity{Subject: subject, Username: username, IsOpenID: c.IsOpenID}, nil
}

// Sign issues a token for the given identity. Production tokens come from
// the account service; this exists for tooling and tests.
func (s *JWTService) Sign(id Identity, ttl time.Duration) (string, error) {
	c := claims{
		Username: id.Username,
		IsOpenID: id.IsOpenID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  id.Subject,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if ttl > 0 {
		c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
}

// ExtractToken pulls a bearer token from a request, checking the `token`
// query parameter, the Authorization header and the `token` cookie in that
// order. Gateway clients that cannot set headers use the query form.
func ExtractToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if rest, ok := strings.CutPrefix(h, "Bearer "); ok {
			return rest
		}
		return h
	}
	if c, err := r.Cookie("token"); err == nil {
		return c.Value
	}
	return ""
}
