// Package auth covers both gateway surfaces: bearer API keys for the public
// generation API and short-lived JWT sessions for the admin API.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidSession = errors.New("invalid or expired session")

// SessionManager issues and verifies admin session tokens.
type SessionManager struct {
	secret []byte
	ttl    time.Duration
	issuer string
}

func NewSessionManager(secret string, ttl time.Duration, issuer string) (*SessionManager, error) {
	if secret == "" {
		return nil, errors.New("session secret required")
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	if issuer == "" {
		issuer = "flow2api"
	}
	return &SessionManager{secret: []byte(secret), ttl: ttl, issuer: issuer}, nil
}

// Issue returns a signed session token for the admin user.
func (sm *SessionManager) Issue(username string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(sm.ttl)

	claims := jwt.MapClaims{
		"sub": username,
		"iat": now.Unix(),
		"exp": expiresAt.Unix(),
		"iss": sm.issuer,
		"jti": uuid.NewString(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(sm.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses a session token and returns the admin username.
func (sm *SessionManager) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return sm.secret, nil
	}, jwt.WithIssuer(sm.issuer), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return "", ErrInvalidSession
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidSession
	}
	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return "", ErrInvalidSession
	}
	return subject, nil
}

// CheckAPIKey compares a presented bearer key against the configured one in
// constant time. An empty configured key disables public API auth.
func CheckAPIKey(presented, configured string) bool {
	if configured == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}
