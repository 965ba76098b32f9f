package credential

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Payload is the decoded, unverified claim set of a JWT.
type Payload struct {
	// ExpiresAt is the exp claim; zero when the token carries none.
	ExpiresAt time.Time
	Claims    map[string]any
}

// DecodePayload parses the three dot-separated base64url segments of token
// and returns its claims. The signature is NOT verified; the server does
// that. Use the result only to schedule local expiry and refresh.
func DecodePayload(token string) (Payload, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Payload{}, errors.New("token is empty")
	}
	if strings.Count(token, ".") != 2 {
		return Payload{}, errors.New("token must have three dot-separated segments")
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Payload{}, fmt.Errorf("decode token payload: %w", err)
	}

	p := Payload{Claims: map[string]any(claims)}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return Payload{}, fmt.Errorf("decode token payload: exp: %w", err)
	}
	if exp != nil {
		p.ExpiresAt = exp.Time
	}
	return p, nil
}

// IsExpired reports whether a credential expiring at expiresAt should be
// treated as expired at now, given a safety buffer: now >= expiresAt-buffer.
// A zero expiresAt never expires.
func IsExpired(expiresAt time.Time, buffer time.Duration, now time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return !now.Before(expiresAt.Add(-buffer))
}
