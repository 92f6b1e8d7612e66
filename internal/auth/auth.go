// Package auth verifies client-presented tokens. Token issuance belongs to
// the surrounding platform; the transport only consumes a Verifier.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
)

// Verifier resolves a bearer token to an authenticated user identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

// ErrInvalidToken is returned for unknown or empty tokens.
var ErrInvalidToken = fmt.Errorf("invalid token")

// StaticVerifier maps fixed tokens to user IDs. It backs dev deployments
// and tests; production wires the platform's token service instead.
type StaticVerifier struct {
	tokens map[string]string // token -> userID
}

// NewStaticVerifier parses "user:token" pairs separated by commas, e.g.
// "alice:s3cret,bob:hunter2".
func NewStaticVerifier(pairs string) (*StaticVerifier, error) {
	v := &StaticVerifier{tokens: make(map[string]string)}
	for _, pair := range strings.Split(pairs, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		user, token, ok := strings.Cut(pair, ":")
		if !ok || user == "" || token == "" {
			return nil, fmt.Errorf("malformed token pair %q", pair)
		}
		v.tokens[token] = user
	}
	return v, nil
}

func (v *StaticVerifier) Verify(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	for candidate, user := range v.tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return user, nil
		}
	}
	return "", ErrInvalidToken
}

// InsecureVerifier treats the token itself as the user ID. Dev-only
// fallback for when no token pairs are configured; never run this in
// production.
type InsecureVerifier struct{}

func (InsecureVerifier) Verify(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}
