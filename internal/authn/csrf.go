package authn

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RevocationStore tracks revoked session IDs in Redis so every apiserver
// replica rejects a logged-out session's access token immediately,
// without waiting for its JWT to expire naturally.
type RevocationStore struct {
	client *redis.Client
}

// NewRevocationStore wraps an existing redis client.
func NewRevocationStore(client *redis.Client) *RevocationStore {
	return &RevocationStore{client: client}
}

func revocationKey(sessionID string) string {
	return "ade:session:revoked:" + sessionID
}

// Revoke marks sessionID revoked until its own expiry, after which the
// key is left to expire out of Redis on its own.
func (s *RevocationStore) Revoke(ctx context.Context, sessionID string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := s.client.Set(ctx, revocationKey(sessionID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("authn: revoke session: %w", err)
	}
	return nil
}

// IsRevoked reports whether sessionID has been revoked. A nil store (no
// Redis configured) reports every session as not revoked.
func (s *RevocationStore) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	if s == nil || s.client == nil {
		return false, nil
	}
	n, err := s.client.Exists(ctx, revocationKey(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("authn: check revocation: %w", err)
	}
	return n > 0, nil
}

// CSRFMismatchError is returned when a mutating request's CSRF header
// doesn't match the session's issued token.
type CSRFMismatchError struct {
	Reason string
}

func (e *CSRFMismatchError) Error() string {
	return fmt.Sprintf("authn: csrf mismatch: %s", e.Reason)
}

// CheckCSRF performs a constant-time comparison of the header token
// against the session's stored token. Safe HTTP methods should never
// reach this: callers filter those out before calling CheckCSRF.
func CheckCSRF(headerToken, sessionToken string) error {
	if headerToken == "" {
		return &CSRFMismatchError{Reason: "missing header token"}
	}
	if sessionToken == "" {
		return &CSRFMismatchError{Reason: "missing session token"}
	}
	if subtle.ConstantTimeCompare([]byte(headerToken), []byte(sessionToken)) != 1 {
		return &CSRFMismatchError{Reason: "token mismatch"}
	}
	return nil
}
