package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ade-run/ade/internal/models"
)

// CreateSession inserts a new server-side session row backing a session
// cookie. csrfToken is generated by the caller (crypto/rand) and handed
// back to the client for the CSRF double-submit check.
func (s *Store) CreateSession(ctx context.Context, userID, csrfToken string, now time.Time, ttl time.Duration) (*models.Session, error) {
	sess := models.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		CSRFToken: csrfToken,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, csrf_token, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, sess.ID, sess.UserID, sess.CSRFToken, sess.CreatedAt, sess.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("store: create session: %w", err)
	}
	return &sess, nil
}

// GetSession fetches one session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	err := s.db.GetContext(ctx, &sess, `SELECT * FROM sessions WHERE id = $1`, id)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &sess, nil
}

// DeleteSession removes a session row, idempotent if already gone.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions removes every session past its expiry, returning
// the count removed. Intended to run periodically from a housekeeping loop.
func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("store: delete expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
