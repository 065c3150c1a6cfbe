package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ade-run/ade/internal/models"
)

// CreateUser inserts a new user with an already-hashed password.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash string, now time.Time) (*models.User, error) {
	u := models.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, u.ID, u.Email, u.PasswordHash, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: create user: %w", err)
	}
	return &u, nil
}

// GetUser fetches one user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE id = $1`, id)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &u, nil
}

// GetUserByEmail fetches one user by email, used on the password login path.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE email = $1`, email)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &u, nil
}

// SetGlobalRole grants or clears a user's platform-wide role (currently
// only the global_admin role is meaningful). Pass "" to clear it.
func (s *Store) SetGlobalRole(ctx context.Context, userID, role string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET global_role = $2, updated_at = $3 WHERE id = $1
	`, userID, sql.NullString{String: role, Valid: role != ""}, now)
	if err != nil {
		return fmt.Errorf("store: set global role: %w", err)
	}
	return nil
}

// ListUsers returns every user, ordered by email.
func (s *Store) ListUsers(ctx context.Context) ([]models.User, error) {
	var rows []models.User
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM users ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("store: list users: %w", err)
	}
	return rows, nil
}
