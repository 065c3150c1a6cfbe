// Package authn resolves the control plane's request identities: signed
// session cookies, bearer API keys, and the workspace-scoped roles they
// carry. Verified principals are cached so a busy endpoint doesn't rehash
// or re-verify a token on every call.
package authn

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/ade-run/ade/internal/config"
	"github.com/ade-run/ade/internal/models"
)

// Workspace membership roles, re-exported from internal/models so callers
// in this package don't need a second import for role constants.
const (
	RoleWorkspaceAdmin  = models.RoleWorkspaceAdmin
	RoleWorkspaceEditor = models.RoleWorkspaceEditor
	RoleWorkspaceViewer = models.RoleWorkspaceViewer
)

// Credential kinds a request can authenticate with.
const (
	CredentialSession = "session_cookie"
	CredentialAPIKey  = "api_key"
)

var (
	// ErrInvalidToken is returned for malformed or unverifiable tokens.
	ErrInvalidToken = errors.New("authn: invalid token")
	// ErrTokenExpired is returned when a token's exp claim has passed.
	ErrTokenExpired = errors.New("authn: token expired")
	// ErrUserInactive is returned when the principal's account cannot authenticate.
	ErrUserInactive = errors.New("authn: user inactive")
)

// Principal is the resolved identity of an authenticated request. Session
// credentials resolve to a User; API keys are workspace-scoped and carry
// no user identity, only the workspace and role they were issued for.
type Principal struct {
	Credentials string
	User        *models.User
	SessionID   string

	APIKeyID          string
	APIKeyWorkspaceID string
	APIKeyRole        string
}

// WorkspaceRole returns the role this principal holds within workspaceID,
// or "" if the principal has no standing there at all. Session principals
// are resolved against memberships by the caller; API-key principals are
// scoped to exactly one workspace and answer directly.
func (p *Principal) WorkspaceRole(workspaceID string, memberships map[string]string) string {
	if p.Credentials == CredentialAPIKey {
		if p.APIKeyWorkspaceID == workspaceID {
			return p.APIKeyRole
		}
		return ""
	}
	return memberships[workspaceID]
}

// Claims is the JWT payload for session access tokens.
type Claims struct {
	UserID    string `json:"uid"`
	Email     string `json:"email"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies session JWTs with a shared HS256 secret.
type TokenIssuer struct {
	secret     []byte
	issuer     string
	sessionTTL time.Duration
}

// NewTokenIssuer builds a TokenIssuer from auth configuration and a
// deployment-wide signing secret.
func NewTokenIssuer(cfg config.AuthConfig, secret []byte) *TokenIssuer {
	ttl := time.Duration(cfg.SessionTTLHours) * time.Hour
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{secret: secret, issuer: "ade-apiserver", sessionTTL: ttl}
}

// IssueSession mints an access token for user bound to sessionID.
func (t *TokenIssuer) IssueSession(user models.User, sessionID string, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(t.sessionTTL)
	claims := Claims{
		UserID:    user.ID,
		Email:     user.Email,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("authn: sign session token: %w", err)
	}
	return signed, expiresAt, nil
}

// VerifySession parses and validates a session access token.
func (t *TokenIssuer) VerifySession(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// HashPassword bcrypt-hashes a plaintext password for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("authn: hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether password matches the stored bcrypt hash.
func VerifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// GenerateAPIKey returns a new prefix and secret pair. The raw key handed to
// the caller is "<prefix>.<secret>"; only the prefix and a hash of the
// secret are ever persisted.
func GenerateAPIKey() (prefix, secret string, err error) {
	prefixBytes := make([]byte, 6)
	if _, err = rand.Read(prefixBytes); err != nil {
		return "", "", fmt.Errorf("authn: generate prefix: %w", err)
	}
	secretBytes := make([]byte, 24)
	if _, err = rand.Read(secretBytes); err != nil {
		return "", "", fmt.Errorf("authn: generate secret: %w", err)
	}
	return "ade_" + hex.EncodeToString(prefixBytes), hex.EncodeToString(secretBytes), nil
}

// HashAPIKeySecret derives the stored hash for an API key's secret half.
// A plain SHA-256 (not bcrypt) is used deliberately: the secret already
// carries 192 bits of entropy from GenerateAPIKey, so a slow KDF buys
// nothing and would make every authenticated request pay bcrypt's cost.
func HashAPIKeySecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// RoleRank orders workspace roles from least to most privileged so
// RBAC checks can compare with >=.
func RoleRank(role string) int {
	switch role {
	case RoleWorkspaceViewer:
		return 1
	case RoleWorkspaceEditor:
		return 2
	case RoleWorkspaceAdmin:
		return 3
	default:
		return 0
	}
}

// HasRole reports whether actual meets or exceeds the required role.
func HasRole(actual, required string) bool {
	return RoleRank(actual) >= RoleRank(required)
}

type contextKey int

const principalContextKey contextKey = iota

// WithPrincipal returns a context carrying the resolved principal.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// FromContext returns the principal attached to ctx, if any.
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(*Principal)
	return p, ok
}
