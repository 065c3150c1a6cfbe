package authn

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ade-run/ade/internal/models"
)

// APIKeyLookup resolves an API key's stored row by its prefix. Defined
// here rather than taking a concrete store type so this package stays
// free of any dependency on the HTTP-side data-access layer.
type APIKeyLookup interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) (*models.APIKey, error)
	TouchAPIKey(ctx context.Context, apiKeyID string, now time.Time) error
}

// AuthenticateAPIKey verifies a raw "<prefix>.<secret>" key against
// lookup and returns the resolved principal.
func AuthenticateAPIKey(ctx context.Context, lookup APIKeyLookup, rawKey string, now time.Time) (*Principal, error) {
	prefix, secret, ok := strings.Cut(rawKey, ".")
	if !ok || prefix == "" || secret == "" {
		return nil, ErrInvalidToken
	}

	record, err := lookup.GetAPIKeyByPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("authn: lookup api key: %w", err)
	}
	if record == nil {
		return nil, ErrInvalidToken
	}
	if record.RevokedAt.Valid && !record.RevokedAt.Time.After(now) {
		return nil, ErrInvalidToken
	}
	if record.KeyHash != HashAPIKeySecret(secret) {
		return nil, ErrInvalidToken
	}

	if err := lookup.TouchAPIKey(ctx, record.ID, now); err != nil {
		return nil, fmt.Errorf("authn: touch api key: %w", err)
	}

	return &Principal{
		Credentials:       CredentialAPIKey,
		APIKeyID:          record.ID,
		APIKeyWorkspaceID: record.WorkspaceID,
		APIKeyRole:        record.Role,
	}, nil
}
