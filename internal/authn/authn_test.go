package authn

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ade-run/ade/internal/config"
	"github.com/ade-run/ade/internal/models"
)

func TestIssueAndVerifySessionRoundTrips(t *testing.T) {
	issuer := NewTokenIssuer(config.AuthConfig{SessionTTLHours: 1}, []byte("test-secret"))
	now := time.Now()
	user := models.User{ID: "user-1", Email: "a@example.com"}

	token, expiresAt, err := issuer.IssueSession(user, "sess-1", now)
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(time.Hour), expiresAt, time.Second)

	claims, err := issuer.VerifySession(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "sess-1", claims.SessionID)
}

func TestVerifySessionRejectsForeignSecret(t *testing.T) {
	issuerA := NewTokenIssuer(config.AuthConfig{SessionTTLHours: 1}, []byte("secret-a"))
	issuerB := NewTokenIssuer(config.AuthConfig{SessionTTLHours: 1}, []byte("secret-b"))
	token, _, err := issuerA.IssueSession(models.User{ID: "u1"}, "s1", time.Now())
	require.NoError(t, err)

	_, err = issuerB.VerifySession(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifySessionRejectsExpired(t *testing.T) {
	issuer := NewTokenIssuer(config.AuthConfig{SessionTTLHours: 1}, []byte("secret"))
	past := time.Now().Add(-2 * time.Hour)
	token, _, err := issuer.IssueSession(models.User{ID: "u1"}, "s1", past)
	require.NoError(t, err)

	_, err = issuer.VerifySession(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, VerifyPassword("correct horse battery staple", hash))
	assert.False(t, VerifyPassword("wrong", hash))
}

func TestGenerateAPIKeyProducesDistinctSecrets(t *testing.T) {
	prefix1, secret1, err := GenerateAPIKey()
	require.NoError(t, err)
	prefix2, secret2, err := GenerateAPIKey()
	require.NoError(t, err)

	assert.NotEqual(t, prefix1, prefix2)
	assert.NotEqual(t, secret1, secret2)
}

func TestHashAPIKeySecretDeterministic(t *testing.T) {
	assert.Equal(t, HashAPIKeySecret("abc"), HashAPIKeySecret("abc"))
	assert.NotEqual(t, HashAPIKeySecret("abc"), HashAPIKeySecret("abd"))
}

func TestHasRoleOrdering(t *testing.T) {
	assert.True(t, HasRole(RoleWorkspaceAdmin, RoleWorkspaceViewer))
	assert.True(t, HasRole(RoleWorkspaceEditor, RoleWorkspaceEditor))
	assert.False(t, HasRole(RoleWorkspaceViewer, RoleWorkspaceEditor))
	assert.False(t, HasRole("", RoleWorkspaceViewer))
}

func TestRequireWorkspaceRoleSessionUsesMemberships(t *testing.T) {
	p := &Principal{Credentials: CredentialSession}
	memberships := map[string]string{"ws1": RoleWorkspaceEditor}

	assert.NoError(t, RequireWorkspaceRole(p, "ws1", RoleWorkspaceViewer, memberships))
	err := RequireWorkspaceRole(p, "ws1", RoleWorkspaceAdmin, memberships)
	require.Error(t, err)
	var denied *AccessDeniedError
	assert.ErrorAs(t, err, &denied)
}

func TestRequireWorkspaceRoleAPIKeyScopedToOwnWorkspace(t *testing.T) {
	p := &Principal{Credentials: CredentialAPIKey, APIKeyWorkspaceID: "ws1", APIKeyRole: RoleWorkspaceEditor}

	assert.NoError(t, RequireWorkspaceRole(p, "ws1", RoleWorkspaceViewer, nil))
	assert.Error(t, RequireWorkspaceRole(p, "ws2", RoleWorkspaceViewer, nil))
}

func TestIsGlobalAdmin(t *testing.T) {
	p := &Principal{User: &models.User{GlobalRole: sql.NullString{String: GlobalAdminRole, Valid: true}}}
	assert.True(t, p.IsGlobalAdmin())

	p2 := &Principal{User: &models.User{}}
	assert.False(t, p2.IsGlobalAdmin())

	p3 := &Principal{Credentials: CredentialAPIKey}
	assert.False(t, p3.IsGlobalAdmin())
}

func TestPrincipalCacheGetPutExpiry(t *testing.T) {
	cache, err := NewPrincipalCache(4, 10*time.Millisecond)
	require.NoError(t, err)
	now := time.Now()
	principal := &Principal{Credentials: CredentialSession, SessionID: "s1"}

	cache.Put("tok", principal, now)
	got, ok := cache.Get("tok", now)
	require.True(t, ok)
	assert.Same(t, principal, got)

	_, ok = cache.Get("tok", now.Add(time.Second))
	assert.False(t, ok)
}

func TestCheckCSRF(t *testing.T) {
	assert.NoError(t, CheckCSRF("abc", "abc"))
	assert.Error(t, CheckCSRF("abc", "def"))
	assert.Error(t, CheckCSRF("", "def"))
	assert.Error(t, CheckCSRF("abc", ""))
}

type fakeAPIKeyLookup struct {
	key     *models.APIKey
	touched []string
}

func (f *fakeAPIKeyLookup) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*models.APIKey, error) {
	if f.key != nil && f.key.KeyPrefix == prefix {
		return f.key, nil
	}
	return nil, nil
}

func (f *fakeAPIKeyLookup) TouchAPIKey(ctx context.Context, apiKeyID string, now time.Time) error {
	f.touched = append(f.touched, apiKeyID)
	return nil
}

func TestAuthenticateAPIKeySuccess(t *testing.T) {
	secret := "s3cr3t"
	lookup := &fakeAPIKeyLookup{key: &models.APIKey{
		ID:          "key-1",
		WorkspaceID: "ws1",
		KeyPrefix:   "ade_abc",
		KeyHash:     HashAPIKeySecret(secret),
		Role:        RoleWorkspaceEditor,
	}}

	principal, err := AuthenticateAPIKey(context.Background(), lookup, "ade_abc."+secret, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "ws1", principal.APIKeyWorkspaceID)
	assert.Equal(t, RoleWorkspaceEditor, principal.APIKeyRole)
	assert.Equal(t, []string{"key-1"}, lookup.touched)
}

func TestAuthenticateAPIKeyRejectsWrongSecret(t *testing.T) {
	lookup := &fakeAPIKeyLookup{key: &models.APIKey{
		KeyPrefix: "ade_abc",
		KeyHash:   HashAPIKeySecret("correct"),
	}}
	_, err := AuthenticateAPIKey(context.Background(), lookup, "ade_abc.wrong", time.Now())
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticateAPIKeyRejectsRevoked(t *testing.T) {
	secret := "s3cr3t"
	now := time.Now()
	lookup := &fakeAPIKeyLookup{key: &models.APIKey{
		KeyPrefix: "ade_abc",
		KeyHash:   HashAPIKeySecret(secret),
		RevokedAt: sql.NullTime{Time: now.Add(-time.Minute), Valid: true},
	}}
	_, err := AuthenticateAPIKey(context.Background(), lookup, "ade_abc."+secret, now)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticateAPIKeyRejectsMalformedRaw(t *testing.T) {
	lookup := &fakeAPIKeyLookup{}
	_, err := AuthenticateAPIKey(context.Background(), lookup, "not-a-key", time.Now())
	assert.ErrorIs(t, err, ErrInvalidToken)
}
