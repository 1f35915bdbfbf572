package services

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/argus-sec/argus/backend/internal/models"
)

func setupAuthService(t *testing.T, secret string) *AuthService {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.APIClient{}))
	return NewAuthService(db, secret)
}

func TestIssueAndVerifyTokenRoundTrip(t *testing.T) {
	s := setupAuthService(t, "test-secret")

	client, err := s.CreateClient("scanner-1", "s3cr3t-key", "ingest")
	require.NoError(t, err)
	require.NotEmpty(t, client.ID)
	require.NotEqual(t, "s3cr3t-key", client.KeyHash)

	token, err := s.IssueToken("scanner-1", "s3cr3t-key")
	require.NoError(t, err)

	claims, err := s.VerifyToken(token)
	require.NoError(t, err)
	require.Equal(t, client.ID, claims.ClientID)
	require.Equal(t, "ingest", claims.Role)
	require.Equal(t, "scanner-1", claims.Subject)
}

func TestIssueTokenRejectsBadCredentials(t *testing.T) {
	s := setupAuthService(t, "test-secret")

	_, err := s.CreateClient("scanner-1", "s3cr3t-key", "ingest")
	require.NoError(t, err)

	_, err = s.IssueToken("scanner-1", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = s.IssueToken("unknown", "s3cr3t-key")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestIssueTokenRejectsDisabledClient(t *testing.T) {
	s := setupAuthService(t, "test-secret")

	client, err := s.CreateClient("scanner-1", "s3cr3t-key", "ingest")
	require.NoError(t, err)
	require.NoError(t, s.DB.Model(client).Update("enabled", false).Error)

	_, err = s.IssueToken("scanner-1", "s3cr3t-key")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestVerifyTokenRejectsWrongSecret(t *testing.T) {
	s := setupAuthService(t, "test-secret")
	other := setupAuthService(t, "other-secret")

	_, err := s.CreateClient("scanner-1", "s3cr3t-key", "ingest")
	require.NoError(t, err)
	token, err := s.IssueToken("scanner-1", "s3cr3t-key")
	require.NoError(t, err)

	_, err = other.VerifyToken(token)
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = s.VerifyToken(token + "tampered")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestEnabledReflectsSecretPresence(t *testing.T) {
	require.False(t, setupAuthService(t, "").Enabled())
	require.True(t, setupAuthService(t, "test-secret").Enabled())
}
