package auth

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantguard/pkg/authzerr"
)

func TestTokenGenerator_GenerateToken(t *testing.T) {
	tg := NewTokenGenerator()

	token, tokenHash, tokenPrefix, err := tg.GenerateToken()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(token, TokenPrefix))
	assert.Len(t, tokenHash, 64)
	assert.Equal(t, tg.HashToken(token), tokenHash)
	assert.Len(t, tokenPrefix, len(TokenPrefix)+8)
	assert.NoError(t, tg.ValidateTokenFormat(token))
}

func TestTokenGenerator_Uniqueness(t *testing.T) {
	tg := NewTokenGenerator()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token, _, _, err := tg.GenerateToken()
		require.NoError(t, err)
		assert.False(t, seen[token], "duplicate token")
		seen[token] = true
	}
}

func TestTokenGenerator_ValidateTokenFormat(t *testing.T) {
	tg := NewTokenGenerator()
	assert.Error(t, tg.ValidateTokenFormat("legacy_abc"))
	assert.Error(t, tg.ValidateTokenFormat(TokenPrefix))
	assert.Error(t, tg.ValidateTokenFormat(TokenPrefix+"!!!"))
	assert.Equal(t, "", tg.ExtractPrefix("nope"))
}

func newMockKeyStore(t *testing.T) (*APIKeyStore, sqlmock.Sqlmock, *sql.DB) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	store := NewAPIKeyStore(db)
	store.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return store, mock, db
}

var keyColumns = []string{"id", "organization_id", "user_id", "token_prefix", "name", "expires_at", "last_used_at", "created_at", "revoked_at"}

func TestAPIKeyStore_CreateAndAuthenticate(t *testing.T) {
	store, mock, db := newMockKeyStore(t)
	defer db.Close()
	ctx := context.Background()

	mock.ExpectQuery(`INSERT INTO api_keys`).
		WithArgs(int64(1), int64(42), sqlmock.AnyArg(), sqlmock.AnyArg(), "ci", nil, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(9))

	key, token, err := store.Create(ctx, 1, 42, "ci", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(9), key.ID)
	assert.Equal(t, store.generator.HashToken(token), key.TokenHash)

	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM api_keys\s+WHERE token_hash = \$1`).
		WithArgs(key.TokenHash).
		WillReturnRows(sqlmock.NewRows(keyColumns).AddRow(9, 1, 42, key.TokenPrefix, "ci", nil, nil, created, nil))
	mock.ExpectExec(`UPDATE api_keys SET last_used_at`).
		WithArgs(sqlmock.AnyArg(), int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	cred, err := store.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), cred.UserID)
	require.NotNil(t, cred.OrganizationID)
	assert.Equal(t, int64(1), *cred.OrganizationID)
	require.NotNil(t, cred.APIKeyID)
	assert.Equal(t, int64(9), *cred.APIKeyID)
	assert.Equal(t, MethodAPIKey, cred.Method)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAPIKeyStore_AuthenticateRejects(t *testing.T) {
	store, mock, db := newMockKeyStore(t)
	defer db.Close()
	ctx := context.Background()

	token, hash, prefix, err := store.generator.GenerateToken()
	require.NoError(t, err)
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("unknown", func(t *testing.T) {
		mock.ExpectQuery(`FROM api_keys`).WithArgs(hash).WillReturnError(sql.ErrNoRows)
		_, err := store.Authenticate(ctx, token)
		assert.ErrorIs(t, err, authzerr.ErrUnauthenticated)
	})

	t.Run("revoked", func(t *testing.T) {
		mock.ExpectQuery(`FROM api_keys`).WithArgs(hash).
			WillReturnRows(sqlmock.NewRows(keyColumns).AddRow(9, 1, 42, prefix, "ci", nil, nil, created, created))
		_, err := store.Authenticate(ctx, token)
		assert.ErrorIs(t, err, authzerr.ErrUnauthenticated)
	})

	t.Run("expired", func(t *testing.T) {
		expired := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
		mock.ExpectQuery(`FROM api_keys`).WithArgs(hash).
			WillReturnRows(sqlmock.NewRows(keyColumns).AddRow(9, 1, 42, prefix, "ci", expired, nil, created, nil))
		_, err := store.Authenticate(ctx, token)
		assert.ErrorIs(t, err, authzerr.ErrUnauthenticated)
	})

	t.Run("malformed never hits the database", func(t *testing.T) {
		_, err := store.Authenticate(ctx, "tg_***")
		assert.ErrorIs(t, err, authzerr.ErrUnauthenticated)
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAPIKeyStore_Revoke(t *testing.T) {
	store, mock, db := newMockKeyStore(t)
	defer db.Close()
	ctx := context.Background()

	mock.ExpectExec(`UPDATE api_keys SET revoked_at = \$1 WHERE id = \$2 AND organization_id = \$3`).
		WithArgs(sqlmock.AnyArg(), int64(9), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Revoke(ctx, 1, 9))

	mock.ExpectExec(`UPDATE api_keys SET revoked_at`).
		WithArgs(sqlmock.AnyArg(), int64(9), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, store.Revoke(ctx, 2, 9), authzerr.ErrNotFound)

	mock.ExpectExec(`WHERE expires_at < \$1 AND revoked_at IS NULL`).
		WillReturnResult(sqlmock.NewResult(0, 3))
	n, err := store.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.NoError(t, mock.ExpectationsWereMet())
}
