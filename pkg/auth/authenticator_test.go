package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantguard/pkg/authzerr"
)

type stubKeys struct {
	cred *Credential
	seen string
}

func (s *stubKeys) Authenticate(_ context.Context, token string) (*Credential, error) {
	s.seen = token
	return s.cred, nil
}

func TestAuthenticator(t *testing.T) {
	tokens := newHMACProvider(t)
	org := int64(3)
	keys := &stubKeys{cred: &Credential{UserID: 5, OrganizationID: &org, Method: MethodAPIKey}}
	authn := NewAuthenticator(tokens, keys)
	ctx := context.Background()

	t.Run("jwt", func(t *testing.T) {
		token, _, err := tokens.IssueAccess(42, nil)
		require.NoError(t, err)
		cred, err := authn.Authenticate(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, int64(42), cred.UserID)
	})

	t.Run("api key", func(t *testing.T) {
		cred, err := authn.Authenticate(ctx, "tg_abcdefgh")
		require.NoError(t, err)
		assert.Equal(t, int64(5), cred.UserID)
		assert.Equal(t, "tg_abcdefgh", keys.seen)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := authn.Authenticate(ctx, "  ")
		assert.ErrorIs(t, err, authzerr.ErrUnauthenticated)
	})

	t.Run("api keys disabled", func(t *testing.T) {
		_, err := NewAuthenticator(tokens, nil).Authenticate(ctx, "tg_abcdefgh")
		assert.ErrorIs(t, err, authzerr.ErrUnauthenticated)
	})
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer  abc"))
	assert.Equal(t, "", BearerToken("Basic abc"))
	assert.Equal(t, "", BearerToken(""))
}
