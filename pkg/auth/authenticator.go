package auth

import (
	"context"
	"strings"

	"github.com/platinummonkey/tenantguard/pkg/authzerr"
)

// KeyAuthenticator resolves API keys into credentials
type KeyAuthenticator interface {
	Authenticate(ctx context.Context, token string) (*Credential, error)
}

// Authenticator dispatches a bearer value to API key or JWT verification
type Authenticator struct {
	tokens *TokenProvider
	keys   KeyAuthenticator
}

// NewAuthenticator creates an authenticator. keys may be nil when API keys
// are not accepted.
func NewAuthenticator(tokens *TokenProvider, keys KeyAuthenticator) *Authenticator {
	return &Authenticator{tokens: tokens, keys: keys}
}

// Authenticate verifies the bearer value of an Authorization header
func (a *Authenticator) Authenticate(ctx context.Context, bearer string) (*Credential, error) {
	bearer = strings.TrimSpace(bearer)
	if bearer == "" {
		return nil, authzerr.New(authzerr.KindUnauthenticated, "missing credentials")
	}
	if strings.HasPrefix(bearer, TokenPrefix) {
		if a.keys == nil {
			return nil, authzerr.New(authzerr.KindUnauthenticated, "api keys are not accepted")
		}
		return a.keys.Authenticate(ctx, bearer)
	}
	return a.tokens.VerifyAccess(bearer)
}

// BearerToken extracts the token from an Authorization header value
func BearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
