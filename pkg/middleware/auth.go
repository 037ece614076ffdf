package middleware

import (
	"context"
	"net/http"

	"github.com/platinummonkey/tenantguard/pkg/auth"
	"github.com/platinummonkey/tenantguard/pkg/authzerr"
	"github.com/platinummonkey/tenantguard/pkg/contextkeys"
	"github.com/platinummonkey/tenantguard/pkg/httputil"
	"github.com/platinummonkey/tenantguard/pkg/observability"
)

// Authenticator verifies the bearer value of an Authorization header
type Authenticator interface {
	Authenticate(ctx context.Context, bearer string) (*auth.Credential, error)
}

// AuthMiddleware validates bearer tokens and API keys
type AuthMiddleware struct {
	authenticator Authenticator
	optional      bool
}

// NewAuthMiddleware creates a new auth middleware. With optional set,
// requests without an Authorization header pass through anonymously; a
// header that is present must still verify.
func NewAuthMiddleware(authenticator Authenticator, optional bool) *AuthMiddleware {
	return &AuthMiddleware{authenticator: authenticator, optional: optional}
}

// Handler returns the middleware handler
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteError(w, authzerr.New(authzerr.KindUnauthenticated, "missing authorization header"))
			return
		}

		token := auth.BearerToken(header)
		if token == "" {
			httputil.WriteError(w, authzerr.New(authzerr.KindUnauthenticated, "invalid authorization header format"))
			return
		}

		cred, err := m.authenticator.Authenticate(r.Context(), token)
		if err != nil {
			observability.FromContextOr(r, observability.Discard()).
				WithField("error_kind", string(authzerr.KindOf(err))).
				Debug("credential rejected")
			httputil.WriteError(w, err)
			return
		}

		ctx := contextkeys.WithCredential(r.Context(), cred)
		ctx = contextkeys.WithUserID(ctx, cred.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CredentialFrom returns the verified credential of the request, if any
func CredentialFrom(r *http.Request) (*auth.Credential, bool) {
	cred, ok := r.Context().Value(contextkeys.CredentialKey).(*auth.Credential)
	return cred, ok && cred != nil
}
