package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"

	"github.com/platinummonkey/tenantguard/pkg/auth"
	"github.com/platinummonkey/tenantguard/pkg/authzerr"
	"github.com/platinummonkey/tenantguard/pkg/httputil"
	"github.com/platinummonkey/tenantguard/pkg/observability"
)

// ServiceTokenMiddleware admits internal callers, such as billing, that
// present the shared service token as a bearer value. These callers act on
// organizations as a whole and never carry a principal.
type ServiceTokenMiddleware struct {
	digest [sha256.Size]byte
}

// NewServiceTokenMiddleware creates the middleware for a non-empty token
func NewServiceTokenMiddleware(token string) *ServiceTokenMiddleware {
	return &ServiceTokenMiddleware{digest: sha256.Sum256([]byte(token))}
}

// Handler returns the middleware handler
func (m *ServiceTokenMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerToken(r.Header.Get("Authorization"))
		presented := sha256.Sum256([]byte(token))
		if token == "" || subtle.ConstantTimeCompare(presented[:], m.digest[:]) != 1 {
			observability.FromContextOr(r, observability.Discard()).Warn("internal call with a bad service token")
			httputil.WriteError(w, authzerr.New(authzerr.KindUnauthenticated, "invalid service token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
