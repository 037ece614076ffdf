package middleware

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tenantguard/pkg/auth"
	"github.com/platinummonkey/tenantguard/pkg/authzerr"
	"github.com/platinummonkey/tenantguard/pkg/contextkeys"
	"github.com/platinummonkey/tenantguard/pkg/httputil"
	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/principal"
)

// OrganizationHeader explicitly selects the organization of a request
const OrganizationHeader = "X-Organization-ID"

// PrincipalSource resolves the organization context of a credential
type PrincipalSource interface {
	Principal(ctx context.Context, cred *auth.Credential, selector *int64, opts principal.Options) (*principal.Principal, error)
}

// TenantMiddleware resolves the principal of every request. Handlers
// behind it read the principal with PrincipalFrom and never see a request
// without one.
type TenantMiddleware struct {
	principals PrincipalSource
	opts       principal.Options
}

// NewTenantMiddleware creates the tenant middleware
func NewTenantMiddleware(principals PrincipalSource) *TenantMiddleware {
	return &TenantMiddleware{principals: principals}
}

// BillingRecovery returns a copy that admits suspended and trial-expired
// organizations, for the routes a tenant uses to settle its account
func (m *TenantMiddleware) BillingRecovery() *TenantMiddleware {
	return &TenantMiddleware{principals: m.principals, opts: principal.Options{AllowBillingRecovery: true}}
}

// Handler returns the middleware handler
func (m *TenantMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred, ok := CredentialFrom(r)
		if !ok {
			httputil.WriteError(w, authzerr.New(authzerr.KindUnauthenticated, "authentication required"))
			return
		}

		selector, err := Selector(r)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}

		p, err := m.principals.Principal(r.Context(), cred, selector, m.opts)
		if err != nil {
			logger := observability.FromContextOr(r, observability.Discard()).
				WithField("error_kind", string(authzerr.KindOf(err)))
			if authzerr.KindOf(err) == authzerr.KindUnavailable {
				logger.WithError(err).Error("principal resolution failed")
			} else {
				logger.Debug("principal refused")
			}
			httputil.WriteError(w, err)
			return
		}

		ctx := contextkeys.WithPrincipal(r.Context(), p)
		if l, ok := ctx.Value(contextkeys.LoggerKey).(*observability.Logger); ok {
			ctx = observability.WithLogger(ctx, l.WithFields(map[string]interface{}{
				"organization_id": p.OrganizationID,
				"membership_id":   p.MembershipID,
			}))
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Selector reads the explicit organization selector of a request: the
// X-Organization-ID header or the {org_id} path segment. Both present and
// different is ambiguous.
func Selector(r *http.Request) (*int64, error) {
	header, err := httputil.ParseInt64Header(r, OrganizationHeader)
	if err != nil {
		return nil, err
	}

	var path *int64
	if _, ok := mux.Vars(r)["org_id"]; ok {
		id, err := httputil.ParsePathInt64(r, "org_id")
		if err != nil {
			return nil, err
		}
		path = &id
	}

	switch {
	case header != nil && path != nil && *header != *path:
		return nil, authzerr.New(authzerr.KindAmbiguousContext, "organization header and path disagree")
	case path != nil:
		return path, nil
	default:
		return header, nil
	}
}

// PrincipalFrom returns the resolved principal of the request, if any
func PrincipalFrom(r *http.Request) (*principal.Principal, bool) {
	p, ok := r.Context().Value(contextkeys.PrincipalKey).(*principal.Principal)
	return p, ok && p != nil
}
