// Package middleware provides the HTTP middleware that turns a request into
// an authorized, rate limited principal.
//
// # Middleware Components
//
// AuthMiddleware: bearer JWT or API key verification
//
//	authn := middleware.NewAuthMiddleware(authenticator, false)
//	// Adds the verified *auth.Credential to the request context
//
// TenantMiddleware: principal resolution
//
//	tenant := middleware.NewTenantMiddleware(engine)
//	// Reads X-Organization-ID or the {org_id} path segment and resolves
//	// the caller's active membership in that organization
//
// RateLimitMiddleware: plan-tier token buckets
//
//	limit := middleware.NewRateLimitMiddleware(engine, trustedProxies...)
//	// Anonymous callers are keyed by RemoteAddr; X-Forwarded-For and
//	// X-Real-IP count only when the peer is a trusted proxy.
//	// Sets X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset and
//	// X-RateLimit-Tier; refuses with 429, Retry-After and retry_after
//
// # Ordering
//
//	router.Use(authn.Handler, tenant.Handler, limit.Handler)
//
// Every refusal is rendered by httputil.WriteError from its authzerr kind.
//
// # Related Packages
//
//   - pkg/authz: the engine the tenant and rate limit middleware call into
//   - pkg/httputil: error rendering and request id propagation
package middleware
