// Package contextkeys provides centralized context key definitions
//
// All context keys used across the application are defined here so the
// producer and the consumers of a value agree on one key.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/tenantguard/pkg/contextkeys"
//	ctx = contextkeys.WithPrincipal(ctx, p)
//	p, _ := ctx.Value(contextkeys.PrincipalKey).(*principal.Principal)
//
// Typed getters live next to the packages that own the types
// (middleware.CredentialFrom, middleware.PrincipalFrom) so this package stays a leaf.
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// CredentialKey contains *auth.Credential
	// Set by: middleware.AuthMiddleware (pkg/middleware/auth.go)
	// Required by: middleware.TenantMiddleware
	// Type: *auth.Credential
	CredentialKey Key = "credential"

	// PrincipalKey contains *principal.Principal
	// Set by: middleware.TenantMiddleware (pkg/middleware/tenant.go)
	// Required by: every organization-scoped handler
	// Type: *principal.Principal
	PrincipalKey Key = "principal"

	// RateLimitKey contains ratelimit.Result of the admission check
	// Set by: middleware.RateLimitMiddleware
	// Type: ratelimit.Result
	RateLimitKey Key = "rate_limit"

	// RequestIDKey contains request ID string (UUID)
	// Set by: middleware.RequestID
	// Used by: Logger, audit trail, distributed tracing
	// Type: string
	RequestIDKey Key = "request_id"

	// UserIDKey contains the authenticated user ID
	// Set by: Auth middleware after credential verification
	// Used by: Logger
	// Type: int64
	UserIDKey Key = "user_id"

	// LoggerKey contains *observability.Logger
	// Set by: middleware.RequestID
	// Used by: Handlers that need structured logging with request context
	// Type: *observability.Logger
	LoggerKey Key = "logger"
)

// WithCredential adds the verified credential to the context
func WithCredential(ctx context.Context, cred interface{}) context.Context {
	return context.WithValue(ctx, CredentialKey, cred)
}

// WithPrincipal adds the resolved principal to the context
func WithPrincipal(ctx context.Context, p interface{}) context.Context {
	return context.WithValue(ctx, PrincipalKey, p)
}

// WithRateLimit adds the admission result to the context
func WithRateLimit(ctx context.Context, result interface{}) context.Context {
	return context.WithValue(ctx, RateLimitKey, result)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithUserID adds user ID to the context
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetUserID retrieves user ID from context
func GetUserID(ctx context.Context) (int64, bool) {
	userID, ok := ctx.Value(UserIDKey).(int64)
	return userID, ok
}
