// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Helpers
//
// Errors are rendered from their authzerr kind, so the status code and the
// error_kind in the body always agree:
//
//	httputil.WriteError(w, err)
//	httputil.WriteBadRequest(w, "name is required")
//	httputil.WriteSuccess(w, role)
//
// # Request Parsing
//
//	var req createRoleRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//	roleID, ok := httputil.ParsePathInt64OrError(w, r, "role_id")
//	version, err := httputil.ParseIfMatch(r)
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)
//
// # Related Packages
//
//   - pkg/middleware: authentication, tenant resolution and rate limiting
package httputil
