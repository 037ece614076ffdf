// Package authzerr defines the error taxonomy shared by every component on the
// authorization path.
//
// All kinds except KindAuditWriteFailed are denials: a caller that receives any
// of them must not proceed with the operation. Errors that do not belong to the
// taxonomy (driver errors, context deadlines) are classified as KindUnavailable
// so they are never mistaken for an allow.
package authzerr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind identifies a class of authorization failure
type Kind string

const (
	KindNoActiveMembership      Kind = "no_active_membership"
	KindAmbiguousContext        Kind = "ambiguous_context"
	KindOrganizationSuspended   Kind = "organization_suspended"
	KindImmutableRole           Kind = "immutable_role"
	KindRoleInUse               Kind = "role_in_use"
	KindCrossTenantAccessDenied Kind = "cross_tenant_access_denied"
	KindPermissionDenied        Kind = "permission_denied"
	KindConcurrentModification  Kind = "concurrent_modification"
	KindThrottled               Kind = "throttled"
	KindAuditWriteFailed        Kind = "audit_write_failed"

	KindUnauthenticated Kind = "unauthenticated"
	KindInvalidArgument Kind = "invalid_argument"
	KindNotFound        Kind = "not_found"
	KindUnavailable     Kind = "unavailable"
)

// Error is a classified authorization error
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration // only set for KindThrottled
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same kind, so the package sentinels can be
// used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons
var (
	ErrNoActiveMembership      = &Error{Kind: KindNoActiveMembership}
	ErrAmbiguousContext        = &Error{Kind: KindAmbiguousContext}
	ErrOrganizationSuspended   = &Error{Kind: KindOrganizationSuspended}
	ErrImmutableRole           = &Error{Kind: KindImmutableRole}
	ErrRoleInUse               = &Error{Kind: KindRoleInUse}
	ErrCrossTenantAccessDenied = &Error{Kind: KindCrossTenantAccessDenied}
	ErrPermissionDenied        = &Error{Kind: KindPermissionDenied}
	ErrConcurrentModification  = &Error{Kind: KindConcurrentModification}
	ErrThrottled               = &Error{Kind: KindThrottled}
	ErrAuditWriteFailed        = &Error{Kind: KindAuditWriteFailed}
	ErrUnauthenticated         = &Error{Kind: KindUnauthenticated}
	ErrInvalidArgument         = &Error{Kind: KindInvalidArgument}
	ErrNotFound                = &Error{Kind: KindNotFound}
	ErrUnavailable             = &Error{Kind: KindUnavailable}
)

// New creates a classified error with a formatted message
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Throttled creates a throttling error carrying retry guidance
func Throttled(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindThrottled,
		Message:    fmt.Sprintf("retry after %s", retryAfter.Round(time.Millisecond)),
		RetryAfter: retryAfter,
	}
}

// KindOf classifies err. Unclassified errors are KindUnavailable.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnavailable
}

// RetryAfterOf returns the retry guidance carried by a throttling error
func RetryAfterOf(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindThrottled {
		return e.RetryAfter, true
	}
	return 0, false
}

// Public returns the kind that may be shown to the requesting caller.
// Cross-tenant refusals are indistinguishable from a missing entity.
func Public(kind Kind) Kind {
	if kind == KindCrossTenantAccessDenied {
		return KindNotFound
	}
	return kind
}

// HTTPStatus maps a kind to the status code used at the request boundary
func HTTPStatus(kind Kind) int {
	switch kind {
	case "":
		return http.StatusOK
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindNoActiveMembership, KindOrganizationSuspended, KindPermissionDenied, KindImmutableRole:
		return http.StatusForbidden
	case KindCrossTenantAccessDenied, KindNotFound:
		return http.StatusNotFound
	case KindRoleInUse, KindConcurrentModification:
		return http.StatusConflict
	case KindAmbiguousContext, KindInvalidArgument:
		return http.StatusUnprocessableEntity
	case KindThrottled:
		return http.StatusTooManyRequests
	default:
		return http.StatusServiceUnavailable
	}
}
