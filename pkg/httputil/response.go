// Package httputil provides HTTP handler utilities for consistent error handling,
// JSON encoding/decoding, and request parsing.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/platinummonkey/tenantguard/pkg/authzerr"
)

// ErrorResponse is the body of every error response. Kind is always a
// public kind: cross-tenant refusals are rendered as not_found.
type ErrorResponse struct {
	Error      string        `json:"error"`
	Kind       authzerr.Kind `json:"error_kind"`
	Message    string        `json:"message,omitempty"`
	RetryAfter *int64        `json:"retry_after,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteError renders err by its taxonomy kind. Messages are only echoed for
// caller input errors; every other kind answers with the kind alone.
func WriteError(w http.ResponseWriter, err error) {
	kind := authzerr.Public(authzerr.KindOf(err))
	resp := ErrorResponse{Error: string(kind), Kind: kind}

	var ae *authzerr.Error
	if kind == authzerr.KindInvalidArgument && errors.As(err, &ae) {
		resp.Message = ae.Message
	}
	if retry, ok := authzerr.RetryAfterOf(err); ok {
		secs := RetryAfterSeconds(retry.Seconds())
		resp.RetryAfter = &secs
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	WriteJSON(w, authzerr.HTTPStatus(kind), resp)
}

// WriteBadRequest writes an invalid_argument error (422)
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, authzerr.New(authzerr.KindInvalidArgument, "%s", message))
}

// WriteCreated writes a successful creation response (201 Created) with JSON data
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteSuccess writes a successful response (200 OK) with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteNoContent writes a successful response with no content (204 No Content)
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// RetryAfterSeconds rounds a retry delay up to whole seconds, at least one
func RetryAfterSeconds(secs float64) int64 {
	n := int64(secs)
	if float64(n) < secs {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n
}
