package api

import (
	"net/http"
	"strconv"

	"github.com/platinummonkey/tenantguard/pkg/authz"
	"github.com/platinummonkey/tenantguard/pkg/authzerr"
	"github.com/platinummonkey/tenantguard/pkg/httputil"
	"github.com/platinummonkey/tenantguard/pkg/middleware"
	"github.com/platinummonkey/tenantguard/pkg/rbac"
)

// AuthorizeRequest asks whether the caller may perform one action
type AuthorizeRequest struct {
	Resource            rbac.Resource `json:"resource"`
	Action              rbac.Action   `json:"action"`
	ResourceID          string        `json:"resource_id,omitempty"`
	OrganizationID      *int64        `json:"organization_id,omitempty"`
	IncludeCapabilities bool          `json:"include_capabilities,omitempty"`
}

// authorize answers with the decision envelope. The status code follows the
// envelope's error kind, so a plain deny is a 403 with allowed=false.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) {
	cred, ok := middleware.CredentialFrom(r)
	if !ok {
		httputil.WriteError(w, authzerr.ErrUnauthenticated)
		return
	}

	var req AuthorizeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	selector, err := middleware.Selector(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.OrganizationID != nil {
		if selector != nil && *selector != *req.OrganizationID {
			httputil.WriteError(w, authzerr.New(authzerr.KindAmbiguousContext, "organization header and body disagree"))
			return
		}
		selector = req.OrganizationID
	}

	d := s.engine.Authorize(r.Context(), authz.Request{
		Credential:          cred,
		Selector:            selector,
		Resource:            req.Resource,
		Action:              req.Action,
		ResourceID:          req.ResourceID,
		IncludeCapabilities: req.IncludeCapabilities,
		Cost:                1,
	})

	if d.RateLimit != nil && d.RateLimit.Limit > 0 {
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.RateLimit.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.RateLimit.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.RateLimit.ResetAt.Unix(), 10))
		h.Set("X-RateLimit-Tier", d.RateLimit.Tier)
	}
	if d.RetryAfter != nil {
		w.Header().Set("Retry-After", strconv.FormatInt(*d.RetryAfter, 10))
	}
	if authzerr.KindOf(d.Err) == authzerr.KindUnavailable {
		s.logger.WithError(d.Err).Error("authorization failed closed")
	}
	httputil.WriteJSON(w, authzerr.HTTPStatus(d.ErrorKind), d)
}
