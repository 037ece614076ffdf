package api

import (
	"net/http"
	"strconv"

	"github.com/platinummonkey/tenantguard/pkg/httputil"
	"github.com/platinummonkey/tenantguard/pkg/orgs"
	"github.com/platinummonkey/tenantguard/pkg/principal"
	"github.com/platinummonkey/tenantguard/pkg/rbac"
)

// ChangeRoleRequest assigns another role to a membership
type ChangeRoleRequest struct {
	RoleID int64 `json:"role_id"`
}

// OverridesRequest replaces a capability override layer
type OverridesRequest struct {
	Capabilities rbac.CapabilitySet `json:"capabilities"`
}

// ownedMembership loads a membership of the caller's organization before the
// action is checked, so a foreign membership is refused as cross-tenant
// whatever the caller may do at home.
func (s *Server) ownedMembership(w http.ResponseWriter, r *http.Request, p *principal.Principal, action rbac.Action) (*orgs.Membership, bool) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return nil, false
	}
	m, err := s.memberships.GetMembership(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return nil, false
	}
	if err := s.enforcer.Owns(r.Context(), p, rbac.ResourceMember, action, m.ID, m.OrganizationID); err != nil {
		httputil.WriteError(w, err)
		return nil, false
	}
	if _, err := s.enforcer.Authorize(r.Context(), p, rbac.ResourceMember, action); err != nil {
		httputil.WriteError(w, err)
		return nil, false
	}
	return m, true
}

func (s *Server) inviteMember(w http.ResponseWriter, r *http.Request) {
	p, ok := principalOrError(w, r)
	if !ok {
		return
	}
	if _, err := s.enforcer.Authorize(r.Context(), p, rbac.ResourceMember, rbac.ActionCreate); err != nil {
		httputil.WriteError(w, err)
		return
	}

	var req orgs.InviteMemberRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserID <= 0 || req.RoleID <= 0 {
		httputil.WriteBadRequest(w, "user_id and role_id are required")
		return
	}

	invitedBy := p.UserID
	m, err := s.memberships.InviteMember(r.Context(), p.OrganizationID, req.UserID, req.RoleID, &invitedBy)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	s.audit.RecordMutation(r.Context(), p, rbac.ResourceMember, rbac.ActionCreate, strconv.FormatInt(m.ID, 10),
		map[string]interface{}{"user_id": m.UserID, "role_id": m.RoleID, "version": m.Version})
	writeVersioned(w, http.StatusCreated, m.Version, m)
}

func (s *Server) getMembership(w http.ResponseWriter, r *http.Request) {
	p, ok := principalOrError(w, r)
	if !ok {
		return
	}
	m, ok := s.ownedMembership(w, r, p, rbac.ActionRead)
	if !ok {
		return
	}
	writeVersioned(w, http.StatusOK, m.Version, m)
}

// transitionMembership moves a membership of the caller's organization along
// its lifecycle. The If-Match header carries the version the caller saw.
func (s *Server) transitionMembership(w http.ResponseWriter, r *http.Request) {
	p, ok := principalOrError(w, r)
	if !ok {
		return
	}
	m, ok := s.ownedMembership(w, r, p, rbac.ActionUpdate)
	if !ok {
		return
	}
	version, err := httputil.ParseIfMatch(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	var req orgs.TransitionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !req.Status.Valid() {
		httputil.WriteBadRequest(w, "invalid status "+string(req.Status))
		return
	}

	updated, err := s.memberships.TransitionMembership(r.Context(), m.ID, version, req.Status)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	s.audit.RecordMutation(r.Context(), p, rbac.ResourceMember, rbac.ActionUpdate, strconv.FormatInt(updated.ID, 10),
		map[string]interface{}{"from": string(m.Status), "status": string(updated.Status), "version": updated.Version})
	s.logger.WithFields(map[string]interface{}{
		"membership_id":   updated.ID,
		"organization_id": updated.OrganizationID,
		"status":          string(updated.Status),
	}).Info("membership transitioned")
	writeVersioned(w, http.StatusOK, updated.Version, updated)
}

func (s *Server) changeMembershipRole(w http.ResponseWriter, r *http.Request) {
	p, ok := principalOrError(w, r)
	if !ok {
		return
	}
	m, ok := s.ownedMembership(w, r, p, rbac.ActionUpdate)
	if !ok {
		return
	}
	version, err := httputil.ParseIfMatch(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	var req ChangeRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.RoleID <= 0 {
		httputil.WriteBadRequest(w, "role_id is required")
		return
	}

	updated, err := s.memberships.ChangeMembershipRole(r.Context(), m.ID, version, req.RoleID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	s.audit.RecordMutation(r.Context(), p, rbac.ResourceMember, rbac.ActionUpdate, strconv.FormatInt(updated.ID, 10),
		map[string]interface{}{"previous_role_id": m.RoleID, "role_id": updated.RoleID, "version": updated.Version})
	writeVersioned(w, http.StatusOK, updated.Version, updated)
}

func (s *Server) setMembershipOverrides(w http.ResponseWriter, r *http.Request) {
	p, ok := principalOrError(w, r)
	if !ok {
		return
	}
	m, ok := s.ownedMembership(w, r, p, rbac.ActionUpdate)
	if !ok {
		return
	}
	version, err := httputil.ParseIfMatch(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	var req OverridesRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Capabilities == nil {
		req.Capabilities = rbac.CapabilitySet{}
	}

	updated, err := s.memberships.SetMembershipOverrides(r.Context(), m.ID, version, req.Capabilities)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	s.audit.RecordMutation(r.Context(), p, rbac.ResourceMember, rbac.ActionUpdate, strconv.FormatInt(updated.ID, 10),
		map[string]interface{}{"overrides": len(updated.CapabilityOverrides), "version": updated.Version})
	writeVersioned(w, http.StatusOK, updated.Version, updated)
}
