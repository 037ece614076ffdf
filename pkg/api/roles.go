package api

import (
	"net/http"
	"strconv"

	"github.com/platinummonkey/tenantguard/pkg/authzerr"
	"github.com/platinummonkey/tenantguard/pkg/httputil"
	"github.com/platinummonkey/tenantguard/pkg/middleware"
	"github.com/platinummonkey/tenantguard/pkg/principal"
	"github.com/platinummonkey/tenantguard/pkg/rbac"
)

// writeVersioned writes an entity with its version as the entity tag
func writeVersioned(w http.ResponseWriter, status int, version int64, v interface{}) {
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(version, 10)))
	httputil.WriteJSON(w, status, v)
}

func principalOrError(w http.ResponseWriter, r *http.Request) (*principal.Principal, bool) {
	p, ok := middleware.PrincipalFrom(r)
	if !ok {
		httputil.WriteError(w, authzerr.ErrUnauthenticated)
	}
	return p, ok
}

func (s *Server) listRoles(w http.ResponseWriter, r *http.Request) {
	p, ok := principalOrError(w, r)
	if !ok {
		return
	}
	if _, err := s.enforcer.Authorize(r.Context(), p, rbac.ResourceRole, rbac.ActionRead); err != nil {
		httputil.WriteError(w, err)
		return
	}

	roles, err := s.roles.ListRoles(r.Context(), p.OrganizationID)
	if err != nil {
		s.logger.WithError(err).Error("failed to list roles")
		httputil.WriteError(w, err)
		return
	}
	if roles == nil {
		roles = []*rbac.Role{}
	}
	httputil.WriteSuccess(w, roles)
}

func (s *Server) createRole(w http.ResponseWriter, r *http.Request) {
	p, ok := principalOrError(w, r)
	if !ok {
		return
	}
	if _, err := s.enforcer.Authorize(r.Context(), p, rbac.ResourceRole, rbac.ActionCreate); err != nil {
		httputil.WriteError(w, err)
		return
	}

	var spec rbac.RoleSpec
	if !httputil.ParseJSONOrError(w, r, &spec) {
		return
	}
	if err := spec.Validate(); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	createdBy := p.UserID
	role, err := s.roles.CreateCustomRole(r.Context(), p.OrganizationID, &createdBy, spec)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	s.audit.RecordMutation(r.Context(), p, rbac.ResourceRole, rbac.ActionCreate, strconv.FormatInt(role.ID, 10),
		map[string]interface{}{"name": role.Name, "version": role.Version})
	writeVersioned(w, http.StatusCreated, role.Version, role)
}

// ownedRole loads a role for a write. Roles of other organizations are
// refused as cross-tenant before the action is checked. System roles pass
// and are refused by the store.
func (s *Server) ownedRole(w http.ResponseWriter, r *http.Request, p *principal.Principal, action rbac.Action) (*rbac.Role, bool) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "role_id")
	if !ok {
		return nil, false
	}

	role, err := s.roles.GetRole(r.Context(), roleID)
	if err != nil {
		httputil.WriteError(w, err)
		return nil, false
	}
	if role.OrganizationID != nil {
		if err := s.enforcer.Owns(r.Context(), p, rbac.ResourceRole, action, role.ID, *role.OrganizationID); err != nil {
			httputil.WriteError(w, err)
			return nil, false
		}
	}
	if _, err := s.enforcer.Authorize(r.Context(), p, rbac.ResourceRole, action); err != nil {
		httputil.WriteError(w, err)
		return nil, false
	}
	return role, true
}

func (s *Server) updateRole(w http.ResponseWriter, r *http.Request) {
	p, ok := principalOrError(w, r)
	if !ok {
		return
	}
	role, ok := s.ownedRole(w, r, p, rbac.ActionUpdate)
	if !ok {
		return
	}
	version, err := httputil.ParseIfMatch(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	var spec rbac.RoleSpec
	if !httputil.ParseJSONOrError(w, r, &spec) {
		return
	}

	updated, err := s.roles.UpdateRole(r.Context(), role.ID, version, spec)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	s.audit.RecordMutation(r.Context(), p, rbac.ResourceRole, rbac.ActionUpdate, strconv.FormatInt(updated.ID, 10),
		map[string]interface{}{"previous_version": version, "version": updated.Version})
	s.logger.WithFields(map[string]interface{}{
		"role_id":         updated.ID,
		"organization_id": p.OrganizationID,
		"version":         updated.Version,
	}).Info("role updated")
	writeVersioned(w, http.StatusOK, updated.Version, updated)
}

func (s *Server) deleteRole(w http.ResponseWriter, r *http.Request) {
	p, ok := principalOrError(w, r)
	if !ok {
		return
	}
	role, ok := s.ownedRole(w, r, p, rbac.ActionDelete)
	if !ok {
		return
	}
	version, err := httputil.ParseIfMatch(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	if err := s.roles.DeleteRole(r.Context(), role.ID, version); err != nil {
		httputil.WriteError(w, err)
		return
	}
	s.audit.RecordMutation(r.Context(), p, rbac.ResourceRole, rbac.ActionDelete, strconv.FormatInt(role.ID, 10),
		map[string]interface{}{"name": role.Name, "version": version})
	httputil.WriteNoContent(w)
}
