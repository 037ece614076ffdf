package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/platinummonkey/tenantguard/pkg/httputil"
	"github.com/platinummonkey/tenantguard/pkg/orgs"
	"github.com/platinummonkey/tenantguard/pkg/principal"
	"github.com/platinummonkey/tenantguard/pkg/rbac"
)

// TeamStore is the team part of the organization service
type TeamStore interface {
	CreateTeam(ctx context.Context, orgID int64, name string, leaderMembershipID *int64) (*orgs.Team, error)
	GetTeam(ctx context.Context, id int64) (*orgs.Team, error)
	AddTeamMember(ctx context.Context, teamID, membershipID int64) error
	RemoveTeamMember(ctx context.Context, teamID, membershipID int64) error
	SetTeamOverrides(ctx context.Context, teamID, expectedVersion int64, caps rbac.CapabilitySet) (*orgs.Team, error)
}

// CreateTeamRequest creates a team in the caller's organization
type CreateTeamRequest struct {
	Name               string `json:"name"`
	LeaderMembershipID *int64 `json:"leader_membership_id,omitempty"`
}

// ownedTeam loads a team of the caller's organization, then checks the action
func (s *Server) ownedTeam(w http.ResponseWriter, r *http.Request, p *principal.Principal, action rbac.Action) (*orgs.Team, bool) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "team_id")
	if !ok {
		return nil, false
	}
	team, err := s.teams.GetTeam(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return nil, false
	}
	if err := s.enforcer.Owns(r.Context(), p, rbac.ResourceTeam, action, team.ID, team.OrganizationID); err != nil {
		httputil.WriteError(w, err)
		return nil, false
	}
	if _, err := s.enforcer.Authorize(r.Context(), p, rbac.ResourceTeam, action); err != nil {
		httputil.WriteError(w, err)
		return nil, false
	}
	return team, true
}

// memberOfCaller refuses a membership id that does not belong to the caller's
// organization.
func (s *Server) memberOfCaller(r *http.Request, p *principal.Principal, action rbac.Action, membershipID int64) error {
	m, err := s.memberships.GetMembership(r.Context(), membershipID)
	if err != nil {
		return err
	}
	return s.enforcer.Owns(r.Context(), p, rbac.ResourceMember, action, m.ID, m.OrganizationID)
}

func (s *Server) createTeam(w http.ResponseWriter, r *http.Request) {
	p, ok := principalOrError(w, r)
	if !ok {
		return
	}
	if _, err := s.enforcer.Authorize(r.Context(), p, rbac.ResourceTeam, rbac.ActionCreate); err != nil {
		httputil.WriteError(w, err)
		return
	}

	var req CreateTeamRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, strings.TrimSpace(req.Name), "name") {
		return
	}
	if req.LeaderMembershipID != nil {
		if err := s.memberOfCaller(r, p, rbac.ActionCreate, *req.LeaderMembershipID); err != nil {
			httputil.WriteError(w, err)
			return
		}
	}

	team, err := s.teams.CreateTeam(r.Context(), p.OrganizationID, req.Name, req.LeaderMembershipID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	s.audit.RecordMutation(r.Context(), p, rbac.ResourceTeam, rbac.ActionCreate, strconv.FormatInt(team.ID, 10),
		map[string]interface{}{"name": team.Name, "version": team.Version})
	writeVersioned(w, http.StatusCreated, team.Version, team)
}

func (s *Server) getTeam(w http.ResponseWriter, r *http.Request) {
	p, ok := principalOrError(w, r)
	if !ok {
		return
	}
	team, ok := s.ownedTeam(w, r, p, rbac.ActionRead)
	if !ok {
		return
	}
	writeVersioned(w, http.StatusOK, team.Version, team)
}

func (s *Server) addTeamMember(w http.ResponseWriter, r *http.Request) {
	s.changeTeamMember(w, r, true)
}

func (s *Server) removeTeamMember(w http.ResponseWriter, r *http.Request) {
	s.changeTeamMember(w, r, false)
}

func (s *Server) changeTeamMember(w http.ResponseWriter, r *http.Request, add bool) {
	p, ok := principalOrError(w, r)
	if !ok {
		return
	}
	team, ok := s.ownedTeam(w, r, p, rbac.ActionUpdate)
	if !ok {
		return
	}
	membershipID, ok := httputil.ParsePathInt64OrError(w, r, "membership_id")
	if !ok {
		return
	}
	if err := s.memberOfCaller(r, p, rbac.ActionUpdate, membershipID); err != nil {
		httputil.WriteError(w, err)
		return
	}

	change := s.teams.RemoveTeamMember
	if add {
		change = s.teams.AddTeamMember
	}
	if err := change(r.Context(), team.ID, membershipID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	s.audit.RecordMutation(r.Context(), p, rbac.ResourceTeam, rbac.ActionUpdate, strconv.FormatInt(team.ID, 10),
		map[string]interface{}{"membership_id": membershipID, "added": add})
	httputil.WriteNoContent(w)
}

func (s *Server) setTeamOverrides(w http.ResponseWriter, r *http.Request) {
	p, ok := principalOrError(w, r)
	if !ok {
		return
	}
	team, ok := s.ownedTeam(w, r, p, rbac.ActionUpdate)
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

	updated, err := s.teams.SetTeamOverrides(r.Context(), team.ID, version, req.Capabilities)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	s.audit.RecordMutation(r.Context(), p, rbac.ResourceTeam, rbac.ActionUpdate, strconv.FormatInt(updated.ID, 10),
		map[string]interface{}{"overrides": len(updated.CapabilityOverrides), "version": updated.Version})
	writeVersioned(w, http.StatusOK, updated.Version, updated)
}
