package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/platinummonkey/tenantguard/pkg/authzerr"
	"github.com/platinummonkey/tenantguard/pkg/httputil"
	"github.com/platinummonkey/tenantguard/pkg/middleware"
	"github.com/platinummonkey/tenantguard/pkg/orgs"
	"github.com/platinummonkey/tenantguard/pkg/principal"
	"github.com/platinummonkey/tenantguard/pkg/rbac"
)

// OrganizationAdmin creates organizations and applies billing changes
type OrganizationAdmin interface {
	CreateOrganization(ctx context.Context, req *orgs.CreateOrgRequest) (*orgs.Organization, *orgs.Membership, error)
	UpdatePlanTier(ctx context.Context, orgID int64, tier orgs.PlanTier) error
	SetStatus(ctx context.Context, orgID int64, status orgs.OrgStatus) error
}

// CreatedOrganization is the organization together with its owner membership
type CreatedOrganization struct {
	Organization *orgs.Organization `json:"organization"`
	Owner        *orgs.Membership   `json:"owner"`
}

// PlanTierRequest is a tier change reported by billing
type PlanTierRequest struct {
	PlanTier orgs.PlanTier `json:"plan_tier"`
}

// StatusRequest is a status change reported by billing
type StatusRequest struct {
	Status orgs.OrgStatus `json:"status"`
}

// createOrganization creates an organization owned by the calling user. API
// keys act inside their own organization and cannot create one.
func (s *Server) createOrganization(w http.ResponseWriter, r *http.Request) {
	cred, ok := middleware.CredentialFrom(r)
	if !ok {
		httputil.WriteError(w, authzerr.ErrUnauthenticated)
		return
	}
	if cred.APIKeyID != nil {
		httputil.WriteError(w, authzerr.New(authzerr.KindPermissionDenied, "API keys cannot create organizations"))
		return
	}

	var req orgs.CreateOrgRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Name, "name") {
		return
	}
	req.OwnerUserID = cred.UserID
	// the tier is owned by billing
	req.PlanTier = ""

	org, owner, err := s.orgAdmin.CreateOrganization(r.Context(), &req)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	p := &principal.Principal{
		UserID:         owner.UserID,
		OrganizationID: org.ID,
		MembershipID:   owner.ID,
		RoleID:         owner.RoleID,
		PlanTier:       org.PlanTier,
	}
	s.audit.RecordMutation(r.Context(), p, rbac.ResourceOrganization, rbac.ActionCreate,
		strconv.FormatInt(org.ID, 10), map[string]interface{}{"slug": org.Slug, "owner_membership_id": owner.ID})
	s.logger.WithFields(map[string]interface{}{
		"organization_id": org.ID,
		"user_id":         cred.UserID,
	}).Info("organization created")
	writeVersioned(w, http.StatusCreated, org.Version, CreatedOrganization{Organization: org, Owner: owner})
}

func (s *Server) updatePlanTier(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "org_id")
	if !ok {
		return
	}
	var req PlanTierRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if s.plans != nil && !s.plans.Known(string(req.PlanTier)) {
		httputil.WriteBadRequest(w, "unknown plan tier "+string(req.PlanTier))
		return
	}

	if err := s.orgAdmin.UpdatePlanTier(r.Context(), orgID, req.PlanTier); err != nil {
		httputil.WriteError(w, err)
		return
	}
	s.audit.RecordMutation(r.Context(), nil, rbac.ResourceOrganization, rbac.ActionUpdate,
		strconv.FormatInt(orgID, 10), map[string]interface{}{"plan_tier": string(req.PlanTier), "source": "billing"})
	s.logger.WithFields(map[string]interface{}{
		"organization_id": orgID,
		"plan_tier":       string(req.PlanTier),
	}).Info("plan tier changed")
	httputil.WriteNoContent(w)
}

func (s *Server) setOrganizationStatus(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "org_id")
	if !ok {
		return
	}
	var req StatusRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !req.Status.Valid() {
		httputil.WriteBadRequest(w, "invalid status "+string(req.Status))
		return
	}

	if err := s.orgAdmin.SetStatus(r.Context(), orgID, req.Status); err != nil {
		httputil.WriteError(w, err)
		return
	}
	s.audit.RecordMutation(r.Context(), nil, rbac.ResourceOrganization, rbac.ActionUpdate,
		strconv.FormatInt(orgID, 10), map[string]interface{}{"status": string(req.Status), "source": "billing"})
	s.logger.WithFields(map[string]interface{}{
		"organization_id": orgID,
		"status":          string(req.Status),
	}).Info("organization status changed")
	httputil.WriteNoContent(w)
}
