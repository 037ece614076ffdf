package api

import (
	"context"
	"net/http"

	"github.com/platinummonkey/tenantguard/pkg/httputil"
	"github.com/platinummonkey/tenantguard/pkg/orgs"
	"github.com/platinummonkey/tenantguard/pkg/plans"
	"github.com/platinummonkey/tenantguard/pkg/rbac"
)

// OrganizationReader looks up the caller's organization
type OrganizationReader interface {
	GetOrganization(ctx context.Context, id int64) (*orgs.Organization, error)
}

// BillingStatus is what a tenant sees while settling its account
type BillingStatus struct {
	OrganizationID int64          `json:"organization_id"`
	Name           string         `json:"name"`
	PlanTier       orgs.PlanTier  `json:"plan_tier"`
	Status         orgs.OrgStatus `json:"status"`
	Restricted     bool           `json:"restricted"`
	Quota          *plans.Quota   `json:"quota,omitempty"`
}

// billingStatus is reachable by members of suspended and trial-expired
// organizations, so it must stay read only.
func (s *Server) billingStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := principalOrError(w, r)
	if !ok {
		return
	}
	if _, err := s.enforcer.Authorize(r.Context(), p, rbac.ResourceBilling, rbac.ActionRead); err != nil {
		httputil.WriteError(w, err)
		return
	}

	org, err := s.organizations.GetOrganization(r.Context(), p.OrganizationID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	status := BillingStatus{
		OrganizationID: org.ID,
		Name:           org.Name,
		PlanTier:       org.PlanTier,
		Status:         org.Status,
		Restricted:     org.Status.Restricted(),
	}
	if s.plans != nil {
		q := s.plans.Quota(string(org.PlanTier))
		status.Quota = &q
	}
	httputil.WriteSuccess(w, status)
}

// PlanInfo is one tier of the public plan table
type PlanInfo struct {
	Tier string `json:"tier"`
	plans.Quota
}

// listPlans is public; anonymous callers are limited by address
func (s *Server) listPlans(w http.ResponseWriter, r *http.Request) {
	tiers := s.plans.Tiers()
	out := make([]PlanInfo, 0, len(tiers))
	for _, tier := range tiers {
		out = append(out, PlanInfo{Tier: tier, Quota: s.plans.Quota(tier)})
	}
	httputil.WriteSuccess(w, out)
}
