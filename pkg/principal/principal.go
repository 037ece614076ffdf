// Package principal resolves a verified credential plus an optional
// organization selector into exactly one active membership.
package principal

import (
	"context"
	"fmt"

	"github.com/platinummonkey/tenantguard/pkg/auth"
	"github.com/platinummonkey/tenantguard/pkg/authzerr"
	"github.com/platinummonkey/tenantguard/pkg/orgs"
)

// Principal is the resolved identity every downstream check runs against.
// It is passed explicitly to each operation, never looked up implicitly.
type Principal struct {
	UserID         int64         `json:"user_id"`
	OrganizationID int64         `json:"organization_id"`
	MembershipID   int64         `json:"membership_id"`
	RoleID         int64         `json:"role_id"`
	APIKeyID       *int64        `json:"api_key_id,omitempty"`
	PlanTier       orgs.PlanTier `json:"plan_tier"`
}

// Options tunes resolution for one operation
type Options struct {
	// AllowBillingRecovery lets members of suspended or trial-expired
	// organizations through, for the endpoints that restore billing.
	AllowBillingRecovery bool
}

// Directory is the read side of the organization store the resolver needs
type Directory interface {
	GetOrganization(ctx context.Context, id int64) (*orgs.Organization, error)
	ListActiveMemberships(ctx context.Context, userID int64) ([]*orgs.Membership, error)
}

// Resolver turns credentials into principals. It never mutates state.
type Resolver struct {
	dir Directory
}

// NewResolver creates a resolver over the organization directory
func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve picks the organization context for cred.
//
// An explicit selector (header or path) takes precedence over the token's
// organization claim; when both are present and differ the request is
// ambiguous. With a target organization the user must hold an active
// membership there. Without one the user must hold exactly one active
// membership overall.
func (r *Resolver) Resolve(ctx context.Context, cred *auth.Credential, selector *int64, opts Options) (*Principal, error) {
	if cred == nil || cred.UserID <= 0 {
		return nil, authzerr.New(authzerr.KindUnauthenticated, "missing credential")
	}

	target, err := targetOrganization(cred, selector)
	if err != nil {
		return nil, err
	}

	memberships, err := r.dir.ListActiveMemberships(ctx, cred.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}

	var chosen *orgs.Membership
	if target != nil {
		for _, m := range memberships {
			if m.OrganizationID == *target && m.Status == orgs.MembershipActive {
				chosen = m
				break
			}
		}
		if chosen == nil {
			return nil, authzerr.New(authzerr.KindNoActiveMembership,
				"user %d has no active membership in organization %d", cred.UserID, *target)
		}
	} else {
		var active []*orgs.Membership
		for _, m := range memberships {
			if m.Status == orgs.MembershipActive {
				active = append(active, m)
			}
		}
		switch len(active) {
		case 0:
			return nil, authzerr.New(authzerr.KindNoActiveMembership, "user %d has no active membership", cred.UserID)
		case 1:
			chosen = active[0]
		default:
			return nil, authzerr.New(authzerr.KindAmbiguousContext,
				"user %d belongs to %d organizations, select one", cred.UserID, len(active))
		}
	}

	org, err := r.dir.GetOrganization(ctx, chosen.OrganizationID)
	if err != nil {
		if authzerr.KindOf(err) == authzerr.KindNotFound {
			return nil, authzerr.New(authzerr.KindNoActiveMembership, "organization %d is gone", chosen.OrganizationID)
		}
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	switch {
	case org.Status == orgs.OrgStatusDeleted:
		return nil, authzerr.New(authzerr.KindNoActiveMembership, "organization %d is deleted", org.ID)
	case org.Status.Restricted() && !opts.AllowBillingRecovery:
		return nil, authzerr.New(authzerr.KindOrganizationSuspended, "organization %d is %s", org.ID, org.Status)
	}

	return &Principal{
		UserID:         cred.UserID,
		OrganizationID: org.ID,
		MembershipID:   chosen.ID,
		RoleID:         chosen.RoleID,
		APIKeyID:       cred.APIKeyID,
		PlanTier:       org.PlanTier,
	}, nil
}

func targetOrganization(cred *auth.Credential, selector *int64) (*int64, error) {
	switch {
	case selector != nil && cred.OrganizationID != nil && *selector != *cred.OrganizationID:
		return nil, authzerr.New(authzerr.KindAmbiguousContext,
			"selected organization %d does not match credential organization %d", *selector, *cred.OrganizationID)
	case selector != nil:
		return selector, nil
	default:
		return cred.OrganizationID, nil
	}
}
