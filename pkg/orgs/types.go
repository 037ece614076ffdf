package orgs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/tenantguard/pkg/rbac"
)

// PlanTier represents subscription plan tiers. The tier is owned by billing;
// this package only stores it.
type PlanTier string

const (
	PlanStarter      PlanTier = "starter"
	PlanProfessional PlanTier = "professional"
	PlanEnterprise   PlanTier = "enterprise"
	PlanTrial        PlanTier = "trial"
)

// OrgStatus represents organization status
type OrgStatus string

const (
	OrgStatusActive       OrgStatus = "active"
	OrgStatusSuspended    OrgStatus = "suspended"
	OrgStatusTrialExpired OrgStatus = "trial_expired"
	OrgStatusDeleted      OrgStatus = "deleted"
)

// Valid reports whether s is a known status
func (s OrgStatus) Valid() bool {
	switch s {
	case OrgStatusActive, OrgStatusSuspended, OrgStatusTrialExpired, OrgStatusDeleted:
		return true
	}
	return false
}

// Restricted reports whether requests are refused except for billing recovery
func (s OrgStatus) Restricted() bool {
	return s == OrgStatusSuspended || s == OrgStatusTrialExpired
}

// Organization is the tenant boundary
type Organization struct {
	ID        int64          `json:"id"`
	Name      string         `json:"name"`
	Slug      string         `json:"slug"`
	PlanTier  PlanTier       `json:"plan_tier"`
	Status    OrgStatus      `json:"status"`
	Settings  map[string]any `json:"settings,omitempty"`
	Version   int64          `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt *time.Time     `json:"deleted_at,omitempty"`
}

// MembershipStatus is the lifecycle state of a membership
type MembershipStatus string

const (
	MembershipInvited  MembershipStatus = "invited"
	MembershipPending  MembershipStatus = "pending"
	MembershipActive   MembershipStatus = "active"
	MembershipInactive MembershipStatus = "inactive"
	MembershipRemoved  MembershipStatus = "removed"
)

var membershipTransitions = map[MembershipStatus][]MembershipStatus{
	MembershipInvited:  {MembershipPending, MembershipRemoved},
	MembershipPending:  {MembershipActive, MembershipRemoved},
	MembershipActive:   {MembershipInactive, MembershipRemoved},
	MembershipInactive: {MembershipActive, MembershipRemoved},
}

// Valid reports whether s is a known status
func (s MembershipStatus) Valid() bool {
	switch s {
	case MembershipInvited, MembershipPending, MembershipActive, MembershipInactive, MembershipRemoved:
		return true
	}
	return false
}

// CanTransition reports whether a membership may move from one status to another.
// Removed is terminal.
func CanTransition(from, to MembershipStatus) bool {
	for _, next := range membershipTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Membership binds a user to an organization with one role. IDs are never
// reused, so a removed and re-invited user gets a new membership.
type Membership struct {
	ID                  int64              `json:"id"`
	OrganizationID      int64              `json:"organization_id"`
	UserID              int64              `json:"user_id"`
	RoleID              int64              `json:"role_id"`
	Status              MembershipStatus   `json:"status"`
	CapabilityOverrides rbac.CapabilitySet `json:"capability_overrides"`
	Version             int64              `json:"version"`
	InvitedBy           *int64             `json:"invited_by,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// Team groups memberships of one organization and layers its own overrides
// between the role and the membership.
type Team struct {
	ID                  int64              `json:"id"`
	OrganizationID      int64              `json:"organization_id"`
	Name                string             `json:"name"`
	LeaderMembershipID  *int64             `json:"leader_membership_id,omitempty"`
	CapabilityOverrides rbac.CapabilitySet `json:"capability_overrides"`
	Version             int64              `json:"version"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// CreateOrgRequest represents request to create an organization
type CreateOrgRequest struct {
	Name        string         `json:"name"`
	OwnerUserID int64          `json:"owner_user_id"`
	Slug        string         `json:"slug,omitempty"`
	PlanTier    PlanTier       `json:"plan_tier,omitempty"`
	Settings    map[string]any `json:"settings,omitempty"`
}

// InviteMemberRequest represents request to invite a member
type InviteMemberRequest struct {
	UserID int64 `json:"user_id"`
	RoleID int64 `json:"role_id"`
}

// TransitionRequest moves a membership to a new status
type TransitionRequest struct {
	Status MembershipStatus `json:"status"`
}

// QuotaExceededError represents a quota exceeded error
type QuotaExceededError struct {
	Resource string
	Current  int64
	Limit    int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: %d of %d", e.Resource, e.Current, e.Limit)
}

// IsQuotaExceeded checks if an error is a quota exceeded error
func IsQuotaExceeded(err error) bool {
	var qe *QuotaExceededError
	return errors.As(err, &qe)
}

// SeatPolicy reports how many non-removed memberships a plan tier allows.
// Zero means unlimited.
type SeatPolicy interface {
	MaxMembers(tier string) int
}

// Service defines the interface for organization, membership and team management.
// Every mutation bumps the affected row versions; versioned mutations take the
// version the caller last saw and fail with concurrent_modification when it moved.
type Service interface {
	// Organizations
	CreateOrganization(ctx context.Context, req *CreateOrgRequest) (*Organization, *Membership, error)
	GetOrganization(ctx context.Context, id int64) (*Organization, error)
	UpdatePlanTier(ctx context.Context, orgID int64, tier PlanTier) error
	SetStatus(ctx context.Context, orgID int64, status OrgStatus) error

	// Memberships
	GetMembership(ctx context.Context, id int64) (*Membership, error)
	ListActiveMemberships(ctx context.Context, userID int64) ([]*Membership, error)
	InviteMember(ctx context.Context, orgID, userID, roleID int64, invitedBy *int64) (*Membership, error)
	TransitionMembership(ctx context.Context, id, expectedVersion int64, to MembershipStatus) (*Membership, error)
	ChangeMembershipRole(ctx context.Context, id, expectedVersion, roleID int64) (*Membership, error)
	SetMembershipOverrides(ctx context.Context, id, expectedVersion int64, caps rbac.CapabilitySet) (*Membership, error)

	// Teams
	CreateTeam(ctx context.Context, orgID int64, name string, leaderMembershipID *int64) (*Team, error)
	GetTeam(ctx context.Context, id int64) (*Team, error)
	AddTeamMember(ctx context.Context, teamID, membershipID int64) error
	RemoveTeamMember(ctx context.Context, teamID, membershipID int64) error
	SetTeamOverrides(ctx context.Context, teamID, expectedVersion int64, caps rbac.CapabilitySet) (*Team, error)
}
