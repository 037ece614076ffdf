package permcache

import (
	"fmt"
	"time"

	"github.com/platinummonkey/tenantguard/pkg/rbac"
)

// Stamp is the version tuple a snapshot was computed from. Every input that
// can change a membership's effective capabilities bumps one of its parts:
//
//   - membership edits, role reassignment and team-set changes bump MembershipVersion
//   - role edits bump RoleVersion
//   - team override edits bump one team version, and so TeamVersion (the sum)
type Stamp struct {
	MembershipVersion int64 `json:"membership_version"`
	RoleID            int64 `json:"role_id"`
	RoleVersion       int64 `json:"role_version"`
	TeamVersion       int64 `json:"team_version"`
}

// Equal reports whether both stamps describe the same inputs
func (s Stamp) Equal(o Stamp) bool {
	return s == o
}

// NewerThan reports whether s strictly dominates o. A higher membership
// version always wins. With equal membership versions the role must be the
// same and both role and team versions at least as high, one strictly higher.
// Stamps that are not ordered this way are not newer.
func (s Stamp) NewerThan(o Stamp) bool {
	if s.MembershipVersion != o.MembershipVersion {
		return s.MembershipVersion > o.MembershipVersion
	}
	if s.RoleID != o.RoleID {
		return false
	}
	if s.RoleVersion < o.RoleVersion || s.TeamVersion < o.TeamVersion {
		return false
	}
	return s.RoleVersion > o.RoleVersion || s.TeamVersion > o.TeamVersion
}

func (s Stamp) String() string {
	return fmt.Sprintf("m%d/r%d@%d/t%d", s.MembershipVersion, s.RoleID, s.RoleVersion, s.TeamVersion)
}

// Snapshot is the cached effective capability set of one membership.
// Snapshots are immutable once stored.
type Snapshot struct {
	MembershipID   int64              `json:"membership_id"`
	OrganizationID int64              `json:"organization_id"`
	Stamp          Stamp              `json:"stamp"`
	Capabilities   rbac.CapabilitySet `json:"capabilities"`
	ResolvedAt     time.Time          `json:"resolved_at"`
	ExpiresAt      time.Time          `json:"expires_at"`
}

// Expired reports whether the snapshot must not be served at now
func (s *Snapshot) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Current is the live state of a membership as read from storage
type Current struct {
	OrganizationID int64
	Active         bool
	Stamp          Stamp
}

// Inputs are the capability layers of one membership, read consistently
type Inputs struct {
	Current
	Role rbac.CapabilitySet
	// Teams are ordered by team ID
	Teams      []rbac.CapabilitySet
	Membership rbac.CapabilitySet
}

// Effective merges the layers: role, then teams, then membership
func (in *Inputs) Effective() rbac.CapabilitySet {
	layers := make([]rbac.CapabilitySet, 0, len(in.Teams)+1)
	layers = append(layers, in.Teams...)
	layers = append(layers, in.Membership)
	return rbac.Merge(in.Role, layers...)
}
