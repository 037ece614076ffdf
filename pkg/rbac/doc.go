// Package rbac holds the capability model and the versioned role store.
//
// # Capabilities
//
// A capability set maps (resource, action) pairs to allow or deny:
//
//	caps := rbac.CapabilitySet{
//		{Resource: rbac.ResourceContact, Action: rbac.ActionRead}:   rbac.Allow,
//		{Resource: rbac.ResourceContact, Action: rbac.ActionDelete}: rbac.Deny,
//	}
//	caps.Allows(rbac.ResourceContact, rbac.ActionRead) // true
//
// Lookups fall back from the exact pair to "resource:*", "*:action" and "*:*".
// A pair that matches nothing is denied.
//
// Effective capabilities are built by layering sets with Merge. Each later
// layer overrides the earlier ones pair by pair, for grants and denials alike:
//
//	effective := rbac.Merge(role.Capabilities, teamOverrides, membershipOverrides)
//
// # Roles
//
// System roles (admin, staff, viewer) are shared by all organizations and are
// immutable. Custom roles belong to one organization. Every role carries a
// version that each mutation bumps by exactly one; UpdateRole and DeleteRole
// take the version the caller last saw and fail with concurrent_modification
// when it moved.
//
// DeleteRole refuses while any membership that is not removed still references
// the role. Memberships are never cascaded.
package rbac
