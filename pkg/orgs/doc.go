// Package orgs manages organizations, memberships and teams.
//
// # Memberships
//
// A membership binds one user to one organization with one role. Its status
// follows a fixed lifecycle:
//
//	invited -> pending -> active <-> inactive
//	any state except removed -> removed
//
// Only active memberships authorize requests. Removed is terminal; a user who
// comes back gets a new membership with a new ID.
//
// # Versions
//
// Organizations, memberships and teams carry a version that every mutation
// bumps. Permission caches compare versions, never timestamps, to detect
// staleness, so adding or removing a team member bumps both the team and the
// membership.
//
// # Plans
//
// The plan tier is set by billing through UpdatePlanTier. A SeatPolicy caps
// the number of non-removed memberships per tier when inviting:
//
//	svc := orgs.NewPostgresService(db, planTable)
//	m, err := svc.InviteMember(ctx, orgID, userID, roleID, &inviterID)
package orgs
