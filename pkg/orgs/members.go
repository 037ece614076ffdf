package orgs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/platinummonkey/tenantguard/pkg/authzerr"
	"github.com/platinummonkey/tenantguard/pkg/rbac"
)

const membershipColumns = `m.id, m.organization_id, m.user_id, m.role_id, m.status, m.capability_overrides,
		       m.version, m.invited_by, m.created_at, m.updated_at`

// GetMembership retrieves a membership by ID
func (s *PostgresService) GetMembership(ctx context.Context, id int64) (*Membership, error) {
	query := `
		SELECT ` + membershipColumns + `
		FROM memberships m
		WHERE m.id = $1
	`
	m, err := scanMembership(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authzerr.New(authzerr.KindNotFound, "membership %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	return m, nil
}

// ListActiveMemberships lists the active memberships of a user in
// organizations that are not deleted, ordered by organization.
func (s *PostgresService) ListActiveMemberships(ctx context.Context, userID int64) ([]*Membership, error) {
	query := `
		SELECT ` + membershipColumns + `
		FROM memberships m
		JOIN organizations o ON o.id = m.organization_id
		WHERE m.user_id = $1 AND m.status = 'active' AND o.status <> 'deleted'
		ORDER BY m.organization_id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	var memberships []*Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		memberships = append(memberships, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}

	return memberships, nil
}

// InviteMember creates a membership in the invited state
func (s *PostgresService) InviteMember(ctx context.Context, orgID, userID, roleID int64, invitedBy *int64) (*Membership, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.checkSeatQuota(ctx, tx, orgID); err != nil {
		return nil, err
	}
	if err := checkRoleAssignable(ctx, tx, orgID, roleID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	m := &Membership{
		OrganizationID:      orgID,
		UserID:              userID,
		RoleID:              roleID,
		Status:              MembershipInvited,
		CapabilityOverrides: rbac.CapabilitySet{},
		Version:             1,
		InvitedBy:           invitedBy,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	query := `
		INSERT INTO memberships (organization_id, user_id, role_id, status, capability_overrides, version, invited_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, '{}', 1, $5, $6, $6)
		RETURNING id
	`
	err = tx.QueryRowContext(ctx, query, orgID, userID, roleID, MembershipInvited, invitedBy, now).Scan(&m.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, authzerr.New(authzerr.KindInvalidArgument,
				"user %d already has a membership in organization %d", userID, orgID)
		}
		return nil, fmt.Errorf("failed to create membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit membership: %w", err)
	}
	return m, nil
}

// TransitionMembership moves a membership along its lifecycle
func (s *PostgresService) TransitionMembership(ctx context.Context, id, expectedVersion int64, to MembershipStatus) (*Membership, error) {
	m, err := s.GetMembership(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Version != expectedVersion {
		return nil, staleMembership(id, expectedVersion)
	}
	if !CanTransition(m.Status, to) {
		return nil, authzerr.New(authzerr.KindInvalidArgument,
			"membership cannot move from %s to %s", m.Status, to)
	}

	now := s.now().UTC()
	query := `
		UPDATE memberships
		SET status = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4
		RETURNING version
	`
	err = s.db.QueryRowContext(ctx, query, to, now, id, expectedVersion).Scan(&m.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, staleMembership(id, expectedVersion)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition membership: %w", err)
	}

	m.Status = to
	m.UpdatedAt = now
	return m, nil
}

// ChangeMembershipRole assigns another role. The role must be a system role or
// belong to the membership's organization.
func (s *PostgresService) ChangeMembershipRole(ctx context.Context, id, expectedVersion, roleID int64) (*Membership, error) {
	m, err := s.GetMembership(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status == MembershipRemoved {
		return nil, authzerr.New(authzerr.KindInvalidArgument, "membership %d is removed", id)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := checkRoleAssignable(ctx, tx, m.OrganizationID, roleID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	query := `
		UPDATE memberships
		SET role_id = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4 AND status <> 'removed'
		RETURNING version
	`
	err = tx.QueryRowContext(ctx, query, roleID, now, id, expectedVersion).Scan(&m.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, staleMembership(id, expectedVersion)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to change membership role: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit membership: %w", err)
	}

	m.RoleID = roleID
	m.UpdatedAt = now
	return m, nil
}

// SetMembershipOverrides replaces the membership's own capability layer
func (s *PostgresService) SetMembershipOverrides(ctx context.Context, id, expectedVersion int64, caps rbac.CapabilitySet) (*Membership, error) {
	if err := caps.Validate(); err != nil {
		return nil, authzerr.Wrap(authzerr.KindInvalidArgument, err, "invalid capability overrides")
	}
	data, err := rbac.MarshalCapabilities(caps)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal overrides: %w", err)
	}

	query := `
		UPDATE memberships m
		SET capability_overrides = $1, version = m.version + 1, updated_at = $2
		WHERE m.id = $3 AND m.version = $4 AND m.status <> 'removed'
		RETURNING ` + membershipColumns

	m, err := scanMembership(s.db.QueryRowContext(ctx, query, string(data), s.now().UTC(), id, expectedVersion))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, staleMembership(id, expectedVersion)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to set membership overrides: %w", err)
	}
	return m, nil
}

// checkRoleAssignable locks the role row in share mode so it cannot be deleted
// until the assigning transaction ends.
func checkRoleAssignable(ctx context.Context, tx *sql.Tx, orgID, roleID int64) error {
	var roleOrg sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT organization_id FROM roles WHERE id = $1 AND deleted_at IS NULL FOR SHARE`,
		roleID,
	).Scan(&roleOrg)
	if errors.Is(err, sql.ErrNoRows) {
		return authzerr.New(authzerr.KindInvalidArgument, "role %d does not exist", roleID)
	}
	if err != nil {
		return fmt.Errorf("failed to lock role: %w", err)
	}
	if roleOrg.Valid && roleOrg.Int64 != orgID {
		return authzerr.New(authzerr.KindInvalidArgument, "role %d belongs to another organization", roleID)
	}
	return nil
}

func staleMembership(id, expectedVersion int64) error {
	return authzerr.New(authzerr.KindConcurrentModification,
		"membership %d is no longer at version %d", id, expectedVersion)
}

// scanMembership scans a membership from a database row
func scanMembership(scanner interface {
	Scan(dest ...any) error
}) (*Membership, error) {
	m := &Membership{}
	var (
		overrides []byte
		invitedBy sql.NullInt64
	)
	if err := scanner.Scan(
		&m.ID, &m.OrganizationID, &m.UserID, &m.RoleID, &m.Status, &overrides,
		&m.Version, &invitedBy, &m.CreatedAt, &m.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if invitedBy.Valid {
		id := invitedBy.Int64
		m.InvitedBy = &id
	}

	caps, err := rbac.UnmarshalCapabilities(overrides)
	if err != nil {
		return nil, fmt.Errorf("membership %d: %w", m.ID, err)
	}
	m.CapabilityOverrides = caps
	return m, nil
}
