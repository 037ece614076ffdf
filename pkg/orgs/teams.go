package orgs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/platinummonkey/tenantguard/pkg/authzerr"
	"github.com/platinummonkey/tenantguard/pkg/rbac"
)

const teamColumns = `id, organization_id, name, leader_membership_id, capability_overrides, version, created_at, updated_at`

// CreateTeam creates a team at version 1
func (s *PostgresService) CreateTeam(ctx context.Context, orgID int64, name string, leaderMembershipID *int64) (*Team, error) {
	if strings.TrimSpace(name) == "" {
		return nil, authzerr.New(authzerr.KindInvalidArgument, "team name is required")
	}

	now := s.now().UTC()
	team := &Team{
		OrganizationID:      orgID,
		Name:                name,
		LeaderMembershipID:  leaderMembershipID,
		CapabilityOverrides: rbac.CapabilitySet{},
		Version:             1,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	query := `
		INSERT INTO teams (organization_id, name, leader_membership_id, capability_overrides, version, created_at, updated_at)
		VALUES ($1, $2, $3, '{}', 1, $4, $4)
		RETURNING id
	`
	err := s.db.QueryRowContext(ctx, query, orgID, name, leaderMembershipID, now).Scan(&team.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, authzerr.New(authzerr.KindInvalidArgument, "team %q already exists", name)
		}
		return nil, fmt.Errorf("failed to create team: %w", err)
	}
	return team, nil
}

// GetTeam retrieves a team by ID
func (s *PostgresService) GetTeam(ctx context.Context, id int64) (*Team, error) {
	query := `SELECT ` + teamColumns + ` FROM teams WHERE id = $1`
	team, err := scanTeam(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authzerr.New(authzerr.KindNotFound, "team %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get team: %w", err)
	}
	return team, nil
}

// AddTeamMember adds a membership to a team. Both the team and the membership
// versions are bumped so cached snapshots of the member go stale. Adding an
// existing member is a no-op.
func (s *PostgresService) AddTeamMember(ctx context.Context, teamID, membershipID int64) error {
	return s.changeTeamMembership(ctx, teamID, membershipID, true)
}

// RemoveTeamMember removes a membership from a team, bumping both versions
func (s *PostgresService) RemoveTeamMember(ctx context.Context, teamID, membershipID int64) error {
	return s.changeTeamMembership(ctx, teamID, membershipID, false)
}

func (s *PostgresService) changeTeamMembership(ctx context.Context, teamID, membershipID int64, add bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var teamOrg, memberOrg int64
	err = tx.QueryRowContext(ctx, `SELECT organization_id FROM teams WHERE id = $1 FOR UPDATE`, teamID).Scan(&teamOrg)
	if errors.Is(err, sql.ErrNoRows) {
		return authzerr.New(authzerr.KindNotFound, "team %d not found", teamID)
	}
	if err != nil {
		return fmt.Errorf("failed to lock team: %w", err)
	}
	err = tx.QueryRowContext(ctx,
		`SELECT organization_id FROM memberships WHERE id = $1 AND status <> 'removed' FOR UPDATE`,
		membershipID,
	).Scan(&memberOrg)
	if errors.Is(err, sql.ErrNoRows) {
		return authzerr.New(authzerr.KindNotFound, "membership %d not found", membershipID)
	}
	if err != nil {
		return fmt.Errorf("failed to lock membership: %w", err)
	}
	if teamOrg != memberOrg {
		return authzerr.New(authzerr.KindInvalidArgument,
			"membership %d and team %d belong to different organizations", membershipID, teamID)
	}

	var result sql.Result
	if add {
		result, err = tx.ExecContext(ctx,
			`INSERT INTO team_members (team_id, membership_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			teamID, membershipID)
	} else {
		result, err = tx.ExecContext(ctx,
			`DELETE FROM team_members WHERE team_id = $1 AND membership_id = $2`,
			teamID, membershipID)
	}
	if err != nil {
		return fmt.Errorf("failed to update team members: %w", err)
	}
	changed, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if changed == 0 {
		if add {
			return tx.Commit()
		}
		return authzerr.New(authzerr.KindNotFound, "membership %d is not in team %d", membershipID, teamID)
	}

	now := s.now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE teams SET version = version + 1, updated_at = $1 WHERE id = $2`, now, teamID); err != nil {
		return fmt.Errorf("failed to bump team version: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE memberships SET version = version + 1, updated_at = $1 WHERE id = $2`, now, membershipID); err != nil {
		return fmt.Errorf("failed to bump membership version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit team membership: %w", err)
	}
	return nil
}

// SetTeamOverrides replaces the team's capability layer
func (s *PostgresService) SetTeamOverrides(ctx context.Context, teamID, expectedVersion int64, caps rbac.CapabilitySet) (*Team, error) {
	if err := caps.Validate(); err != nil {
		return nil, authzerr.Wrap(authzerr.KindInvalidArgument, err, "invalid capability overrides")
	}
	data, err := rbac.MarshalCapabilities(caps)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal overrides: %w", err)
	}

	query := `
		UPDATE teams
		SET capability_overrides = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4
		RETURNING ` + teamColumns

	team, err := scanTeam(s.db.QueryRowContext(ctx, query, string(data), s.now().UTC(), teamID, expectedVersion))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authzerr.New(authzerr.KindConcurrentModification,
			"team %d is no longer at version %d", teamID, expectedVersion)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to set team overrides: %w", err)
	}
	return team, nil
}

func scanTeam(scanner interface {
	Scan(dest ...any) error
}) (*Team, error) {
	team := &Team{}
	var (
		leader    sql.NullInt64
		overrides []byte
	)
	if err := scanner.Scan(
		&team.ID, &team.OrganizationID, &team.Name, &leader, &overrides,
		&team.Version, &team.CreatedAt, &team.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if leader.Valid {
		id := leader.Int64
		team.LeaderMembershipID = &id
	}
	caps, err := rbac.UnmarshalCapabilities(overrides)
	if err != nil {
		return nil, fmt.Errorf("team %d: %w", team.ID, err)
	}
	team.CapabilityOverrides = caps
	return team, nil
}
