package permcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/platinummonkey/tenantguard/pkg/authzerr"
	"github.com/platinummonkey/tenantguard/pkg/rbac"
)

// Source reads membership state from the system of record
type Source interface {
	// CurrentStamp reads the live stamp in a single round trip
	CurrentStamp(ctx context.Context, membershipID int64) (Current, error)
	// Load reads all capability layers from one consistent snapshot
	Load(ctx context.Context, membershipID int64) (*Inputs, error)
}

// PostgresSource implements Source on the memberships, roles and teams tables
type PostgresSource struct {
	db *sql.DB
}

// NewPostgresSource creates a new PostgresSource
func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

const currentStampQuery = `
	SELECT m.organization_id, m.status, m.version, m.role_id, r.version,
	       COALESCE((
	           SELECT SUM(t.version)
	           FROM team_members tm
	           JOIN teams t ON t.id = tm.team_id
	           WHERE tm.membership_id = m.id
	       ), 0)
	FROM memberships m
	JOIN roles r ON r.id = m.role_id
	WHERE m.id = $1
`

// CurrentStamp implements Source
func (s *PostgresSource) CurrentStamp(ctx context.Context, membershipID int64) (Current, error) {
	var (
		cur    Current
		status string
	)
	err := s.db.QueryRowContext(ctx, currentStampQuery, membershipID).Scan(
		&cur.OrganizationID, &status, &cur.Stamp.MembershipVersion,
		&cur.Stamp.RoleID, &cur.Stamp.RoleVersion, &cur.Stamp.TeamVersion,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Current{}, authzerr.New(authzerr.KindNoActiveMembership, "membership %d not found", membershipID)
	}
	if err != nil {
		return Current{}, fmt.Errorf("failed to read membership stamp: %w", err)
	}
	cur.Active = status == "active"
	return cur, nil
}

// Load implements Source. All reads happen in one read-only repeatable-read
// transaction so the returned stamp matches the returned layers.
func (s *PostgresSource) Load(ctx context.Context, membershipID int64) (*Inputs, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		in             Inputs
		status         string
		membershipCaps []byte
		roleCaps       []byte
	)
	err = tx.QueryRowContext(ctx, `
		SELECT m.organization_id, m.status, m.version, m.role_id, r.version,
		       m.capability_overrides, r.capabilities
		FROM memberships m
		JOIN roles r ON r.id = m.role_id
		WHERE m.id = $1`,
		membershipID,
	).Scan(
		&in.OrganizationID, &status, &in.Stamp.MembershipVersion,
		&in.Stamp.RoleID, &in.Stamp.RoleVersion, &membershipCaps, &roleCaps,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authzerr.New(authzerr.KindNoActiveMembership, "membership %d not found", membershipID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load membership: %w", err)
	}
	in.Active = status == "active"

	if in.Role, err = rbac.UnmarshalCapabilities(roleCaps); err != nil {
		return nil, fmt.Errorf("role %d: %w", in.Stamp.RoleID, err)
	}
	if in.Membership, err = rbac.UnmarshalCapabilities(membershipCaps); err != nil {
		return nil, fmt.Errorf("membership %d: %w", membershipID, err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT t.id, t.version, t.capability_overrides
		FROM team_members tm
		JOIN teams t ON t.id = tm.team_id
		WHERE tm.membership_id = $1
		ORDER BY t.id ASC`,
		membershipID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load teams: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			teamID, version int64
			data            []byte
		)
		if err := rows.Scan(&teamID, &version, &data); err != nil {
			return nil, fmt.Errorf("failed to scan team: %w", err)
		}
		caps, err := rbac.UnmarshalCapabilities(data)
		if err != nil {
			return nil, fmt.Errorf("team %d: %w", teamID, err)
		}
		in.Stamp.TeamVersion += version
		in.Teams = append(in.Teams, caps)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load teams: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit read: %w", err)
	}
	return &in, nil
}
