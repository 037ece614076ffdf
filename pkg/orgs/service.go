package orgs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/tenantguard/pkg/authzerr"
	"github.com/platinummonkey/tenantguard/pkg/rbac"
)

// PostgresService implements the Service interface using PostgreSQL
type PostgresService struct {
	db    *sql.DB
	seats SeatPolicy
	now   func() time.Time
}

// NewPostgresService creates a new PostgresService. seats may be nil, in which
// case invitations are not capped.
func NewPostgresService(db *sql.DB, seats SeatPolicy) *PostgresService {
	return &PostgresService{db: db, seats: seats, now: time.Now}
}

const orgColumns = `id, name, slug, plan_tier, status, settings, version, created_at, updated_at, deleted_at`

// CreateOrganization creates an organization together with its owner. The
// system roles are seeded if missing and the owner gets an active membership
// with the admin role, all in one transaction, so a new organization always
// has a member who can administer it.
func (s *PostgresService) CreateOrganization(ctx context.Context, req *CreateOrgRequest) (*Organization, *Membership, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, nil, authzerr.New(authzerr.KindInvalidArgument, "organization name is required")
	}
	if req.OwnerUserID <= 0 {
		return nil, nil, authzerr.New(authzerr.KindInvalidArgument, "organization owner is required")
	}

	org := &Organization{
		Name:     req.Name,
		Slug:     req.Slug,
		PlanTier: req.PlanTier,
		Status:   OrgStatusActive,
		Settings: req.Settings,
		Version:  1,
	}
	// Generate slug from name if not provided
	if org.Slug == "" {
		org.Slug = generateSlug(org.Name)
	}
	if org.PlanTier == "" {
		org.PlanTier = PlanTrial
	}

	settingsJSON, err := json.Marshal(org.Settings)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal settings: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	query := `
		INSERT INTO organizations (name, slug, plan_tier, status, settings, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $6)
		RETURNING id
	`
	err = tx.QueryRowContext(ctx, query, org.Name, org.Slug, org.PlanTier, org.Status, settingsJSON, now).
		Scan(&org.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil, authzerr.New(authzerr.KindInvalidArgument, "organization slug %q already taken", org.Slug)
		}
		return nil, nil, fmt.Errorf("failed to create organization: %w", err)
	}
	org.CreatedAt = now
	org.UpdatedAt = now

	if err := rbac.SeedSystemRoles(ctx, tx, now); err != nil {
		return nil, nil, err
	}
	var adminRoleID int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM roles WHERE organization_id IS NULL AND name = $1 AND deleted_at IS NULL FOR SHARE`,
		rbac.RoleAdmin,
	).Scan(&adminRoleID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find admin role: %w", err)
	}

	owner := &Membership{
		OrganizationID:      org.ID,
		UserID:              req.OwnerUserID,
		RoleID:              adminRoleID,
		Status:              MembershipActive,
		CapabilityOverrides: rbac.CapabilitySet{},
		Version:             1,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO memberships (organization_id, user_id, role_id, status, capability_overrides, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, '{}', 1, $5, $5)
		RETURNING id`,
		org.ID, req.OwnerUserID, adminRoleID, MembershipActive, now,
	).Scan(&owner.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create owner membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit organization: %w", err)
	}
	return org, owner, nil
}

// GetOrganization retrieves an organization by ID, including deleted ones
func (s *PostgresService) GetOrganization(ctx context.Context, id int64) (*Organization, error) {
	query := `SELECT ` + orgColumns + `
		FROM organizations
		WHERE id = $1
	`
	org := &Organization{}
	var (
		settingsJSON []byte
		deletedAt    sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&org.ID, &org.Name, &org.Slug, &org.PlanTier, &org.Status, &settingsJSON,
		&org.Version, &org.CreatedAt, &org.UpdatedAt, &deletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authzerr.New(authzerr.KindNotFound, "organization %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}

	if len(settingsJSON) > 0 {
		if err := json.Unmarshal(settingsJSON, &org.Settings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
		}
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		org.DeletedAt = &t
	}

	return org, nil
}

// UpdatePlanTier records a tier change reported by billing
func (s *PostgresService) UpdatePlanTier(ctx context.Context, orgID int64, tier PlanTier) error {
	if tier == "" {
		return authzerr.New(authzerr.KindInvalidArgument, "plan tier is required")
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE organizations
		SET plan_tier = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND status <> 'deleted'`,
		tier, s.now().UTC(), orgID,
	)
	if err != nil {
		return fmt.Errorf("failed to update plan tier: %w", err)
	}
	return expectOneRow(result, "organization", orgID)
}

// SetStatus changes the organization status. Deletion is soft and terminal.
func (s *PostgresService) SetStatus(ctx context.Context, orgID int64, status OrgStatus) error {
	if !status.Valid() {
		return authzerr.New(authzerr.KindInvalidArgument, "invalid organization status %q", status)
	}

	now := s.now().UTC()
	var deletedAt *time.Time
	if status == OrgStatusDeleted {
		deletedAt = &now
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE organizations
		SET status = $1, deleted_at = COALESCE($2, deleted_at), version = version + 1, updated_at = $3
		WHERE id = $4 AND status <> 'deleted'`,
		status, deletedAt, now, orgID,
	)
	if err != nil {
		return fmt.Errorf("failed to set organization status: %w", err)
	}
	return expectOneRow(result, "organization", orgID)
}

func expectOneRow(result sql.Result, entity string, id int64) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return authzerr.New(authzerr.KindNotFound, "%s %d not found", entity, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Helper function to generate slug from name
func generateSlug(name string) string {
	slug := strings.ToLower(name)
	slug = strings.ReplaceAll(slug, " ", "-")
	slug = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return -1
	}, slug)
	return slug
}
