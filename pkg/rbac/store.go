package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/tenantguard/pkg/authzerr"
)

// uniqueViolation is the Postgres SQLSTATE for unique constraint failures
const uniqueViolation = "23505"

const roleColumns = `id, organization_id, name, description, capabilities, is_system, is_default, version, created_at, updated_at, created_by`

// Store handles role persistence. Every mutation bumps the role's version by
// exactly one; the version is the only staleness signal used by caches.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new role store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// GetRole retrieves a live role by ID
func (s *Store) GetRole(ctx context.Context, roleID int64) (*Role, error) {
	query := `SELECT ` + roleColumns + `
		FROM roles
		WHERE id = $1 AND deleted_at IS NULL`

	role, err := scanRole(s.db.QueryRowContext(ctx, query, roleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authzerr.New(authzerr.KindNotFound, "role %d not found", roleID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// GetCapabilities returns the capability set of a role
func (s *Store) GetCapabilities(ctx context.Context, roleID int64) (CapabilitySet, error) {
	role, err := s.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	return role.Capabilities, nil
}

// ListRoles lists the system roles plus the custom roles of an organization
func (s *Store) ListRoles(ctx context.Context, organizationID int64) ([]*Role, error) {
	query := `SELECT ` + roleColumns + `
		FROM roles
		WHERE (organization_id = $1 OR organization_id IS NULL) AND deleted_at IS NULL
		ORDER BY is_system DESC, name ASC`

	rows, err := s.db.QueryContext(ctx, query, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// CreateCustomRole creates an organization-owned role at version 1. When the
// spec is marked default, the previous default role of the organization loses
// the flag in the same transaction.
func (s *Store) CreateCustomRole(ctx context.Context, organizationID int64, createdBy *int64, spec RoleSpec) (*Role, error) {
	if err := spec.Validate(); err != nil {
		return nil, authzerr.Wrap(authzerr.KindInvalidArgument, err, "invalid role spec")
	}
	caps, err := MarshalCapabilities(spec.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal capabilities: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	if spec.IsDefault {
		if err := clearDefaultRole(ctx, tx, organizationID, 0, now); err != nil {
			return nil, err
		}
	}

	query := `
		INSERT INTO roles (organization_id, name, description, capabilities, is_system, is_default, version, created_at, updated_at, created_by)
		VALUES ($1, $2, $3, $4, FALSE, $5, 1, $6, $6, $7)
		RETURNING id`

	role := &Role{
		OrganizationID: &organizationID,
		Name:           spec.Name,
		Description:    spec.Description,
		Capabilities:   spec.Capabilities.Clone(),
		IsDefault:      spec.IsDefault,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
		CreatedBy:      createdBy,
	}
	err = tx.QueryRowContext(ctx, query,
		organizationID, spec.Name, spec.Description, string(caps), spec.IsDefault, now, createdBy,
	).Scan(&role.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, authzerr.New(authzerr.KindInvalidArgument, "role %q already exists", spec.Name)
		}
		return nil, fmt.Errorf("failed to create role: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit role: %w", err)
	}
	return role, nil
}

// UpdateRole replaces a custom role's spec if its version still equals
// expectedVersion. Conflicting concurrent edits fail with
// ConcurrentModification and are never merged.
func (s *Store) UpdateRole(ctx context.Context, roleID, expectedVersion int64, spec RoleSpec) (*Role, error) {
	role, err := s.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if role.IsSystem {
		return nil, authzerr.New(authzerr.KindImmutableRole, "system role %q cannot be modified", role.Name)
	}
	if err := spec.Validate(); err != nil {
		return nil, authzerr.Wrap(authzerr.KindInvalidArgument, err, "invalid role spec")
	}
	caps, err := MarshalCapabilities(spec.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal capabilities: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	if spec.IsDefault && !role.IsDefault {
		if err := clearDefaultRole(ctx, tx, *role.OrganizationID, roleID, now); err != nil {
			return nil, err
		}
	}

	query := `
		UPDATE roles
		SET name = $1, description = $2, capabilities = $3, is_default = $4, version = version + 1, updated_at = $5
		WHERE id = $6 AND version = $7 AND is_system = FALSE AND deleted_at IS NULL
		RETURNING version`

	var newVersion int64
	err = tx.QueryRowContext(ctx, query,
		spec.Name, spec.Description, string(caps), spec.IsDefault, now, roleID, expectedVersion,
	).Scan(&newVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authzerr.New(authzerr.KindConcurrentModification,
			"role %d is no longer at version %d", roleID, expectedVersion)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return nil, authzerr.New(authzerr.KindInvalidArgument, "role %q already exists", spec.Name)
		}
		return nil, fmt.Errorf("failed to update role: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit role: %w", err)
	}

	role.Name = spec.Name
	role.Description = spec.Description
	role.Capabilities = spec.Capabilities.Clone()
	role.IsDefault = spec.IsDefault
	role.Version = newVersion
	role.UpdatedAt = now
	return role, nil
}

// DeleteRole soft-deletes a custom role. It fails with RoleInUse while any
// membership that is not removed still references the role; memberships are
// never cascaded. The role row is locked so a concurrent role assignment
// cannot slip in between the usage check and the delete.
func (s *Store) DeleteRole(ctx context.Context, roleID, expectedVersion int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		name     string
		isSystem bool
		version  int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT name, is_system, version FROM roles WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`,
		roleID,
	).Scan(&name, &isSystem, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return authzerr.New(authzerr.KindNotFound, "role %d not found", roleID)
	}
	if err != nil {
		return fmt.Errorf("failed to lock role: %w", err)
	}
	if isSystem {
		return authzerr.New(authzerr.KindImmutableRole, "system role %q cannot be deleted", name)
	}
	if version != expectedVersion {
		return authzerr.New(authzerr.KindConcurrentModification,
			"role %d is at version %d, expected %d", roleID, version, expectedVersion)
	}

	var refs int64
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memberships WHERE role_id = $1 AND status <> 'removed'`,
		roleID,
	).Scan(&refs)
	if err != nil {
		return fmt.Errorf("failed to count role usage: %w", err)
	}
	if refs > 0 {
		return authzerr.New(authzerr.KindRoleInUse, "role %q is referenced by %d memberships", name, refs)
	}

	now := s.now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE roles SET deleted_at = $1, is_default = FALSE, version = version + 1, updated_at = $1 WHERE id = $2`,
		now, roleID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit role deletion: %w", err)
	}
	return nil
}

// EnsureSystemRoles inserts the built-in roles if they are missing
func (s *Store) EnsureSystemRoles(ctx context.Context) error {
	return SeedSystemRoles(ctx, s.db, s.now().UTC())
}

// Execer is satisfied by *sql.DB and *sql.Tx
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SeedSystemRoles inserts the built-in roles that are missing. It is safe to
// run concurrently and inside another transaction.
func SeedSystemRoles(ctx context.Context, db Execer, now time.Time) error {
	query := `
		INSERT INTO roles (organization_id, name, description, capabilities, is_system, is_default, version, created_at, updated_at)
		VALUES (NULL, $1, $2, $3, TRUE, FALSE, 1, $4, $4)
		ON CONFLICT (name) WHERE organization_id IS NULL DO NOTHING`

	for _, role := range SystemRoles() {
		caps, err := MarshalCapabilities(role.Capabilities)
		if err != nil {
			return fmt.Errorf("failed to marshal capabilities: %w", err)
		}
		if _, err := db.ExecContext(ctx, query, role.Name, role.Description, string(caps), now); err != nil {
			return fmt.Errorf("failed to seed system role %q: %w", role.Name, err)
		}
	}
	return nil
}

// clearDefaultRole removes the default flag from every other live role of the
// organization, bumping their versions.
func clearDefaultRole(ctx context.Context, tx *sql.Tx, organizationID, exceptRoleID int64, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE roles
		SET is_default = FALSE, version = version + 1, updated_at = $1
		WHERE organization_id = $2 AND is_default AND id <> $3 AND deleted_at IS NULL`,
		now, organizationID, exceptRoleID,
	)
	if err != nil {
		return fmt.Errorf("failed to clear default role: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// scanRole scans a role from a database row
func scanRole(scanner interface {
	Scan(dest ...any) error
}) (*Role, error) {
	var (
		role      Role
		orgID     sql.NullInt64
		createdBy sql.NullInt64
		desc      sql.NullString
		caps      []byte
	)

	err := scanner.Scan(
		&role.ID,
		&orgID,
		&role.Name,
		&desc,
		&caps,
		&role.IsSystem,
		&role.IsDefault,
		&role.Version,
		&role.CreatedAt,
		&role.UpdatedAt,
		&createdBy,
	)
	if err != nil {
		return nil, err
	}

	if orgID.Valid {
		id := orgID.Int64
		role.OrganizationID = &id
	}
	if createdBy.Valid {
		id := createdBy.Int64
		role.CreatedBy = &id
	}
	role.Description = desc.String

	// A role whose stored capabilities cannot be decoded grants nothing
	role.Capabilities, err = UnmarshalCapabilities(caps)
	if err != nil {
		return nil, fmt.Errorf("role %d: %w", role.ID, err)
	}
	return &role, nil
}
