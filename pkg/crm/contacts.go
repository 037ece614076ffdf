// Package crm holds the tenant-scoped business entities served through the
// scoping enforcer. Contacts are the reference entity; repositories in this
// package always bind organization_id in every statement.
package crm

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/tenantguard/pkg/authzerr"
	"github.com/platinummonkey/tenantguard/pkg/scope"
)

// Stage is the lifecycle stage of a contact
type Stage string

const (
	StageLead     Stage = "lead"
	StageProspect Stage = "prospect"
	StageCustomer Stage = "customer"
	StageInactive Stage = "inactive"
)

// Valid reports whether s is a known stage
func (s Stage) Valid() bool {
	switch s {
	case StageLead, StageProspect, StageCustomer, StageInactive:
		return true
	}
	return false
}

// Contact is a person an organization tracks
type Contact struct {
	ID             int64                  `json:"id"`
	OrganizationID int64                  `json:"organization_id"`
	FirstName      string                 `json:"first_name"`
	LastName       string                 `json:"last_name,omitempty"`
	Email          string                 `json:"email,omitempty"`
	Phone          string                 `json:"phone,omitempty"`
	JobTitle       string                 `json:"job_title,omitempty"`
	Stage          Stage                  `json:"stage"`
	Source         string                 `json:"source,omitempty"`
	OwnerUserID    *int64                 `json:"owner_user_id,omitempty"`
	CustomFields   map[string]interface{} `json:"custom_fields,omitempty"`
	CreatedBy      *int64                 `json:"created_by,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

func (c *Contact) GetID() int64                  { return c.ID }
func (c *Contact) GetOrganizationID() int64      { return c.OrganizationID }
func (c *Contact) SetOrganizationID(orgID int64) { c.OrganizationID = orgID }

// Validate checks the fields a caller supplies
func (c *Contact) Validate() error {
	if strings.TrimSpace(c.FirstName) == "" {
		return authzerr.New(authzerr.KindInvalidArgument, "first_name is required")
	}
	if c.Stage == "" {
		c.Stage = StageLead
	}
	if !c.Stage.Valid() {
		return authzerr.New(authzerr.KindInvalidArgument, "invalid stage %q", c.Stage)
	}
	if c.Email != "" && !strings.Contains(c.Email, "@") {
		return authzerr.New(authzerr.KindInvalidArgument, "invalid email %q", c.Email)
	}
	return nil
}

// contactFilterColumns are the columns callers may filter and order on
var contactFilterColumns = map[string]bool{
	"email":         true,
	"stage":         true,
	"source":        true,
	"owner_user_id": true,
	"last_name":     true,
	"created_at":    true,
	"updated_at":    true,
}

const contactColumns = `id, organization_id, first_name, last_name, email, phone, job_title,
	stage, source, owner_user_id, custom_fields, created_by, created_at, updated_at`

// ContactRepository stores contacts in Postgres. It implements
// scope.Repository[*Contact].
type ContactRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewContactRepository creates a new ContactRepository
func NewContactRepository(db *sql.DB) *ContactRepository {
	return &ContactRepository{db: db, now: time.Now}
}

var _ scope.Repository[*Contact] = (*ContactRepository)(nil)

// Get implements scope.Repository
func (r *ContactRepository) Get(ctx context.Context, orgID, id int64) (*Contact, error) {
	query := `SELECT ` + contactColumns + `
		FROM contacts
		WHERE organization_id = $1 AND id = $2 AND deleted_at IS NULL`

	c, err := scanContact(r.db.QueryRowContext(ctx, query, orgID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authzerr.New(authzerr.KindNotFound, "contact %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}
	return c, nil
}

// List implements scope.Repository
func (r *ContactRepository) List(ctx context.Context, orgID int64, q scope.Query) ([]*Contact, error) {
	where, args, err := scope.BuildWhere(orgID, q, contactFilterColumns)
	if err != nil {
		return nil, err
	}
	order, args, err := scope.BuildOrder(q, contactFilterColumns, args)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + contactColumns + ` FROM contacts ` + where + ` AND deleted_at IS NULL ` + order
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	defer rows.Close()

	var contacts []*Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	return contacts, nil
}

// Create implements scope.Repository
func (r *ContactRepository) Create(ctx context.Context, orgID int64, c *Contact) (*Contact, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	custom, err := marshalCustomFields(c.CustomFields)
	if err != nil {
		return nil, err
	}

	now := r.now()
	query := `
		INSERT INTO contacts (organization_id, first_name, last_name, email, phone, job_title,
			stage, source, owner_user_id, custom_fields, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		RETURNING ` + contactColumns

	created, err := scanContact(r.db.QueryRowContext(ctx, query,
		orgID, c.FirstName, c.LastName, c.Email, c.Phone, c.JobTitle,
		c.Stage, c.Source, c.OwnerUserID, custom, c.CreatedBy, now,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create contact: %w", err)
	}
	return created, nil
}

// Update implements scope.Repository. The organization predicate is part of
// the statement, so a row of another organization is never touched.
func (r *ContactRepository) Update(ctx context.Context, orgID int64, c *Contact) (*Contact, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	custom, err := marshalCustomFields(c.CustomFields)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE contacts
		SET first_name = $1, last_name = $2, email = $3, phone = $4, job_title = $5,
			stage = $6, source = $7, owner_user_id = $8, custom_fields = $9, updated_at = $10
		WHERE id = $11 AND organization_id = $12 AND deleted_at IS NULL
		RETURNING ` + contactColumns

	updated, err := scanContact(r.db.QueryRowContext(ctx, query,
		c.FirstName, c.LastName, c.Email, c.Phone, c.JobTitle,
		c.Stage, c.Source, c.OwnerUserID, custom, r.now(),
		c.ID, orgID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authzerr.New(authzerr.KindNotFound, "contact %d not found", c.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update contact: %w", err)
	}
	return updated, nil
}

// Delete implements scope.Repository. Contacts are soft deleted.
func (r *ContactRepository) Delete(ctx context.Context, orgID, id int64) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE contacts SET deleted_at = $1, updated_at = $1
		WHERE id = $2 AND organization_id = $3 AND deleted_at IS NULL`,
		r.now(), id, orgID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete contact: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete contact: %w", err)
	}
	if n == 0 {
		return authzerr.New(authzerr.KindNotFound, "contact %d not found", id)
	}
	return nil
}

func marshalCustomFields(fields map[string]interface{}) ([]byte, error) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, authzerr.Wrap(authzerr.KindInvalidArgument, err, "invalid custom_fields")
	}
	return data, nil
}

func scanContact(scanner interface{ Scan(dest ...any) error }) (*Contact, error) {
	var (
		c      Contact
		custom []byte
		owner  sql.NullInt64
		by     sql.NullInt64
	)
	err := scanner.Scan(
		&c.ID, &c.OrganizationID, &c.FirstName, &c.LastName, &c.Email, &c.Phone, &c.JobTitle,
		&c.Stage, &c.Source, &owner, &custom, &by, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if owner.Valid {
		c.OwnerUserID = &owner.Int64
	}
	if by.Valid {
		c.CreatedBy = &by.Int64
	}
	if len(custom) > 0 {
		if err := json.Unmarshal(custom, &c.CustomFields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal custom_fields: %w", err)
		}
	}
	return &c, nil
}
