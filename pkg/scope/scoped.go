package scope

import (
	"context"
	"strconv"

	"github.com/platinummonkey/tenantguard/pkg/authzerr"
	"github.com/platinummonkey/tenantguard/pkg/principal"
	"github.com/platinummonkey/tenantguard/pkg/rbac"
)

// Entity is a tenant-scoped row
type Entity interface {
	GetID() int64
	GetOrganizationID() int64
	SetOrganizationID(orgID int64)
}

// Repository stores one entity type. Every method receives the
// organization predicate and must apply it to the statement it runs.
// A row that does not match the predicate is reported as
// authzerr.KindNotFound.
type Repository[T Entity] interface {
	Get(ctx context.Context, orgID, id int64) (T, error)
	List(ctx context.Context, orgID int64, q Query) ([]T, error)
	Create(ctx context.Context, orgID int64, entity T) (T, error)
	Update(ctx context.Context, orgID int64, entity T) (T, error)
	Delete(ctx context.Context, orgID, id int64) error
}

// Scoped wraps a repository so every call is authorized and bound to the
// principal's organization.
type Scoped[T Entity] struct {
	enforcer *Enforcer
	resource rbac.Resource
	repo     Repository[T]
}

// For binds a repository to the enforcer under a resource name
func For[T Entity](enforcer *Enforcer, resource rbac.Resource, repo Repository[T]) *Scoped[T] {
	return &Scoped[T]{enforcer: enforcer, resource: resource, repo: repo}
}

// Get reads one entity of the principal's organization
func (s *Scoped[T]) Get(ctx context.Context, p *principal.Principal, id int64) (T, error) {
	var zero T
	entity, err := s.get(ctx, p, rbac.ActionRead, id)
	s.enforcer.record(ctx, p, s.resource, rbac.ActionRead, formatID(id), err)
	if err != nil {
		return zero, err
	}
	return entity, nil
}

// get loads the target under the predicate before checking capabilities, so
// an entity of another organization is refused as cross-tenant whatever the
// principal may do in its own organization.
func (s *Scoped[T]) get(ctx context.Context, p *principal.Principal, action rbac.Action, id int64) (T, error) {
	var zero T
	if p == nil {
		return zero, authzerr.New(authzerr.KindUnauthenticated, "no principal")
	}
	entity, err := s.repo.Get(ctx, p.OrganizationID, id)
	if err != nil {
		return zero, classify(s.resource, err)
	}
	if entity.GetOrganizationID() != p.OrganizationID {
		return zero, s.enforcer.refuseForeign(p, s.resource, id, entity.GetOrganizationID())
	}
	if _, err := s.enforcer.check(ctx, p, s.resource, action); err != nil {
		return zero, err
	}
	return entity, nil
}

// List reads entities of the principal's organization. Any caller filter
// on organization_id is replaced by the principal's organization.
func (s *Scoped[T]) List(ctx context.Context, p *principal.Principal, q Query) ([]T, error) {
	out, err := s.list(ctx, p, q)
	s.enforcer.record(ctx, p, s.resource, rbac.ActionRead, "", err)
	return out, err
}

func (s *Scoped[T]) list(ctx context.Context, p *principal.Principal, q Query) ([]T, error) {
	if _, err := s.enforcer.check(ctx, p, s.resource, rbac.ActionRead); err != nil {
		return nil, err
	}
	items, err := s.repo.List(ctx, p.OrganizationID, q.withoutOrganization())
	if err != nil {
		return nil, classify(s.resource, err)
	}
	for _, item := range items {
		if item.GetOrganizationID() != p.OrganizationID {
			return nil, s.enforcer.refuseForeign(p, s.resource, item.GetID(), item.GetOrganizationID())
		}
	}
	return items, nil
}

// Create stores a new entity in the principal's organization, whatever
// organization the entity claims.
func (s *Scoped[T]) Create(ctx context.Context, p *principal.Principal, entity T) (T, error) {
	created, err := s.create(ctx, p, entity)
	id := ""
	if err == nil {
		id = formatID(created.GetID())
	}
	s.enforcer.record(ctx, p, s.resource, rbac.ActionCreate, id, err)
	return created, err
}

func (s *Scoped[T]) create(ctx context.Context, p *principal.Principal, entity T) (T, error) {
	var zero T
	if _, err := s.enforcer.check(ctx, p, s.resource, rbac.ActionCreate); err != nil {
		return zero, err
	}
	entity.SetOrganizationID(p.OrganizationID)
	created, err := s.repo.Create(ctx, p.OrganizationID, entity)
	if err != nil {
		return zero, classify(s.resource, err)
	}
	if created.GetOrganizationID() != p.OrganizationID {
		return zero, s.enforcer.refuseForeign(p, s.resource, created.GetID(), created.GetOrganizationID())
	}
	return created, nil
}

// Update replaces the entity with ID id. The existing row is read under
// the organization predicate first, and the write carries it again.
func (s *Scoped[T]) Update(ctx context.Context, p *principal.Principal, id int64, entity T) (T, error) {
	updated, err := s.update(ctx, p, id, entity)
	s.enforcer.record(ctx, p, s.resource, rbac.ActionUpdate, formatID(id), err)
	return updated, err
}

func (s *Scoped[T]) update(ctx context.Context, p *principal.Principal, id int64, entity T) (T, error) {
	var zero T
	existing, err := s.get(ctx, p, rbac.ActionUpdate, id)
	if err != nil {
		return zero, err
	}
	if entity.GetID() != existing.GetID() {
		return zero, classify(s.resource, notFound(s.resource, id))
	}
	entity.SetOrganizationID(p.OrganizationID)

	updated, err := s.repo.Update(ctx, p.OrganizationID, entity)
	if err != nil {
		return zero, classify(s.resource, err)
	}
	if updated.GetOrganizationID() != p.OrganizationID {
		return zero, s.enforcer.refuseForeign(p, s.resource, id, updated.GetOrganizationID())
	}
	return updated, nil
}

// Delete removes the entity with ID id from the principal's organization
func (s *Scoped[T]) Delete(ctx context.Context, p *principal.Principal, id int64) error {
	err := s.delete(ctx, p, id)
	s.enforcer.record(ctx, p, s.resource, rbac.ActionDelete, formatID(id), err)
	return err
}

func (s *Scoped[T]) delete(ctx context.Context, p *principal.Principal, id int64) error {
	if _, err := s.get(ctx, p, rbac.ActionDelete, id); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, p.OrganizationID, id); err != nil {
		return classify(s.resource, err)
	}
	return nil
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
