// Package scope is the single enforcement point between a resolved
// principal and tenant-scoped data.
//
// Every read and write goes through a Scoped repository, which checks the
// principal's capabilities and binds the principal's organization as a
// mandatory predicate. Entities of other organizations are reported as
// cross-tenant refusals, which callers render as not found.
package scope

import (
	"context"
	"errors"

	"github.com/platinummonkey/tenantguard/pkg/authzerr"
	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/permcache"
	"github.com/platinummonkey/tenantguard/pkg/principal"
	"github.com/platinummonkey/tenantguard/pkg/rbac"
)

// SnapshotResolver resolves a membership's capability snapshot
type SnapshotResolver interface {
	Resolve(ctx context.Context, membershipID int64) (*permcache.Snapshot, error)
}

// Auditor records one authorization decision. Implementations must not block.
type Auditor interface {
	RecordDecision(ctx context.Context, p *principal.Principal, resource rbac.Resource, action rbac.Action, resourceID string, err error)
}

// Enforcer decides whether a principal may perform an action
type Enforcer struct {
	snapshots SnapshotResolver
	auditor   Auditor
	logger    *observability.Logger
}

// NewEnforcer creates an enforcer. auditor may be nil.
func NewEnforcer(snapshots SnapshotResolver, auditor Auditor, logger *observability.Logger) *Enforcer {
	if logger == nil {
		logger = observability.Discard()
	}
	return &Enforcer{
		snapshots: snapshots,
		auditor:   auditor,
		logger:    logger.WithField("component", "scope"),
	}
}

// Authorize checks (resource, action) for the principal and records the
// decision. On success it returns the principal's effective capabilities.
func (e *Enforcer) Authorize(ctx context.Context, p *principal.Principal, resource rbac.Resource, action rbac.Action) (rbac.CapabilitySet, error) {
	caps, err := e.check(ctx, p, resource, action)
	e.record(ctx, p, resource, action, "", err)
	if err != nil {
		return nil, err
	}
	return caps, nil
}

func (e *Enforcer) check(ctx context.Context, p *principal.Principal, resource rbac.Resource, action rbac.Action) (rbac.CapabilitySet, error) {
	if p == nil {
		return nil, authzerr.New(authzerr.KindUnauthenticated, "no principal")
	}

	snap, err := e.snapshots.Resolve(ctx, p.MembershipID)
	if err != nil {
		return nil, err
	}
	if snap.OrganizationID != p.OrganizationID {
		e.logger.WithFields(map[string]interface{}{
			"membership_id":   p.MembershipID,
			"organization_id": p.OrganizationID,
			"snapshot_org_id": snap.OrganizationID,
		}).Error("membership resolved to a different organization")
		return nil, authzerr.New(authzerr.KindNoActiveMembership, "membership %d is not in organization %d", p.MembershipID, p.OrganizationID)
	}

	if !snap.Capabilities.Allows(resource, action) {
		return nil, authzerr.New(authzerr.KindPermissionDenied, "%s:%s not allowed", resource, action)
	}
	return snap.Capabilities, nil
}

func (e *Enforcer) record(ctx context.Context, p *principal.Principal, resource rbac.Resource, action rbac.Action, resourceID string, err error) {
	if e.auditor == nil || p == nil {
		return
	}
	e.auditor.RecordDecision(ctx, p, resource, action, resourceID, err)
}

// Owns checks an entity that was loaded by id outside a Scoped repository.
// An entity of another organization is refused as cross-tenant and the
// refusal is recorded.
func (e *Enforcer) Owns(ctx context.Context, p *principal.Principal, resource rbac.Resource, action rbac.Action, id, orgID int64) error {
	if p == nil {
		return authzerr.New(authzerr.KindUnauthenticated, "no principal")
	}
	if orgID == p.OrganizationID {
		return nil
	}
	e.logger.WithFields(map[string]interface{}{
		"resource":        string(resource),
		"resource_id":     id,
		"organization_id": p.OrganizationID,
		"user_id":         p.UserID,
	}).Warn("cross-tenant access refused")
	err := authzerr.New(authzerr.KindCrossTenantAccessDenied, "%s %d is not visible", resource, id)
	e.record(ctx, p, resource, action, formatID(id), err)
	return err
}

// refuseForeign logs and refuses an entity that escaped the predicate
func (e *Enforcer) refuseForeign(p *principal.Principal, resource rbac.Resource, id, orgID int64) error {
	e.logger.WithFields(map[string]interface{}{
		"resource":        string(resource),
		"resource_id":     id,
		"organization_id": p.OrganizationID,
		"entity_org_id":   orgID,
		"user_id":         p.UserID,
	}).Error("repository returned an entity of another organization")
	return authzerr.New(authzerr.KindCrossTenantAccessDenied, "%s %d is not visible", resource, id)
}

// classify maps repository errors onto the taxonomy. A missing entity under
// the organization predicate is indistinguishable from a foreign one.
func classify(resource rbac.Resource, err error) error {
	var authErr *authzerr.Error
	if errors.As(err, &authErr) {
		if authErr.Kind == authzerr.KindNotFound {
			return authzerr.Wrap(authzerr.KindCrossTenantAccessDenied, err, string(resource)+" not visible")
		}
		return err
	}
	return authzerr.Wrap(authzerr.KindUnavailable, err, "repository failure")
}

func notFound(resource rbac.Resource, id int64) error {
	return authzerr.New(authzerr.KindNotFound, "%s %d not found", resource, id)
}
