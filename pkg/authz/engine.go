// Package authz runs the full decision path for one request:
// principal resolution, rate limiting, capability resolution and audit.
// It produces the decision envelope returned at the API boundary.
package authz

import (
	"context"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/tenantguard/pkg/auth"
	"github.com/platinummonkey/tenantguard/pkg/authzerr"
	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/plans"
	"github.com/platinummonkey/tenantguard/pkg/principal"
	"github.com/platinummonkey/tenantguard/pkg/ratelimit"
	"github.com/platinummonkey/tenantguard/pkg/rbac"
	"github.com/platinummonkey/tenantguard/pkg/scope"
)

// PrincipalResolver resolves credentials into principals
type PrincipalResolver interface {
	Resolve(ctx context.Context, cred *auth.Credential, selector *int64, opts principal.Options) (*principal.Principal, error)
}

// Request is one authorization question
type Request struct {
	Credential *auth.Credential
	// Selector is the explicit organization choice of the request, if any
	Selector *int64
	Options  principal.Options

	Resource   rbac.Resource
	Action     rbac.Action
	ResourceID string

	// IncludeCapabilities returns the full effective set on allow
	IncludeCapabilities bool
	// Cost is the number of rate limit tokens the request consumes
	Cost int
}

// Decision is the API envelope of one decision. ErrorKind is always a
// public kind.
type Decision struct {
	Allowed       bool               `json:"allowed"`
	CapabilitySet rbac.CapabilitySet `json:"capability_set,omitempty"`
	RetryAfter    *int64             `json:"retry_after,omitempty"`
	ErrorKind     authzerr.Kind      `json:"error_kind,omitempty"`

	Principal *principal.Principal `json:"-"`
	RateLimit *ratelimit.Result    `json:"-"`
	Err       error                `json:"-"`
}

// Config holds the engine's ambient dependencies
type Config struct {
	Metrics *observability.Metrics
	Logger  *observability.Logger
}

// Engine is the single orchestration point of the decision path
type Engine struct {
	principals PrincipalResolver
	limiter    ratelimit.Limiter
	plans      *plans.Table
	enforcer   *scope.Enforcer
	auditor    scope.Auditor
	metrics    *observability.Metrics
	logger     *observability.Logger
	tracer     trace.Tracer
}

type nopAuditor struct{}

func (nopAuditor) RecordDecision(context.Context, *principal.Principal, rbac.Resource, rbac.Action, string, error) {
}

// NewEngine wires the components of the decision path. auditor may be nil.
func NewEngine(principals PrincipalResolver, limiter ratelimit.Limiter, table *plans.Table, enforcer *scope.Enforcer, auditor scope.Auditor, cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = observability.Discard()
	}
	if auditor == nil {
		auditor = nopAuditor{}
	}
	return &Engine{
		principals: principals,
		limiter:    limiter,
		plans:      table,
		enforcer:   enforcer,
		auditor:    auditor,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		tracer:     observability.Tracer(),
	}
}

// Enforcer returns the scoping enforcer repositories are wrapped with
func (e *Engine) Enforcer() *scope.Enforcer {
	return e.enforcer
}

// Principal resolves the organization context of a credential
func (e *Engine) Principal(ctx context.Context, cred *auth.Credential, selector *int64, opts principal.Options) (*principal.Principal, error) {
	ctx, span := e.tracer.Start(ctx, "authz.principal")
	defer span.End()

	p, err := e.principals.Resolve(ctx, cred, selector, opts)
	if err != nil {
		endSpan(span, err)
		return nil, failClosed(err)
	}
	span.SetAttributes(
		attribute.Int64("tenantguard.organization_id", p.OrganizationID),
		attribute.Int64("tenantguard.membership_id", p.MembershipID),
	)
	return p, nil
}

// Admit consumes rate limit tokens for a principal: the key's own bucket for
// API key callers, then the organization bucket. The narrower key bucket is
// charged first so a throttled key does not drain its organization. A refusal
// is a throttled error carrying retry guidance. Limiter failures deny.
func (e *Engine) Admit(ctx context.Context, p *principal.Principal, cost int) (ratelimit.Result, error) {
	ctx, span := e.tracer.Start(ctx, "authz.admit")
	defer span.End()

	tier := string(p.PlanTier)
	quota := e.plans.Quota(tier)

	var (
		keyRes ratelimit.Result
		keyed  = p.APIKeyID != nil
	)
	if keyed {
		var err error
		keyRes, err = e.consume(ctx, ratelimit.APIKeyKey(*p.APIKeyID), ratelimit.APIKeyLimit(tier, quota), cost)
		if err != nil {
			endSpan(span, err)
			return keyRes, err
		}
	}

	res, err := e.consume(ctx, ratelimit.OrgKey(p.OrganizationID), ratelimit.FromQuota(tier, quota), cost)
	if err == nil && keyed && keyRes.Remaining < res.Remaining {
		res = keyRes
	}
	endSpan(span, err)
	return res, err
}

// AdmitAnonymous rate limits an unauthenticated caller by address
func (e *Engine) AdmitAnonymous(ctx context.Context, addr string) (ratelimit.Result, error) {
	ctx, span := e.tracer.Start(ctx, "authz.admit_anonymous")
	defer span.End()

	res, err := e.consume(ctx, ratelimit.IPKey(addr), ratelimit.FromQuota("anonymous", e.plans.Anonymous()), 1)
	endSpan(span, err)
	return res, err
}

func (e *Engine) consume(ctx context.Context, key string, limit ratelimit.Limit, cost int) (ratelimit.Result, error) {
	res, err := e.limiter.CheckAndConsume(ctx, key, limit, cost)
	if err != nil {
		return res, failClosed(err)
	}
	if !res.Allowed {
		e.metrics.RecordThrottle(ratelimit.KeyType(key))
		return res, res.Err()
	}
	return res, nil
}

// Authorize answers one request. The envelope is deny unless every stage
// passed.
func (e *Engine) Authorize(ctx context.Context, req Request) Decision {
	ctx, span := e.tracer.Start(ctx, "authz.authorize", trace.WithAttributes(
		attribute.String("tenantguard.resource", string(req.Resource)),
		attribute.String("tenantguard.action", string(req.Action)),
	))
	defer span.End()

	d := e.authorize(ctx, req)

	kind := authzerr.KindOf(d.Err)
	outcome := "allowed"
	if !d.Allowed {
		outcome = "denied"
	}
	e.metrics.RecordDecision(outcome, string(kind))
	span.SetAttributes(attribute.Bool("tenantguard.allowed", d.Allowed))
	endSpan(span, d.Err)
	return d
}

func (e *Engine) authorize(ctx context.Context, req Request) Decision {
	if req.Resource == "" || req.Action == "" {
		return deny(authzerr.New(authzerr.KindInvalidArgument, "resource and action are required"))
	}

	p, err := e.Principal(ctx, req.Credential, req.Selector, req.Options)
	if err != nil {
		e.auditor.RecordDecision(ctx, nil, req.Resource, req.Action, req.ResourceID, err)
		return deny(err)
	}

	res, err := e.Admit(ctx, p, req.Cost)
	if err != nil {
		e.auditor.RecordDecision(ctx, p, req.Resource, req.Action, req.ResourceID, err)
		d := deny(err)
		d.Principal = p
		if res.Limit > 0 {
			d.RateLimit = &res
		}
		return d
	}

	caps, err := e.enforcer.Authorize(ctx, p, req.Resource, req.Action)
	if err != nil {
		d := deny(err)
		d.Principal = p
		d.RateLimit = &res
		return d
	}

	d := Decision{Allowed: true, Principal: p, RateLimit: &res}
	if req.IncludeCapabilities {
		d.CapabilitySet = caps
	}
	return d
}

func deny(err error) Decision {
	d := Decision{
		Allowed:   false,
		ErrorKind: authzerr.Public(authzerr.KindOf(err)),
		Err:       err,
	}
	if retry, ok := authzerr.RetryAfterOf(err); ok {
		secs := RetryAfterSeconds(retry)
		d.RetryAfter = &secs
	}
	return d
}

// RetryAfterSeconds rounds retry guidance up to whole seconds, at least one
func RetryAfterSeconds(d time.Duration) int64 {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// failClosed keeps taxonomy errors and turns everything else, including
// context deadlines, into unavailable
func failClosed(err error) error {
	if authzerr.KindOf(err) == authzerr.KindUnavailable {
		if _, ok := err.(*authzerr.Error); ok {
			return err
		}
		return authzerr.Wrap(authzerr.KindUnavailable, err, "authorization dependency failed")
	}
	return err
}

func endSpan(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.SetStatus(codes.Error, string(authzerr.KindOf(err)))
	span.SetAttributes(attribute.String("tenantguard.error_kind", string(authzerr.KindOf(err))))
}
