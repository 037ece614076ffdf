package api

import (
	"context"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinummonkey/tenantguard/pkg/authz"
	"github.com/platinummonkey/tenantguard/pkg/crm"
	"github.com/platinummonkey/tenantguard/pkg/httputil"
	"github.com/platinummonkey/tenantguard/pkg/middleware"
	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/orgs"
	"github.com/platinummonkey/tenantguard/pkg/plans"
	"github.com/platinummonkey/tenantguard/pkg/principal"
	"github.com/platinummonkey/tenantguard/pkg/rbac"
	"github.com/platinummonkey/tenantguard/pkg/scope"
)

// maxBodyBytes bounds request bodies of every route
const maxBodyBytes = 1 << 20

// RoleStore is the part of the role store the API uses
type RoleStore interface {
	GetRole(ctx context.Context, roleID int64) (*rbac.Role, error)
	ListRoles(ctx context.Context, organizationID int64) ([]*rbac.Role, error)
	CreateCustomRole(ctx context.Context, organizationID int64, createdBy *int64, spec rbac.RoleSpec) (*rbac.Role, error)
	UpdateRole(ctx context.Context, roleID, expectedVersion int64, spec rbac.RoleSpec) (*rbac.Role, error)
	DeleteRole(ctx context.Context, roleID, expectedVersion int64) error
}

// MembershipStore is the membership part of the organization service
type MembershipStore interface {
	GetMembership(ctx context.Context, id int64) (*orgs.Membership, error)
	InviteMember(ctx context.Context, orgID, userID, roleID int64, invitedBy *int64) (*orgs.Membership, error)
	TransitionMembership(ctx context.Context, id, expectedVersion int64, to orgs.MembershipStatus) (*orgs.Membership, error)
	ChangeMembershipRole(ctx context.Context, id, expectedVersion, roleID int64) (*orgs.Membership, error)
	SetMembershipOverrides(ctx context.Context, id, expectedVersion int64, caps rbac.CapabilitySet) (*orgs.Membership, error)
}

// MutationAuditor records changes after they were committed
type MutationAuditor interface {
	RecordMutation(ctx context.Context, p *principal.Principal, resource rbac.Resource, action rbac.Action, resourceID string, metadata map[string]interface{})
}

type nopMutations struct{}

func (nopMutations) RecordMutation(context.Context, *principal.Principal, rbac.Resource, rbac.Action, string, map[string]interface{}) {
}

// Config wires the server's dependencies. Plans, Registry and Health are
// optional. The billing route needs Organizations, the team routes need
// Teams, and organization creation needs OrgAdmin. The internal billing
// routes are mounted only with both OrgAdmin and InternalToken.
type Config struct {
	Engine        *authz.Engine
	Authenticator middleware.Authenticator
	Roles         RoleStore
	Contacts      scope.Repository[*crm.Contact]
	Memberships   MembershipStore
	Teams         TeamStore
	Organizations OrganizationReader
	OrgAdmin      OrganizationAdmin
	Audit         MutationAuditor
	Plans         *plans.Table
	Metrics       *observability.Metrics
	Registry      *prometheus.Registry
	Health        *observability.HealthChecker
	Logger        *observability.Logger

	// TrustedProxies may set X-Forwarded-For for anonymous rate limiting
	TrustedProxies []*net.IPNet
	// InternalToken authenticates billing's calls to /internal
	InternalToken string
}

// Server represents our API server
type Server struct {
	router        *mux.Router
	engine        *authz.Engine
	enforcer      *scope.Enforcer
	roles         RoleStore
	contacts      *scope.Scoped[*crm.Contact]
	memberships   MembershipStore
	teams         TeamStore
	organizations OrganizationReader
	orgAdmin      OrganizationAdmin
	audit         MutationAuditor
	plans         *plans.Table
	logger        *observability.Logger
}

// NewServer creates a new API server
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = observability.Discard()
	}
	if cfg.Audit == nil {
		cfg.Audit = nopMutations{}
	}
	enforcer := cfg.Engine.Enforcer()
	s := &Server{
		router:        mux.NewRouter(),
		engine:        cfg.Engine,
		enforcer:      enforcer,
		roles:         cfg.Roles,
		contacts:      scope.For[*crm.Contact](enforcer, rbac.ResourceContact, cfg.Contacts),
		memberships:   cfg.Memberships,
		teams:         cfg.Teams,
		organizations: cfg.Organizations,
		orgAdmin:      cfg.OrgAdmin,
		audit:         cfg.Audit,
		plans:         cfg.Plans,
		logger:        cfg.Logger,
	}
	s.setupRoutes(cfg)
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes(cfg Config) {
	s.router.Use(
		httputil.RequestIDMiddleware(s.logger),
		observability.RecoveryMiddleware(s.logger),
		observability.HTTPMetricsMiddleware(cfg.Metrics),
		httputil.MaxBytesMiddleware(maxBodyBytes),
	)

	if cfg.Registry != nil {
		s.router.Handle("/metrics", observability.MetricsHandler(cfg.Registry)).Methods(http.MethodGet)
	}
	if cfg.Health != nil {
		observability.RegisterHealthRoutes(s.router, cfg.Health)
	} else {
		s.router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			httputil.WriteSuccess(w, map[string]string{"status": "ok"})
		}).Methods(http.MethodGet)
	}

	authn := middleware.NewAuthMiddleware(cfg.Authenticator, false)
	tenant := middleware.NewTenantMiddleware(s.engine)
	limit := middleware.NewRateLimitMiddleware(s.engine, cfg.TrustedProxies...)

	if cfg.OrgAdmin != nil && cfg.InternalToken != "" {
		internal := s.router.PathPrefix("/internal/v1/orgs/{org_id:[0-9]+}").Subrouter()
		internal.Use(middleware.NewServiceTokenMiddleware(cfg.InternalToken).Handler)
		internal.HandleFunc("/plan", s.updatePlanTier).Methods(http.MethodPut)
		internal.HandleFunc("/status", s.setOrganizationStatus).Methods(http.MethodPut)
	}

	// Public routes take an optional credential; callers without one are
	// limited by address. They must be registered before the /v1 subrouter.
	if s.plans != nil {
		public := httputil.Chain(middleware.NewAuthMiddleware(cfg.Authenticator, true).Handler, limit.Handler)
		s.router.Handle("/v1/plans", public(http.HandlerFunc(s.listPlans))).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(authn.Handler)

	// The engine resolves and rate limits the principal itself
	v1.HandleFunc("/authorize", s.authorize).Methods(http.MethodPost)

	// No organization context yet, so creation is limited by address
	if s.orgAdmin != nil {
		v1.Handle("/orgs", limit.Handler(http.HandlerFunc(s.createOrganization))).Methods(http.MethodPost)
	}

	// Suspended tenants still reach their billing status
	if s.organizations != nil {
		recovery := httputil.Chain(tenant.BillingRecovery().Handler, limit.Handler)
		v1.Handle("/orgs/{org_id:[0-9]+}/billing", recovery(http.HandlerFunc(s.billingStatus))).Methods(http.MethodGet)
	}

	org := v1.PathPrefix("/orgs/{org_id:[0-9]+}").Subrouter()
	org.Use(tenant.Handler, limit.Handler)

	org.HandleFunc("/roles", s.listRoles).Methods(http.MethodGet)
	org.HandleFunc("/roles", s.createRole).Methods(http.MethodPost)
	org.HandleFunc("/roles/{role_id}", s.updateRole).Methods(http.MethodPut)
	org.HandleFunc("/roles/{role_id}", s.deleteRole).Methods(http.MethodDelete)

	org.HandleFunc("/contacts", s.listContacts).Methods(http.MethodGet)
	org.HandleFunc("/contacts", s.createContact).Methods(http.MethodPost)
	org.HandleFunc("/contacts/{id}", s.getContact).Methods(http.MethodGet)
	org.HandleFunc("/contacts/{id}", s.updateContact).Methods(http.MethodPut)
	org.HandleFunc("/contacts/{id}", s.deleteContact).Methods(http.MethodDelete)

	org.HandleFunc("/memberships", s.inviteMember).Methods(http.MethodPost)
	org.HandleFunc("/memberships/{id}", s.getMembership).Methods(http.MethodGet)
	org.HandleFunc("/memberships/{id}/status", s.transitionMembership).Methods(http.MethodPost)
	org.HandleFunc("/memberships/{id}/role", s.changeMembershipRole).Methods(http.MethodPut)
	org.HandleFunc("/memberships/{id}/overrides", s.setMembershipOverrides).Methods(http.MethodPut)

	if s.teams != nil {
		org.HandleFunc("/teams", s.createTeam).Methods(http.MethodPost)
		org.HandleFunc("/teams/{team_id}", s.getTeam).Methods(http.MethodGet)
		org.HandleFunc("/teams/{team_id}/overrides", s.setTeamOverrides).Methods(http.MethodPut)
		org.HandleFunc("/teams/{team_id}/members/{membership_id}", s.addTeamMember).Methods(http.MethodPut)
		org.HandleFunc("/teams/{team_id}/members/{membership_id}", s.removeTeamMember).Methods(http.MethodDelete)
	}
}

// ServeHTTP implements the http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router returns the underlying router
func (s *Server) Router() *mux.Router {
	return s.router
}
