// Package api provides the HTTP REST API of tenantguard.
//
// # Overview
//
// The API is built on gorilla/mux. Every route under /v1 except /v1/plans
// requires a bearer JWT or API key. Routes under /v1/orgs/{org_id} additionally resolve the
// caller's principal in that organization and consume a rate limit token
// before the handler runs; handlers receive the principal from the request
// and pass it explicitly to the scoping enforcer.
//
// # Routes
//
//	GET    /v1/plans                                 plan table, credential optional
//	POST   /v1/authorize                             decision envelope
//	POST   /v1/orgs                                  create organization owned by the caller
//	GET    /v1/orgs/{org_id}/roles                   list roles
//	POST   /v1/orgs/{org_id}/roles                   create custom role
//	PUT    /v1/orgs/{org_id}/roles/{role_id}         update role (If-Match)
//	DELETE /v1/orgs/{org_id}/roles/{role_id}         delete role (If-Match)
//	GET    /v1/orgs/{org_id}/contacts                list contacts
//	POST   /v1/orgs/{org_id}/contacts                create contact
//	GET    /v1/orgs/{org_id}/contacts/{id}           read contact
//	PUT    /v1/orgs/{org_id}/contacts/{id}           update contact
//	DELETE /v1/orgs/{org_id}/contacts/{id}           delete contact
//	POST   /v1/orgs/{org_id}/memberships             invite member
//	GET    /v1/orgs/{org_id}/memberships/{id}        read membership
//	POST   /v1/orgs/{org_id}/memberships/{id}/status transition membership (If-Match)
//	PUT    /v1/orgs/{org_id}/memberships/{id}/role   change role (If-Match)
//	PUT    /v1/orgs/{org_id}/memberships/{id}/overrides  replace overrides (If-Match)
//	POST   /v1/orgs/{org_id}/teams                   create team
//	GET    /v1/orgs/{org_id}/teams/{team_id}         read team
//	PUT    /v1/orgs/{org_id}/teams/{team_id}/overrides   replace overrides (If-Match)
//	PUT    /v1/orgs/{org_id}/teams/{team_id}/members/{membership_id}  add member
//	DELETE /v1/orgs/{org_id}/teams/{team_id}/members/{membership_id}  remove member
//	GET    /v1/orgs/{org_id}/billing                 billing status, open to suspended tenants
//	PUT    /internal/v1/orgs/{org_id}/plan           plan tier change from billing
//	PUT    /internal/v1/orgs/{org_id}/status         status change from billing
//	GET    /metrics, /healthz, /readyz
//
// The /internal routes take the shared service token instead of a user
// credential. Callers without a principal are limited by address;
// X-Forwarded-For counts only when the peer is a trusted proxy.
//
// # Errors
//
// Errors are JSON bodies carrying a public error_kind. Entities of another
// organization are answered exactly like missing ones (404 not_found), and
// ownership is checked before the caller's capabilities. Committed writes
// are recorded through the MutationAuditor.
//
// # Usage
//
//	server := api.NewServer(api.Config{
//		Engine:        engine,
//		Authenticator: authenticator,
//		Roles:         roleStore,
//		Contacts:      crm.NewContactRepository(db),
//		Memberships:   orgService,
//		Teams:         orgService,
//		Organizations: orgService,
//		OrgAdmin:      orgService,
//		Audit:         emitter,
//		Plans:         table,
//		InternalToken: cfg.Server.InternalToken,
//	})
//	http.ListenAndServe(":8080", server)
package api
