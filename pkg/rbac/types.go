package rbac

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Resource represents a tenant-scoped resource type
type Resource string

const (
	ResourceContact      Resource = "contacts"
	ResourceCompany      Resource = "companies"
	ResourceDeal         Resource = "deals"
	ResourceTask         Resource = "tasks"
	ResourceDashboard    Resource = "dashboards"
	ResourceReport       Resource = "reports"
	ResourceRole         Resource = "roles"
	ResourceMember       Resource = "members"
	ResourceTeam         Resource = "teams"
	ResourceSettings     Resource = "settings"
	ResourceBilling      Resource = "billing"
	ResourceOrganization Resource = "organization"

	// AnyResource matches every resource in a capability set
	AnyResource Resource = "*"
)

// Action represents an operation on a resource
type Action string

const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionExport Action = "export"
	ActionInvite Action = "invite"
	ActionManage Action = "manage"

	// AnyAction matches every action in a capability set
	AnyAction Action = "*"
)

// Decision is the outcome recorded for a (resource, action) pair
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
)

// Valid reports whether d is allow or deny
func (d Decision) Valid() bool {
	return d == Allow || d == Deny
}

// Permission is a (resource, action) pair. It encodes as "resource:action" in
// JSON, both as a value and as an object key.
type Permission struct {
	Resource Resource
	Action   Action
}

// String returns the "resource:action" form of the permission
func (p Permission) String() string {
	return string(p.Resource) + ":" + string(p.Action)
}

// MarshalText lets permissions be used as JSON object keys
func (p Permission) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses the "resource:action" form
func (p *Permission) UnmarshalText(text []byte) error {
	parsed, err := ParsePermission(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePermission parses "resource:action"
func ParsePermission(s string) (Permission, error) {
	resource, action, ok := strings.Cut(s, ":")
	if !ok || resource == "" || action == "" || strings.Contains(action, ":") {
		return Permission{}, fmt.Errorf("invalid permission %q: expected resource:action", s)
	}
	return Permission{Resource: Resource(resource), Action: Action(action)}, nil
}

// CapabilitySet maps (resource, action) pairs to allow or deny.
// Pairs that are not present are denied.
type CapabilitySet map[Permission]Decision

// Decide returns the decision for a pair. The most specific entry wins:
// exact, then resource:*, then *:action, then *:*. No entry means deny.
func (c CapabilitySet) Decide(resource Resource, action Action) Decision {
	if d, ok := c.match(Permission{Resource: resource, Action: action}); ok {
		return d
	}
	return Deny
}

// match returns the most specific entry covering the pair, if any
func (c CapabilitySet) match(p Permission) (Decision, bool) {
	for _, k := range [4]Permission{
		p,
		{Resource: p.Resource, Action: AnyAction},
		{Resource: AnyResource, Action: p.Action},
		{Resource: AnyResource, Action: AnyAction},
	} {
		if d, ok := c[k]; ok {
			return d, true
		}
	}
	return "", false
}

// Allows reports whether the pair resolves to an explicit allow
func (c CapabilitySet) Allows(resource Resource, action Action) bool {
	return c.Decide(resource, action) == Allow
}

// Clone returns a copy of the set
func (c CapabilitySet) Clone() CapabilitySet {
	out := make(CapabilitySet, len(c))
	for p, d := range c {
		out[p] = d
	}
	return out
}

// Equal reports whether both sets hold exactly the same entries
func (c CapabilitySet) Equal(other CapabilitySet) bool {
	if len(c) != len(other) {
		return false
	}
	for p, d := range c {
		if od, ok := other[p]; !ok || od != d {
			return false
		}
	}
	return true
}

// Validate checks every entry holds allow or deny and a well formed pair
func (c CapabilitySet) Validate() error {
	for p, d := range c {
		if p.Resource == "" || p.Action == "" {
			return fmt.Errorf("invalid permission %q", p.String())
		}
		if !d.Valid() {
			return fmt.Errorf("invalid decision %q for %s", d, p)
		}
	}
	return nil
}

// Strings returns the sorted "resource:action=decision" entries, mostly for logs
func (c CapabilitySet) Strings() []string {
	out := make([]string, 0, len(c))
	for p, d := range c {
		out = append(out, p.String()+"="+string(d))
	}
	sort.Strings(out)
	return out
}

// Merge layers capability sets. For every pair, the last layer holding an
// entry that covers it decides, through that layer's most specific entry. A
// later "contacts:*=deny" or "*:*=deny" therefore revokes an earlier
// "contacts:read=allow", and a later allow wildcard re-grants an earlier
// exact deny.
//
// The result is flat: Decide on it answers the layered question. Pairs are
// evaluated on every named resource and action plus the wildcard, which
// stands for all names no layer mentions, and entries implied by less
// specific ones are dropped.
func Merge(base CapabilitySet, layers ...CapabilitySet) CapabilitySet {
	if len(layers) == 0 {
		return base.Clone()
	}
	all := append([]CapabilitySet{base}, layers...)

	resources := map[Resource]bool{AnyResource: true}
	actions := map[Action]bool{AnyAction: true}
	for _, layer := range all {
		for p := range layer {
			resources[p.Resource] = true
			actions[p.Action] = true
		}
	}
	pairs := make([]Permission, 0, len(resources)*len(actions))
	for r := range resources {
		for a := range actions {
			pairs = append(pairs, Permission{Resource: r, Action: a})
		}
	}
	sortBySpecificity(pairs)

	out := make(CapabilitySet, len(pairs))
	want := make(map[Permission]Decision, len(pairs))
	for _, p := range pairs {
		want[p] = Deny
		for i := len(all) - 1; i >= 0; i-- {
			if d, ok := all[i].match(p); ok {
				out[p] = d
				want[p] = d
				break
			}
		}
	}

	for _, p := range pairs {
		d, ok := out[p]
		if !ok {
			continue
		}
		delete(out, p)
		for _, q := range pairs {
			if out.Decide(q.Resource, q.Action) != want[q] {
				out[p] = d
				break
			}
		}
	}
	return out
}

// sortBySpecificity orders exact pairs first, then resource:*, *:action and *:*
func sortBySpecificity(pairs []Permission) {
	rank := func(p Permission) int {
		n := 0
		if p.Resource == AnyResource {
			n += 2
		}
		if p.Action == AnyAction {
			n++
		}
		return n
	}
	sort.Slice(pairs, func(i, j int) bool {
		ri, rj := rank(pairs[i]), rank(pairs[j])
		if ri != rj {
			return ri < rj
		}
		return pairs[i].String() < pairs[j].String()
	})
}

// MarshalCapabilities encodes a set for JSONB storage
func MarshalCapabilities(c CapabilitySet) ([]byte, error) {
	if c == nil {
		c = CapabilitySet{}
	}
	return json.Marshal(c)
}

// UnmarshalCapabilities decodes a set from JSONB storage
func UnmarshalCapabilities(data []byte) (CapabilitySet, error) {
	c := CapabilitySet{}
	if len(data) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal capabilities: %w", err)
	}
	return c, c.Validate()
}

// Role is a named capability set. System roles have no organization and can
// never be changed through the store.
type Role struct {
	ID             int64         `json:"id"`
	OrganizationID *int64        `json:"organization_id,omitempty"` // nil for system roles
	Name           string        `json:"name"`
	Description    string        `json:"description,omitempty"`
	Capabilities   CapabilitySet `json:"capabilities"`
	IsSystem       bool          `json:"is_system"`
	IsDefault      bool          `json:"is_default"`
	Version        int64         `json:"version"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	CreatedBy      *int64        `json:"created_by,omitempty"`
}

// BelongsTo reports whether the role may be referenced by memberships of orgID
func (r *Role) BelongsTo(orgID int64) bool {
	return r.OrganizationID == nil || *r.OrganizationID == orgID
}

// RoleSpec is the mutable part of a custom role
type RoleSpec struct {
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	Capabilities CapabilitySet `json:"capabilities"`
	IsDefault    bool          `json:"is_default"`
}

// Validate checks a role spec before it is written
func (s RoleSpec) Validate() error {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return fmt.Errorf("role name is required")
	}
	if len(name) > 150 {
		return fmt.Errorf("role name exceeds 150 characters")
	}
	return s.Capabilities.Validate()
}

// System role names
const (
	RoleAdmin  = "admin"
	RoleStaff  = "staff"
	RoleViewer = "viewer"
)

// SystemRoles returns the built-in role definitions shared by all organizations
func SystemRoles() []Role {
	return []Role{
		{
			Name:         RoleAdmin,
			Description:  "Full access to organization resources",
			IsSystem:     true,
			Capabilities: CapabilitySet{{Resource: AnyResource, Action: AnyAction}: Allow},
		},
		{
			Name:         RoleStaff,
			Description:  "Member without any default capability",
			IsSystem:     true,
			Capabilities: CapabilitySet{},
		},
		{
			Name:         RoleViewer,
			Description:  "Read-only access to organization resources",
			IsSystem:     true,
			Capabilities: CapabilitySet{{Resource: AnyResource, Action: ActionRead}: Allow},
		},
	}
}

// RoleTemplate is a starting point for custom roles
type RoleTemplate struct {
	Name         string        `json:"name"`
	Description  string        `json:"description"`
	Capabilities CapabilitySet `json:"capabilities"`
}

// Spec turns the template into a role spec
func (t RoleTemplate) Spec() RoleSpec {
	return RoleSpec{Name: t.Name, Description: t.Description, Capabilities: t.Capabilities.Clone()}
}

// CommonRoleTemplates returns templates for common custom roles
func CommonRoleTemplates() []RoleTemplate {
	return []RoleTemplate{
		{
			Name:        "sales_rep",
			Description: "Works contacts, companies and deals, cannot delete",
			Capabilities: CapabilitySet{
				{Resource: ResourceContact, Action: ActionRead}:   Allow,
				{Resource: ResourceContact, Action: ActionCreate}: Allow,
				{Resource: ResourceContact, Action: ActionUpdate}: Allow,
				{Resource: ResourceContact, Action: ActionDelete}: Deny,
				{Resource: ResourceCompany, Action: ActionRead}:   Allow,
				{Resource: ResourceDeal, Action: AnyAction}:       Allow,
				{Resource: ResourceDeal, Action: ActionDelete}:    Deny,
			},
		},
		{
			Name:        "support",
			Description: "Reads customer records and manages tasks",
			Capabilities: CapabilitySet{
				{Resource: ResourceContact, Action: ActionRead}: Allow,
				{Resource: ResourceCompany, Action: ActionRead}: Allow,
				{Resource: ResourceTask, Action: AnyAction}:     Allow,
			},
		},
		{
			Name:        "analyst",
			Description: "Read and export access for reporting",
			Capabilities: CapabilitySet{
				{Resource: AnyResource, Action: ActionRead}:      Allow,
				{Resource: ResourceReport, Action: ActionExport}: Allow,
				{Resource: ResourceBilling, Action: ActionRead}:  Deny,
			},
		},
	}
}
