// Package plans maps billing plan tiers to quotas. Tiers are opaque strings
// owned by the billing collaborator; unknown tiers get the most restrictive
// quota in the table.
package plans

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Quota is what one plan tier is entitled to
type Quota struct {
	// RequestsPerHour is the sustained request rate of the organization
	RequestsPerHour int `yaml:"requests_per_hour" json:"requests_per_hour"`
	// Burst is the bucket capacity; zero means RequestsPerHour
	Burst int `yaml:"burst" json:"burst"`
	// APIKeyRequestsPerHour limits each API key separately
	APIKeyRequestsPerHour int `yaml:"api_key_requests_per_hour" json:"api_key_requests_per_hour"`
	// MaxMembers caps non-removed memberships; zero means unlimited
	MaxMembers int `yaml:"max_members" json:"max_members"`
}

// Capacity returns the effective bucket capacity
func (q Quota) Capacity() int {
	if q.Burst > 0 {
		return q.Burst
	}
	return q.RequestsPerHour
}

// Validate checks the quota is usable
func (q Quota) Validate() error {
	if q.RequestsPerHour <= 0 {
		return fmt.Errorf("requests_per_hour must be positive")
	}
	if q.Burst < 0 || q.APIKeyRequestsPerHour < 0 || q.MaxMembers < 0 {
		return fmt.Errorf("burst, api_key_requests_per_hour and max_members must not be negative")
	}
	return nil
}

// Document is the YAML layout of a plan file
type Document struct {
	Tiers     map[string]Quota `yaml:"tiers"`
	Anonymous Quota            `yaml:"anonymous"`
}

// Validate checks every quota in the document
func (d *Document) Validate() error {
	if len(d.Tiers) == 0 {
		return fmt.Errorf("no tiers defined")
	}
	for name, q := range d.Tiers {
		if err := q.Validate(); err != nil {
			return fmt.Errorf("tier %q: %w", name, err)
		}
	}
	if err := d.Anonymous.Validate(); err != nil {
		return fmt.Errorf("anonymous: %w", err)
	}
	return nil
}

// DefaultDocument returns the built-in plan table
func DefaultDocument() *Document {
	return &Document{
		Tiers: map[string]Quota{
			"trial":        {RequestsPerHour: 300, APIKeyRequestsPerHour: 100, MaxMembers: 3},
			"starter":      {RequestsPerHour: 1000, APIKeyRequestsPerHour: 500, MaxMembers: 5},
			"professional": {RequestsPerHour: 5000, APIKeyRequestsPerHour: 2500, MaxMembers: 25},
			"enterprise":   {RequestsPerHour: 20000, APIKeyRequestsPerHour: 10000},
		},
		Anonymous: Quota{RequestsPerHour: 60},
	}
}

// Table is a concurrency-safe, replaceable plan table
type Table struct {
	mu        sync.RWMutex
	tiers     map[string]Quota
	anonymous Quota
	fallback  Quota
}

// NewTable creates a table from a document, or the defaults when doc is nil
func NewTable(doc *Document) (*Table, error) {
	t := &Table{}
	if doc == nil {
		doc = DefaultDocument()
	}
	if err := t.Replace(doc); err != nil {
		return nil, err
	}
	return t, nil
}

// LoadFile reads and validates a YAML plan document
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse plan file: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan file %s: %w", path, err)
	}
	return &doc, nil
}

// Replace swaps the whole table atomically
func (t *Table) Replace(doc *Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}

	tiers := make(map[string]Quota, len(doc.Tiers))
	var fallback Quota
	first := true
	for name, q := range doc.Tiers {
		tiers[name] = q
		if first || q.RequestsPerHour < fallback.RequestsPerHour {
			fallback = q
			first = false
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.tiers = tiers
	t.anonymous = doc.Anonymous
	t.fallback = fallback
	return nil
}

// Quota returns the quota of a tier. Unknown tiers get the most restrictive one.
func (t *Table) Quota(tier string) Quota {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if q, ok := t.tiers[tier]; ok {
		return q
	}
	return t.fallback
}

// Known reports whether the tier is in the table
func (t *Table) Known(tier string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.tiers[tier]
	return ok
}

// Anonymous returns the per-IP quota of unauthenticated endpoints
func (t *Table) Anonymous() Quota {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.anonymous
}

// MaxMembers returns the seat limit of a tier; zero means unlimited
func (t *Table) MaxMembers(tier string) int {
	return t.Quota(tier).MaxMembers
}

// Tiers returns the configured tier names, sorted
func (t *Table) Tiers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.tiers))
	for name := range t.tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
