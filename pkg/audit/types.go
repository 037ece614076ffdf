package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/tenantguard/pkg/authzerr"
	"github.com/platinummonkey/tenantguard/pkg/contextkeys"
	"github.com/platinummonkey/tenantguard/pkg/principal"
)

// Outcome is the result of an audited decision
type Outcome string

const (
	OutcomeAllowed Outcome = "allowed"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
	// OutcomeCommitted marks a change that was written after being allowed
	OutcomeCommitted Outcome = "committed"
)

// OutcomeOf classifies a decision error. Storage failures are errors, every
// other refusal is a denial.
func OutcomeOf(err error) Outcome {
	switch authzerr.KindOf(err) {
	case "":
		return OutcomeAllowed
	case authzerr.KindUnavailable:
		return OutcomeError
	default:
		return OutcomeDenied
	}
}

// Event is a single append-only audit record. EventID is the idempotency
// key sinks deduplicate on.
type Event struct {
	EventID        string    `json:"event_id"`
	Timestamp      time.Time `json:"timestamp"`
	UserID         *int64    `json:"user_id,omitempty"`
	OrganizationID *int64    `json:"organization_id,omitempty"`
	MembershipID   *int64    `json:"membership_id,omitempty"`
	APIKeyID       *int64    `json:"api_key_id,omitempty"`

	Action     string `json:"action"`
	Resource   string `json:"resource"`
	ResourceID string `json:"resource_id,omitempty"`

	Outcome   Outcome `json:"outcome"`
	ErrorKind string  `json:"error_kind,omitempty"`
	RequestID string  `json:"request_id,omitempty"`
	Message   string  `json:"message,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NewEvent builds an event for a principal. A nil principal produces an
// anonymous event.
func NewEvent(ctx context.Context, p *principal.Principal, action, resource string, outcome Outcome) *Event {
	ev := &Event{
		Action:    action,
		Resource:  resource,
		Outcome:   outcome,
		RequestID: contextkeys.GetRequestID(ctx),
	}
	if p != nil {
		userID, orgID, membershipID := p.UserID, p.OrganizationID, p.MembershipID
		ev.UserID = &userID
		ev.OrganizationID = &orgID
		ev.MembershipID = &membershipID
		if p.APIKeyID != nil {
			keyID := *p.APIKeyID
			ev.APIKeyID = &keyID
		}
	} else if userID, ok := contextkeys.GetUserID(ctx); ok {
		ev.UserID = &userID
	}
	return ev
}

// stamp fills the identity fields the emitter owns
func (e *Event) stamp(now time.Time) {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now.UTC()
	}
}

// ToJSON converts the audit event to JSON
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses an audit event from JSON
func FromJSON(data []byte) (*Event, error) {
	var event Event
	err := json.Unmarshal(data, &event)
	return &event, err
}
