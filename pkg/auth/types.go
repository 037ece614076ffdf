package auth

import "time"

// Method identifies how a credential was presented
type Method string

const (
	MethodJWT    Method = "jwt"
	MethodAPIKey Method = "api_key"
)

// Credential is a verified caller identity. It says who the caller is, not
// which organization context applies; that is decided by principal resolution.
type Credential struct {
	UserID int64
	// OrganizationID is the organization claim carried by the token, if any.
	// API keys always carry one.
	OrganizationID *int64
	APIKeyID       *int64
	Method         Method
	ExpiresAt      time.Time
}

// APIKey represents an organization-bound API key
type APIKey struct {
	ID             int64      `json:"id"`
	OrganizationID int64      `json:"organization_id"`
	UserID         int64      `json:"user_id"`
	TokenHash      string     `json:"-"` // Never expose hash
	TokenPrefix    string     `json:"token_prefix"`
	Name           string     `json:"name"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
}

// IsExpired checks if the key is expired at now
func (k *APIKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// IsRevoked checks if the key is revoked
func (k *APIKey) IsRevoked() bool {
	return k.RevokedAt != nil
}

// IsValid checks if the key is neither expired nor revoked
func (k *APIKey) IsValid(now time.Time) bool {
	return !k.IsExpired(now) && !k.IsRevoked()
}

// Credential returns the credential the key authenticates as
func (k *APIKey) Credential() *Credential {
	orgID := k.OrganizationID
	keyID := k.ID
	cred := &Credential{
		UserID:         k.UserID,
		OrganizationID: &orgID,
		APIKeyID:       &keyID,
		Method:         MethodAPIKey,
	}
	if k.ExpiresAt != nil {
		cred.ExpiresAt = *k.ExpiresAt
	}
	return cred
}
