package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/tenantguard/pkg/authzerr"
)

const (
	// TokenPrefix identifies tenantguard API keys
	TokenPrefix = "tg_"
	// TokenLength is the total length of random bytes (32 bytes = 256 bits)
	TokenLength = 32
)

// TokenGenerator generates and validates API key tokens
type TokenGenerator struct{}

// NewTokenGenerator creates a new token generator
func NewTokenGenerator() *TokenGenerator {
	return &TokenGenerator{}
}

// GenerateToken creates a new API key token
// Format: tg_<base64url(32 random bytes)>
func (tg *TokenGenerator) GenerateToken() (token string, tokenHash string, tokenPrefix string, err error) {
	randomBytes := make([]byte, TokenLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	// Encode to base64url (URL-safe, no padding)
	encodedToken := base64.RawURLEncoding.EncodeToString(randomBytes)
	fullToken := TokenPrefix + encodedToken

	return fullToken, tg.HashToken(fullToken), tg.ExtractPrefix(fullToken), nil
}

// HashToken computes the SHA256 hash of a token for lookup
func (tg *TokenGenerator) HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// ValidateTokenFormat checks if a token has the correct format
func (tg *TokenGenerator) ValidateTokenFormat(token string) error {
	if !strings.HasPrefix(token, TokenPrefix) {
		return fmt.Errorf("token must start with %q", TokenPrefix)
	}

	encodedPart := strings.TrimPrefix(token, TokenPrefix)
	if len(encodedPart) == 0 {
		return fmt.Errorf("token is too short")
	}

	if _, err := base64.RawURLEncoding.DecodeString(encodedPart); err != nil {
		return fmt.Errorf("invalid token encoding: %w", err)
	}

	return nil
}

// ExtractPrefix extracts the prefix from a token for display
func (tg *TokenGenerator) ExtractPrefix(token string) string {
	if !strings.HasPrefix(token, TokenPrefix) {
		return ""
	}

	encodedPart := strings.TrimPrefix(token, TokenPrefix)
	if len(encodedPart) >= 8 {
		return TokenPrefix + encodedPart[:8]
	}

	return token
}

// APIKeyStore manages API key lifecycle in PostgreSQL. Only the SHA256 hash of
// a key is stored; the plaintext is returned once at creation.
type APIKeyStore struct {
	db        *sql.DB
	generator *TokenGenerator
	now       func() time.Time
}

// NewAPIKeyStore creates a new API key store
func NewAPIKeyStore(db *sql.DB) *APIKeyStore {
	return &APIKeyStore{
		db:        db,
		generator: NewTokenGenerator(),
		now:       time.Now,
	}
}

// Create creates a new API key bound to one organization
func (s *APIKeyStore) Create(ctx context.Context, orgID, userID int64, name string, expiresAt *time.Time) (*APIKey, string, error) {
	token, tokenHash, tokenPrefix, err := s.generator.GenerateToken()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate token: %w", err)
	}

	key := &APIKey{
		OrganizationID: orgID,
		UserID:         userID,
		TokenHash:      tokenHash,
		TokenPrefix:    tokenPrefix,
		Name:           name,
		ExpiresAt:      expiresAt,
		CreatedAt:      s.now().UTC(),
	}

	query := `
		INSERT INTO api_keys (organization_id, user_id, token_hash, token_prefix, name, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	err = s.db.QueryRowContext(ctx, query,
		key.OrganizationID, key.UserID, key.TokenHash, key.TokenPrefix, key.Name, key.ExpiresAt, key.CreatedAt,
	).Scan(&key.ID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create api key: %w", err)
	}

	// Return the token ONCE (never stored in plaintext)
	return key, token, nil
}

// Authenticate resolves a presented API key into a credential. Unknown,
// revoked and expired keys are unauthenticated.
func (s *APIKeyStore) Authenticate(ctx context.Context, token string) (*Credential, error) {
	if err := s.generator.ValidateTokenFormat(token); err != nil {
		return nil, authzerr.Wrap(authzerr.KindUnauthenticated, err, "invalid api key")
	}

	query := `
		SELECT id, organization_id, user_id, token_prefix, name, expires_at, last_used_at, created_at, revoked_at
		FROM api_keys
		WHERE token_hash = $1
	`
	key := &APIKey{}
	var expiresAt, lastUsedAt, revokedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, s.generator.HashToken(token)).Scan(
		&key.ID, &key.OrganizationID, &key.UserID, &key.TokenPrefix, &key.Name,
		&expiresAt, &lastUsedAt, &key.CreatedAt, &revokedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authzerr.New(authzerr.KindUnauthenticated, "unknown api key")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}
	key.ExpiresAt = nullTimePtr(expiresAt)
	key.LastUsedAt = nullTimePtr(lastUsedAt)
	key.RevokedAt = nullTimePtr(revokedAt)

	now := s.now().UTC()
	if key.IsRevoked() {
		return nil, authzerr.New(authzerr.KindUnauthenticated, "api key %s is revoked", key.TokenPrefix)
	}
	if key.IsExpired(now) {
		return nil, authzerr.New(authzerr.KindUnauthenticated, "api key %s is expired", key.TokenPrefix)
	}

	// Usage tracking must not fail authentication
	_, _ = s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = $1 WHERE id = $2`, now, key.ID)

	return key.Credential(), nil
}

// Revoke revokes a key of the given organization
func (s *APIKeyStore) Revoke(ctx context.Context, orgID, keyID int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = $1 WHERE id = $2 AND organization_id = $3 AND revoked_at IS NULL`,
		s.now().UTC(), keyID, orgID,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return authzerr.New(authzerr.KindNotFound, "api key %d not found", keyID)
	}
	return nil
}

// CleanupExpired marks expired keys as revoked and returns how many were touched
func (s *APIKeyStore) CleanupExpired(ctx context.Context) (int64, error) {
	now := s.now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = $1 WHERE expires_at < $1 AND revoked_at IS NULL`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up api keys: %w", err)
	}
	return result.RowsAffected()
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
