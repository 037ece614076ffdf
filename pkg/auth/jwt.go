package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/platinummonkey/tenantguard/pkg/authzerr"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// Claims holds the JWT claims for access and refresh tokens
type Claims struct {
	jwt.RegisteredClaims
	OrgID     *int64 `json:"org_id,omitempty"`
	TokenType string `json:"typ"`
}

// TokenConfig configures a TokenProvider. Either HMACSecret or PrivateKey must
// be set; PublicKey alone is enough for a verify-only provider.
type TokenConfig struct {
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	HMACSecret []byte
	PrivateKey crypto.Signer
	PublicKey  crypto.PublicKey
}

// TokenProvider issues and verifies signed access and refresh tokens using
// HS256, RS256 or ES256 depending on the configured key.
type TokenProvider struct {
	cfg    TokenConfig
	method jwt.SigningMethod
	now    func() time.Time
}

// NewTokenProvider returns a TokenProvider for the given configuration
func NewTokenProvider(cfg TokenConfig) (*TokenProvider, error) {
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	if cfg.PrivateKey != nil && cfg.PublicKey == nil {
		cfg.PublicKey = cfg.PrivateKey.Public()
	}

	p := &TokenProvider{cfg: cfg, now: time.Now}
	switch {
	case len(cfg.HMACSecret) > 0:
		p.method = jwt.SigningMethodHS256
	case cfg.PublicKey != nil:
		switch cfg.PublicKey.(type) {
		case *rsa.PublicKey:
			p.method = jwt.SigningMethodRS256
		case *ecdsa.PublicKey:
			p.method = jwt.SigningMethodES256
		default:
			return nil, fmt.Errorf("unsupported public key type %T", cfg.PublicKey)
		}
	default:
		return nil, errors.New("token provider needs an HMAC secret or a key pair")
	}
	return p, nil
}

// IssueAccess issues a short-lived access token. orgID may be nil for tokens
// that do not pin an organization.
func (p *TokenProvider) IssueAccess(userID int64, orgID *int64) (string, time.Time, error) {
	return p.issue(userID, orgID, tokenTypeAccess, p.cfg.AccessTTL)
}

// IssueRefresh issues a long-lived refresh token
func (p *TokenProvider) IssueRefresh(userID int64, orgID *int64) (string, time.Time, error) {
	return p.issue(userID, orgID, tokenTypeRefresh, p.cfg.RefreshTTL)
}

func (p *TokenProvider) issue(userID int64, orgID *int64, typ string, ttl time.Duration) (string, time.Time, error) {
	if p.cfg.PrivateKey == nil && len(p.cfg.HMACSecret) == 0 {
		return "", time.Time{}, errors.New("token provider cannot sign")
	}
	jti, err := generateJTI()
	if err != nil {
		return "", time.Time{}, err
	}

	now := p.now().UTC()
	expiresAt := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   strconv.FormatInt(userID, 10),
			Issuer:    p.cfg.Issuer,
			Audience:  jwt.ClaimStrings{p.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		OrgID:     orgID,
		TokenType: typ,
	}

	var key any = p.cfg.PrivateKey
	if len(p.cfg.HMACSecret) > 0 {
		key = p.cfg.HMACSecret
	}
	token, err := jwt.NewWithClaims(p.method, claims).SignedString(key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return token, expiresAt, nil
}

// VerifyAccess validates an access token (signature, exp, iss, aud) and
// returns the credential it carries. Any failure is unauthenticated.
func (p *TokenProvider) VerifyAccess(tokenString string) (*Credential, error) {
	return p.verify(tokenString, tokenTypeAccess)
}

// VerifyRefresh validates a refresh token
func (p *TokenProvider) VerifyRefresh(tokenString string) (*Credential, error) {
	return p.verify(tokenString, tokenTypeRefresh)
}

func (p *TokenProvider) verify(tokenString, typ string) (*Credential, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{p.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	}
	if p.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.cfg.Issuer))
	}
	if p.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(p.cfg.Audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if len(p.cfg.HMACSecret) > 0 {
			return p.cfg.HMACSecret, nil
		}
		return p.cfg.PublicKey, nil
	}, opts...)
	if err != nil {
		return nil, authzerr.Wrap(authzerr.KindUnauthenticated, err, "invalid token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, authzerr.New(authzerr.KindUnauthenticated, "invalid token")
	}
	if claims.TokenType != typ {
		return nil, authzerr.New(authzerr.KindUnauthenticated, "expected %s token", typ)
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return nil, authzerr.New(authzerr.KindUnauthenticated, "invalid token subject")
	}

	return &Credential{
		UserID:         userID,
		OrganizationID: claims.OrgID,
		Method:         MethodJWT,
		ExpiresAt:      claims.ExpiresAt.Time,
	}, nil
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
