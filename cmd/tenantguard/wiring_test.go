package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantguard/pkg/audit"
	"github.com/platinummonkey/tenantguard/pkg/config"
)

func authConfig() config.AuthConfig {
	return config.AuthConfig{
		Issuer:    "tenantguard",
		Audience:  "tenantguard-api",
		AccessTTL: 15 * time.Minute,
	}
}

func TestNewTokenProvider_HMAC(t *testing.T) {
	cfg := authConfig()
	cfg.HMACSecret = "0123456789abcdef0123456789abcdef"

	tokens, err := newTokenProvider(cfg)
	require.NoError(t, err)

	orgID := int64(7)
	token, _, err := tokens.IssueAccess(42, &orgID)
	require.NoError(t, err)
	cred, err := tokens.VerifyAccess(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), cred.UserID)
}

func writeECKeys(t *testing.T) (pubPath, privPath string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	privDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)

	dir := t.TempDir()
	privPath = filepath.Join(dir, "jwt.key")
	pubPath = filepath.Join(dir, "jwt.pub")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privDER}), 0o600))
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}), 0o644))
	return pubPath, privPath
}

func TestNewTokenProvider_KeyFiles(t *testing.T) {
	pubPath, privPath := writeECKeys(t)

	cfg := authConfig()
	cfg.PublicKeyFile = pubPath
	cfg.PrivateKeyFile = privPath
	signer, err := newTokenProvider(cfg)
	require.NoError(t, err)

	token, _, err := signer.IssueAccess(42, nil)
	require.NoError(t, err)

	// a verify-only provider accepts what the signer issued
	cfg.PrivateKeyFile = ""
	verifier, err := newTokenProvider(cfg)
	require.NoError(t, err)
	cred, err := verifier.VerifyAccess(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), cred.UserID)
}

func TestNewTokenProvider_BadKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jwt.pub")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0o644))

	cfg := authConfig()
	cfg.PublicKeyFile = path
	_, err := newTokenProvider(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "neither RSA nor ECDSA")

	cfg.PublicKeyFile = filepath.Join(t.TempDir(), "missing.pub")
	_, err = newTokenProvider(cfg)
	require.Error(t, err)
}

func TestNewAuditSink(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	t.Run("database only", func(t *testing.T) {
		sink, closeSinks, err := newAuditSink(db, config.AuditConfig{DBEnabled: true})
		require.NoError(t, err)
		assert.IsType(t, &audit.DBSink{}, sink)
		assert.NoError(t, closeSinks())
	})

	t.Run("database and file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "audit.log")
		sink, closeSinks, err := newAuditSink(db, config.AuditConfig{DBEnabled: true, FilePath: path})
		require.NoError(t, err)
		assert.IsType(t, &audit.MultiSink{}, sink)
		assert.NoError(t, closeSinks())
	})

	t.Run("none", func(t *testing.T) {
		_, _, err := newAuditSink(db, config.AuditConfig{})
		require.Error(t, err)
	})
}

func TestLoadPlans(t *testing.T) {
	table, err := loadPlans(config.PlansConfig{})
	require.NoError(t, err)
	assert.NotEmpty(t, table.Tiers())

	_, err = loadPlans(config.PlansConfig{File: filepath.Join(t.TempDir(), "missing.yaml")})
	require.Error(t, err)
}
