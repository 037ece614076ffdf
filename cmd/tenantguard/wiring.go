package main

import (
	"crypto"
	"database/sql"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/go-multierror"

	"github.com/platinummonkey/tenantguard/pkg/audit"
	"github.com/platinummonkey/tenantguard/pkg/auth"
	"github.com/platinummonkey/tenantguard/pkg/config"
)

// newTokenProvider builds the verifier from either the shared secret or the
// PEM key files
func newTokenProvider(cfg config.AuthConfig) (*auth.TokenProvider, error) {
	tc := auth.TokenConfig{
		Issuer:     cfg.Issuer,
		Audience:   cfg.Audience,
		AccessTTL:  cfg.AccessTTL,
		RefreshTTL: cfg.RefreshTTL,
	}
	if cfg.HMACSecret != "" {
		tc.HMACSecret = []byte(cfg.HMACSecret)
		return auth.NewTokenProvider(tc)
	}

	pub, err := readPublicKey(cfg.PublicKeyFile)
	if err != nil {
		return nil, err
	}
	tc.PublicKey = pub
	if cfg.PrivateKeyFile != "" {
		priv, err := readPrivateKey(cfg.PrivateKeyFile)
		if err != nil {
			return nil, err
		}
		tc.PrivateKey = priv
	}
	return auth.NewTokenProvider(tc)
}

func readPublicKey(path string) (crypto.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	if key, err := jwt.ParseRSAPublicKeyFromPEM(data); err == nil {
		return key, nil
	}
	key, err := jwt.ParseECPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("public key %s is neither RSA nor ECDSA: %w", path, err)
	}
	return key, nil
}

func readPrivateKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	if key, err := jwt.ParseRSAPrivateKeyFromPEM(data); err == nil {
		return key, nil
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("private key %s is neither RSA nor ECDSA: %w", path, err)
	}
	return key, nil
}

// newAuditSink assembles the configured sinks. The returned func closes
// the sinks that hold resources.
func newAuditSink(db *sql.DB, cfg config.AuditConfig) (audit.Sink, func() error, error) {
	var (
		sinks   []audit.Sink
		closers []func() error
	)
	closeAll := func() error {
		var result *multierror.Error
		for _, c := range closers {
			if err := c(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		return result.ErrorOrNil()
	}

	if cfg.DBEnabled {
		s, err := audit.NewDBSink(db)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.FilePath != "" {
		fileCfg := audit.DefaultFileSinkConfig()
		fileCfg.Path = cfg.FilePath
		s, err := audit.NewFileSink(fileCfg)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, s)
		closers = append(closers, s.Close)
	}
	if len(cfg.KafkaBrokers) > 0 {
		s, err := audit.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, s)
		closers = append(closers, s.Close)
	}

	switch len(sinks) {
	case 0:
		return nil, nil, fmt.Errorf("no audit sink configured")
	case 1:
		return sinks[0], closeAll, nil
	default:
		return audit.NewMultiSink(sinks...), closeAll, nil
	}
}
