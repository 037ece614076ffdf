// Package config loads tenantguard configuration from environment variables.
//
// Every setting has a default except the database URL and the token
// verification key. LoadConfig validates the result.
//
// Server:
//
//	TENANTGUARD_HOST="0.0.0.0"
//	TENANTGUARD_PORT="8080"
//	TENANTGUARD_SHUTDOWN_TIMEOUT="30s"
//
// Storage:
//
//	TENANTGUARD_DATABASE_URL="postgres://localhost/tenantguard?sslmode=disable"
//	TENANTGUARD_DATABASE_MAX_CONNS="25"
//	TENANTGUARD_REDIS_URL="redis://localhost:6379/0"   # empty disables Redis
//
// Tokens (one of the secret or the public key file):
//
//	TENANTGUARD_JWT_ISSUER="tenantguard"
//	TENANTGUARD_JWT_AUDIENCE="tenantguard-api"
//	TENANTGUARD_JWT_HMAC_SECRET="..."
//	TENANTGUARD_JWT_PUBLIC_KEY_FILE="/etc/tenantguard/jwt.pub"
//
// Plans and cache:
//
//	TENANTGUARD_PLANS_FILE="/etc/tenantguard/plans.yaml"
//	TENANTGUARD_PLANS_WATCH="true"
//	TENANTGUARD_CACHE_TTL="5m"
//	TENANTGUARD_CACHE_SHARED="false"
//
// Audit:
//
//	TENANTGUARD_AUDIT_DB_ENABLED="true"
//	TENANTGUARD_AUDIT_FILE="/var/log/tenantguard/audit.log"
//	TENANTGUARD_AUDIT_KAFKA_BROKERS="kafka-1:9092,kafka-2:9092"
//	TENANTGUARD_AUDIT_KAFKA_TOPIC="tenantguard.audit"
//
// Observability:
//
//	TENANTGUARD_LOG_LEVEL="info"
//	TENANTGUARD_METRICS_ENABLED="true"
//	TENANTGUARD_OTEL_ENABLED="false"
//	TENANTGUARD_OTEL_ENDPOINT="localhost:4317"
//
// # Usage
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
package config
