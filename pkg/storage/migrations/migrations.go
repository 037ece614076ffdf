// Package migrations holds the PostgreSQL schema as embedded SQL files and
// applies it with golang-migrate.
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/platinummonkey/tenantguard/pkg/observability"
)

//go:embed sql/*.sql
var files embed.FS

// ErrNoChange is returned when the schema is already at the target version
var ErrNoChange = migrate.ErrNoChange

// Direction of a migration run
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// ParseDirection accepts "up" or "down"
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.TrimSpace(s)); d {
	case Up, Down:
		return d, nil
	default:
		return "", fmt.Errorf("direction must be up or down, got %q", s)
	}
}

// Source returns the embedded migration source
func Source() (source.Driver, error) {
	driver, err := iofs.New(files, "sql")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	return driver, nil
}

// Run migrates the database at dsn. steps > 0 moves at most that many
// versions; zero applies (or reverts) everything.
func Run(dsn string, direction Direction, steps int, logger *observability.Logger) error {
	if strings.TrimSpace(dsn) == "" {
		return errors.New("database URL is required")
	}
	if _, err := ParseDirection(string(direction)); err != nil {
		return err
	}
	if steps < 0 {
		return fmt.Errorf("steps must not be negative, got %d", steps)
	}

	src, err := Source()
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer func() { _, _ = m.Close() }()
	if logger != nil {
		m.Log = &migrateLogger{logger: logger.WithField("component", "migrate")}
	}

	switch {
	case steps > 0 && direction == Down:
		err = m.Steps(-steps)
	case steps > 0:
		err = m.Steps(steps)
	case direction == Down:
		err = m.Down()
	default:
		err = m.Up()
	}
	if err != nil {
		return fmt.Errorf("failed to migrate %s: %w", direction, err)
	}

	if logger != nil {
		version, dirty, verr := m.Version()
		if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
			return fmt.Errorf("failed to read schema version: %w", verr)
		}
		logger.WithFields(map[string]interface{}{
			"version": version,
			"dirty":   dirty,
		}).Info("schema migrated")
	}
	return nil
}

// migrateLogger adapts the service logger to migrate.Logger
type migrateLogger struct {
	logger *observability.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Infof(strings.TrimSuffix(format, "\n"), v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}
