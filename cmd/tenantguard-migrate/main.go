// tenantguard-migrate applies or reverts the embedded database schema.
//
//	tenantguard-migrate [-steps n] up|down
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/storage/migrations"
)

func main() {
	dbURL := flag.String("db-url", os.Getenv("TENANTGUARD_DATABASE_URL"), "PostgreSQL connection URL")
	steps := flag.Int("steps", 0, "Number of versions to move; 0 means all")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] up|down\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	direction, err := migrations.ParseDirection(flag.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := observability.NewLogger(observability.ParseLevel(*logLevel), os.Stdout)
	if err := migrations.Run(*dbURL, direction, *steps, logger); err != nil {
		if errors.Is(err, migrations.ErrNoChange) {
			logger.Info("schema already up to date")
			return
		}
		logger.WithError(err).Error("migration failed")
		os.Exit(1)
	}
}
