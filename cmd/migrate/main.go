// Package main is the database migration tool of the research orchestrator.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/research-orchestrator/internal/config"
	"github.com/helixir/research-orchestrator/internal/database"
	"github.com/helixir/research-orchestrator/internal/observability"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// action is the single operation requested on the command line.
type action struct {
	kind  string // up, down, steps, version, force
	steps int
	force int
}

// options are the parsed command line flags.
type options struct {
	action action
	path   string
	dsn    string
}

var errNoAction = errors.New("no action specified")

func parseFlags(args []string) (*options, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	up := fs.Bool("up", false, "Run all pending migrations")
	down := fs.Bool("down", false, "Roll back all migrations")
	steps := fs.Int("steps", 0, "Run N migration steps (positive=up, negative=down)")
	version := fs.Bool("version", false, "Print the current migration version")
	force := fs.Int("force", -1, "Force set migration version (use to recover from failed migrations)")
	path := fs.String("path", "", "Override the migrations directory path")
	dsn := fs.String("dsn", "", "Connect with this DSN instead of the configured database")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var chosen []action
	if *up {
		chosen = append(chosen, action{kind: "up"})
	}
	if *down {
		chosen = append(chosen, action{kind: "down"})
	}
	if *steps != 0 {
		chosen = append(chosen, action{kind: "steps", steps: *steps})
	}
	if *version {
		chosen = append(chosen, action{kind: "version"})
	}
	if *force >= 0 {
		chosen = append(chosen, action{kind: "force", force: *force})
	}

	switch len(chosen) {
	case 0:
		fs.Usage()
		fmt.Fprintln(os.Stderr, "\nPlease specify one of: -up, -down, -steps N, -version, -force V")
		return nil, errNoAction
	case 1:
		return &options{action: chosen[0], path: *path, dsn: *dsn}, nil
	default:
		return nil, fmt.Errorf("specify only one action at a time")
	}
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      "info",
		Format:     "console",
		Output:     "stdout",
		TimeFormat: time.RFC3339,
	})
	logger = logger.With().Str("component", "migrate").Logger()

	dsn, migrationDir := opts.dsn, opts.path
	if dsn == "" || migrationDir == "" {
		dbCfg, err := config.LoadDatabase()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if dsn == "" {
			dsn = dbCfg.DSN()
		}
		if migrationDir == "" {
			migrationDir = dbCfg.MigrationPath
		}
	}

	migrator, err := database.NewMigratorFromDSN(dsn, migrationDir, logger)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("failed to close migrator")
		}
	}()

	if err := apply(migrator, opts.action, logger); err != nil {
		return err
	}
	printVersion(migrator, logger)
	return nil
}

// schemaMigrator is the subset of *database.Migrator used by apply.
type schemaMigrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Force(version int) error
}

func apply(m schemaMigrator, a action, logger zerolog.Logger) error {
	switch a.kind {
	case "up":
		logger.Info().Msg("running all pending migrations")
		if err := m.Up(); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
	case "down":
		logger.Warn().Msg("rolling back all migrations")
		if err := m.Down(); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
	case "steps":
		logger.Info().Int("steps", a.steps).Msg("running migration steps")
		if err := m.Steps(a.steps); err != nil {
			return fmt.Errorf("migrate steps: %w", err)
		}
	case "force":
		logger.Warn().Int("version", a.force).Msg("forcing migration version")
		if err := m.Force(a.force); err != nil {
			return fmt.Errorf("force version: %w", err)
		}
	case "version":
	default:
		return errNoAction
	}
	return nil
}

func printVersion(migrator *database.Migrator, logger zerolog.Logger) {
	v, dirty, err := migrator.Version()
	if err != nil {
		logger.Warn().Err(err).Msg("could not determine migration version")
		return
	}
	logger.Info().
		Uint("version", v).
		Bool("dirty", dirty).
		Msg("current migration version")
}
