package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/migadu/autocrypt/config"
	"github.com/migadu/autocrypt/db"
	"github.com/migadu/autocrypt/logger"
)

func handleMigrateCommand(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 {
		printMigrateUsage(out)
		return fmt.Errorf("%w: migrate requires a subcommand", errUsage)
	}

	subcommand := args[0]
	switch subcommand {
	case "up":
		return handleMigrateUp(ctx, args[1:], out)
	case "down":
		return handleMigrateDown(ctx, args[1:], out)
	case "version":
		return handleMigrateVersion(ctx, args[1:], out)
	case "force":
		return handleMigrateForce(ctx, args[1:], out)
	case "help", "--help", "-h":
		printMigrateUsage(out)
		return nil
	default:
		printMigrateUsage(out)
		return fmt.Errorf("%w: unknown migrate subcommand %q", errUsage, subcommand)
	}
}

func printMigrateUsage(out io.Writer) {
	fmt.Fprint(out, `PostgreSQL peer store schema management

Only used with store.backend = "postgres". The store applies pending
migrations when it opens; these commands are for inspection and repair.

Usage:
  autocrypt migrate <subcommand> [options]

Subcommands:
  up        Apply all pending upwards migrations
  down      Revert migrations
  version   Show the current migration version and dirty state
  force     Force the database to a specific version (for fixing dirty states)

Examples:
  autocrypt migrate up
  autocrypt migrate down --limit 2
  autocrypt migrate down --all
  autocrypt migrate version
  autocrypt migrate force 1
`)
}

// openMigrator loads the configuration and opens a migrator on the
// configured PostgreSQL store. closeFn releases everything it opened.
func openMigrator(ctx context.Context, fs *flag.FlagSet, common *commonFlags) (*migrate.Migrate, func(), func(), error) {
	cfg, closeLog, err := common.loadConfig(fs)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.Store.Backend != config.BackendPostgres {
		logger.Warn("store.backend is not postgres, using [store.postgres] settings anyway", "backend", cfg.Store.Backend)
	}

	m, sqlDB, err := db.NewMigrator(ctx, cfg.Store.Postgres.ConnString())
	if err != nil {
		closeLog()
		return nil, nil, nil, fmt.Errorf("failed to initialize migration tool: %w", err)
	}
	release, err := db.AcquireMigrationLock(ctx, sqlDB)
	if err != nil {
		m.Close()
		sqlDB.Close()
		closeLog()
		return nil, nil, nil, err
	}
	closeFn := func() {
		m.Close()
		sqlDB.Close()
		closeLog()
	}
	return m, release, closeFn, nil
}

func handleMigrateUp(ctx context.Context, args []string, out io.Writer) error {
	fs, common := newFlagSet("migrate up", "Usage: autocrypt migrate up\nApplies all pending upwards migrations.\n", out)
	if err := fs.Parse(args); err != nil {
		return err
	}

	m, release, closeFn, err := openMigrator(ctx, fs, common)
	if err != nil {
		return err
	}
	defer closeFn()
	defer release()

	logger.Info("Applying UP migrations")
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply UP migrations: %w", err)
	}
	return showVersion(m, out)
}

func handleMigrateDown(ctx context.Context, args []string, out io.Writer) error {
	fs, common := newFlagSet("migrate down", "Usage: autocrypt migrate down [--limit N | --all]\nReverts migrations. Defaults to reverting one migration.\n", out)
	limit := fs.Int("limit", 1, "Number of migrations to revert")
	all := fs.Bool("all", false, "Revert all migrations")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit < 1 && !*all {
		return fmt.Errorf("%w: --limit must be positive", errUsage)
	}

	m, release, closeFn, err := openMigrator(ctx, fs, common)
	if err != nil {
		return err
	}
	defer closeFn()
	defer release()

	steps := *limit
	if *all {
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Fprintln(out, "No migrations to revert.")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get current migration version: %w", err)
		}
		if dirty {
			return fmt.Errorf("database is in a dirty state (version %d); fix it with 'migrate force'", version)
		}
		steps = int(version)
	}

	logger.Info("Reverting migrations", "steps", steps)
	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to revert migrations: %w", err)
	}
	return showVersion(m, out)
}

func handleMigrateVersion(ctx context.Context, args []string, out io.Writer) error {
	fs, common := newFlagSet("migrate version", "Usage: autocrypt migrate version\nShows the current migration version and dirty state.\n", out)
	if err := fs.Parse(args); err != nil {
		return err
	}

	m, release, closeFn, err := openMigrator(ctx, fs, common)
	if err != nil {
		return err
	}
	defer closeFn()
	defer release()

	return showVersion(m, out)
}

func handleMigrateForce(ctx context.Context, args []string, out io.Writer) error {
	fs, common := newFlagSet("migrate force", "Usage: autocrypt migrate force <version>\nForcibly sets the database migration version. USE WITH CAUTION.\n", out)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: migrate force requires a version", errUsage)
	}
	version, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("%w: invalid version number %q", errUsage, fs.Arg(0))
	}

	m, release, closeFn, err := openMigrator(ctx, fs, common)
	if err != nil {
		return err
	}
	defer closeFn()
	defer release()

	logger.Info("Forcing database version", "version", version)
	if err := m.Force(version); err != nil {
		return fmt.Errorf("failed to force version: %w", err)
	}
	return showVersion(m, out)
}

func showVersion(m *migrate.Migrate, out io.Writer) error {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		fmt.Fprintln(out, "Current migration version: none")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	fmt.Fprintf(out, "Current migration version: %d\n", version)
	if dirty {
		fmt.Fprintln(out, "Dirty state: YES (database may be inconsistent, use 'force' to fix)")
	} else {
		fmt.Fprintln(out, "Dirty state: no")
	}
	return nil
}
