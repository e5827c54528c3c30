package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"

	"github.com/migadu/policyd/logger"
	"github.com/migadu/policyd/store"
)

func handleMigrateCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printMigrateUsage()
		os.Exit(1)
	}

	subcommand := os.Args[2]
	switch subcommand {
	case "up":
		handleMigrateUp(ctx)
	case "down":
		handleMigrateDown(ctx)
	case "version":
		handleMigrateVersion(ctx)
	case "force":
		handleMigrateForce(ctx)
	case "help", "--help", "-h":
		printMigrateUsage()
	default:
		fmt.Printf("Unknown migrate subcommand: %s\n\n", subcommand)
		printMigrateUsage()
		os.Exit(1)
	}
}

func printMigrateUsage() {
	fmt.Printf(`Greylist Schema Migration Management

Only the postgres store backend has a schema. The migration holds an
advisory lock so two runs cannot interleave.

Usage:
  policyd-admin migrate <subcommand> [options]

Subcommands:
  up        Apply all pending upwards migrations
  down      Revert migrations
  version   Show the current migration version and dirty state
  force     Force the database to a specific version (for fixing dirty states)

Examples:
  policyd-admin migrate up
  policyd-admin migrate down --limit 2
  policyd-admin migrate down --all
  policyd-admin migrate force 1
`)
}

// openMigrator loads the config and connects to its postgres store.
func openMigrator(ctx context.Context, configPath string, lock bool) *store.Migrator {
	cfg := loadConfig(configPath)
	if cfg.Store.Type != "postgres" {
		logger.Warnf("Store type is %q, migrating the [store.postgres] database anyway", cfg.Store.Type)
	}
	m, err := store.NewMigrator(ctx, cfg.Store.Postgres.ConnString())
	if err != nil {
		logger.Fatalf("Failed to initialize migration tool: %v", err)
	}
	if lock {
		if err := m.Lock(ctx); err != nil {
			m.Close()
			logger.Fatalf("Failed to acquire exclusive lock: %v", err)
		}
	}
	return m
}

func closeMigrator(m *store.Migrator) {
	m.Unlock(context.Background())
	if err := m.Close(); err != nil {
		logger.Warnf("Failed to close migration tool: %v", err)
	}
}

func handleMigrateUp(ctx context.Context) {
	fs := flag.NewFlagSet("migrate up", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: policyd-admin migrate up [--config policyd.toml]")
		fmt.Println("Applies all pending upwards migrations.")
	}
	fs.Parse(os.Args[3:])

	m := openMigrator(ctx, *configPath, true)
	defer closeMigrator(m)

	logger.Info("Applying UP migrations...")
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatalf("Failed to apply UP migrations: %v", err)
	}
	logger.Info("Migrations applied successfully.")
	showVersion(m)
}

func handleMigrateDown(ctx context.Context) {
	fs := flag.NewFlagSet("migrate down", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to TOML configuration file")
	limit := fs.Int("limit", 1, "Number of migrations to revert")
	all := fs.Bool("all", false, "Revert all migrations")
	fs.Usage = func() {
		fmt.Println("Usage: policyd-admin migrate down [--config policyd.toml] [--limit N | --all]")
		fmt.Println("Reverts migrations. Defaults to reverting one migration.")
	}
	fs.Parse(os.Args[3:])

	m := openMigrator(ctx, *configPath, true)
	defer closeMigrator(m)

	steps := *limit
	if *all {
		v, dirty, err := m.Version()
		if err != nil {
			if errors.Is(err, migrate.ErrNilVersion) {
				logger.Info("No migrations to revert.")
				return
			}
			logger.Fatalf("Failed to get current migration version: %v", err)
		}
		if dirty {
			logger.Fatalf("Database is in a dirty state (version %d). Fix it with the 'force' command.", v)
		}
		steps = int(v)
	}

	logger.Infof("Reverting %d migration(s)...", steps)
	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatalf("Failed to revert migrations: %v", err)
	}
	logger.Info("Migrations reverted successfully.")
	showVersion(m)
}

func handleMigrateVersion(ctx context.Context) {
	fs := flag.NewFlagSet("migrate version", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: policyd-admin migrate version [--config policyd.toml]")
	}
	fs.Parse(os.Args[3:])

	m := openMigrator(ctx, *configPath, false)
	defer closeMigrator(m)
	showVersion(m)
}

func handleMigrateForce(ctx context.Context) {
	fs := flag.NewFlagSet("migrate force", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: policyd-admin migrate force [--config policyd.toml] <version>")
		fmt.Println("Forcibly sets the database migration version. USE WITH CAUTION.")
	}
	fs.Parse(os.Args[3:])

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	v, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		logger.Fatalf("Invalid version number: %v", err)
	}

	m := openMigrator(ctx, *configPath, true)
	defer closeMigrator(m)

	logger.Infof("Forcing database version to %d...", v)
	if err := m.Force(v); err != nil {
		logger.Fatalf("Failed to force version: %v", err)
	}
	showVersion(m)
}

func showVersion(m *store.Migrator) {
	v, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			logger.Info("Current migration version: none")
			return
		}
		logger.Warnf("Failed to get migration version: %v", err)
		return
	}
	logger.Infof("Current migration version: %d", v)
	if dirty {
		logger.Info("Dirty state: YES (use 'force' to fix)")
	} else {
		logger.Info("Dirty state: no")
	}
}
