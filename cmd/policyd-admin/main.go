package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/migadu/policyd/config"
	"github.com/migadu/policyd/logger"
)

const defaultConfigPath = "/etc/policyd/policyd.toml"

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	command := os.Args[1]
	switch command {
	case "migrate":
		handleMigrateCommand(ctx)
	case "greylist":
		handleGreylistCommand(ctx)
	case "rules":
		handleRulesCommand(ctx)
	case "status":
		handleStatus(ctx)
	case "health":
		handleHealth(ctx)
	case "version", "--version", "-v":
		fmt.Printf("policyd-admin version %s (commit: %s, built at: %s)\n", version, commit, date)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`policyd Admin Tool

Usage:
  policyd-admin <command> [options]

Commands:
  migrate   Manage the PostgreSQL greylist schema
  greylist  List, pass or delete greylist records
  rules     Show or reload the running rule set
  status    Show milter connection counters
  health    Show component health
  version   Show version information
  help      Show this help message

Examples:
  policyd-admin migrate up --config /etc/policyd/policyd.toml
  policyd-admin greylist list --sender alice@example.org
  policyd-admin greylist pass --client 192.0.2.10 --sender alice@example.org --recipient bob@example.net
  policyd-admin rules reload

Use 'policyd-admin <command> --help' for more information about a command.
`)
}

// loadConfig reads the daemon configuration. A missing file yields the
// defaults so the API commands work with flags alone.
func loadConfig(path string) config.Config {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(path, &cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warnf("Configuration file '%s' not found, using defaults", path)
			return cfg
		}
		logger.Fatalf("Failed to load configuration file '%s': %v", path, err)
	}
	return cfg
}
