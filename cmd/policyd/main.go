package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/migadu/policyd/acl"
	"github.com/migadu/policyd/config"
	"github.com/migadu/policyd/greylist"
	"github.com/migadu/policyd/logger"
	"github.com/migadu/policyd/pkg/errors"
	"github.com/migadu/policyd/pkg/health"
	"github.com/migadu/policyd/pkg/metrics"
	"github.com/migadu/policyd/registry"
	"github.com/migadu/policyd/server/adminapi"
	"github.com/migadu/policyd/server/milter"
	"github.com/migadu/policyd/server/sweeper"
	"github.com/migadu/policyd/store"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "/etc/policyd/policyd.toml", "Path to TOML configuration file")
	milterAddr := flag.String("milter-addr", "", "Milter listen address (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (overrides config)")
	checkOnly := flag.Bool("check", false, "Validate configuration and rules, then exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("policyd version %s (commit: %s, built at: %s)\n", version, commit, date)
		return 0
	}

	loadAndValidateConfig(*configPath, &cfg, errorHandler)
	if *milterAddr != "" {
		cfg.Milter.Addr = *milterAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "POLICYD: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	reg := registry.New()
	if err := registry.RegisterStandard(reg); err != nil {
		errorHandler.FatalError("register builtins", err)
		return errorHandler.WaitForExit()
	}
	rules, err := acl.Compile(&cfg, reg)
	if err != nil {
		errorHandler.ValidationError("rules", err)
		return errorHandler.WaitForExit()
	}
	if *checkOnly {
		fmt.Printf("configuration OK: %d rules, %d macros\n", len(rules.Rules), len(rules.Macros))
		return 0
	}

	logger.Info("policyd starting", "version", version, "commit", commit, "built", date)
	logger.Info("Logging configured", "format", cfg.Logging.Format, "level", cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.New(ctx, &cfg.Store)
	if err != nil {
		errorHandler.FatalError("open store", err)
		return errorHandler.WaitForExit()
	}
	defer st.Close()
	if pg, ok := st.Backend().(*store.Postgres); ok {
		pg.StartPoolMetrics(ctx)
	}

	glCfg, err := greylist.ConfigFrom(&cfg.Greylist)
	if err != nil {
		errorHandler.ValidationError("greylist", err)
		return errorHandler.WaitForExit()
	}
	gl := greylist.New(st, glCfg)
	engine := acl.NewEngine(reg, rules, gl, acl.OptionsFrom(&cfg))
	logger.Info("Rules loaded", "rules", len(rules.Rules), "macros", len(rules.Macros))

	reload := func(context.Context) error {
		next := config.NewDefaultConfig()
		if err := config.LoadConfigFromFile(*configPath, &next); err != nil {
			return err
		}
		rs, err := acl.Compile(&next, engine.Registry())
		if err != nil {
			return err
		}
		engine.SetRules(rs)
		return nil
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range signalChan {
			if sig == syscall.SIGHUP {
				logger.Info("Received SIGHUP, reloading rules")
				if err := reload(ctx); err != nil {
					logger.Error("Rule reload failed, keeping the current rules", "error", err)
				}
				continue
			}
			logger.Info("Received signal, shutting down", "signal", sig.String())
			cancel()
			return
		}
	}()

	sweepInterval, _ := cfg.Greylist.GetSweepInterval()
	sweepWorker := sweeper.New(gl, sweepInterval)
	sweepWorker.Start(ctx)
	defer sweepWorker.Stop()

	monitor := health.NewHealthMonitor()
	monitor.RegisterCheck(health.PingCheck("store", st, 30*time.Second, true))
	monitor.RegisterCheck(health.BreakerCheck("store_breaker", st, 15*time.Second))
	monitor.Start(ctx)
	defer monitor.Stop()

	collector := metrics.NewCollector(gl, 0)
	go collector.Start(ctx)
	defer collector.Stop()

	milterServer := milter.New(ctx, engine, cfg.Milter)
	errChan := make(chan error, 2)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		milterServer.Start(errChan)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		if err := milterServer.Close(); err != nil {
			logger.Warn("Error closing milter server", "error", err)
		}
		return nil
	})
	if cfg.AdminAPI.Start {
		opts := adminapi.ServerOptions{
			Addr:         cfg.AdminAPI.GetAddrWithDefault(),
			APIKey:       cfg.AdminAPI.APIKey,
			AllowedHosts: cfg.AdminAPI.AllowedHosts,
			Greylist:     gl,
			Rules:        engine,
			Connections:  milterServer,
			Health:       monitor,
			Reload:       reload,
		}
		g.Go(func() error {
			adminapi.Start(gctx, opts, errChan)
			return nil
		})
	}
	g.Go(func() error {
		select {
		case err := <-errChan:
			return err
		case <-gctx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil {
		errorHandler.FatalError("serve", err)
		cancel()
		waitForConnections(milterServer)
		return errorHandler.WaitForExit()
	}
	errorHandler.Shutdown(ctx)
	waitForConnections(milterServer)
	logger.Info("policyd stopped")
	return 0
}

// waitForConnections gives in-flight milter sessions a moment to run their
// close stage before the store is closed.
func waitForConnections(s *milter.Server) {
	deadline := time.Now().Add(5 * time.Second)
	for s.GetActiveConnections() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if n := s.GetActiveConnections(); n > 0 {
		logger.Warn("Shutdown with active milter connections", "count", n)
	}
}

func loadAndValidateConfig(configPath string, cfg *config.Config, errorHandler *errors.ErrorHandler) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		errorHandler.ConfigError(configPath, err)
		os.Exit(errorHandler.WaitForExit())
	}
	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("configuration", err)
		os.Exit(errorHandler.WaitForExit())
	}
}
