package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/snapvault/companion/internal/api"
	"github.com/snapvault/companion/internal/auth"
	"github.com/snapvault/companion/internal/config"
	"github.com/snapvault/companion/internal/core"
	"github.com/snapvault/companion/internal/health"
	cplog "github.com/snapvault/companion/internal/log"
	"github.com/snapvault/companion/internal/mode"
	"github.com/snapvault/companion/internal/supervisor"
	"github.com/snapvault/companion/internal/uploader"
)

var (
	version   = "v0.3.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Configure logger with safe defaults until config is loaded.
	cplog.Configure(cplog.Config{
		Level:   "info",
		Service: "companiond",
		Version: version,
	})
	logger := cplog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Auto-load ${data dir}/config.yaml when no explicit path is given, so a
	// UI-saved config persists across runs.
	effectiveConfigPath := *configPath
	if effectiveConfigPath == "" {
		autoPath := filepath.Join(config.ParseString("COMPANION_DATA_DIR", ""), "config.yaml")
		if autoPath != "config.yaml" {
			if _, err := os.Stat(autoPath); err == nil {
				effectiveConfigPath = autoPath
			}
		}
	}

	loader := config.NewLoader(effectiveConfigPath, version)
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(cplog.FieldEvent, "config.load_failed").
			Str("config_path", effectiveConfigPath).
			Msg("failed to load configuration")
	}

	logger.Info().
		Str(cplog.FieldEvent, "daemon.starting").
		Int(cplog.FieldPort, cfg.ServerPort).
		Str(cplog.FieldMode, cfg.StartMode).
		Str("listen_addr", cfg.ListenAddr).
		Msg("companion daemon starting")

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		logger.Fatal().Err(err).Str(cplog.FieldPath, cfg.DataDir).Msg("cannot create data directory")
	}

	store, err := auth.OpenBadgerStore(filepath.Join(cfg.DataDir, "session"))
	if err != nil {
		logger.Fatal().Err(err).Msg("cannot open session store")
	}
	defer store.Close()

	session := auth.NewSession(cfg, store)
	session.Restore()

	sup := supervisor.New(cfg, supervisor.NewExecLauncher())

	monitor := health.NewMonitor(cfg.LocalBaseURL())
	monitor.OnResult = sup.SetRunning
	monitor.ProcessAlive = sup.ProcessAlive
	sup.SetProber(monitor.Check)

	client := uploader.New(cfg, sup.Running, session)

	initialMode, _ := mode.Parse(cfg.StartMode)
	modes := mode.NewController(initialMode, sup, session)
	service := core.NewService(cfg, modes, session, sup, client)

	apiServer := api.NewServer(service, session, modes, sup, monitor, version)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("control-plane server failed")
			stop()
		}
	}()

	go monitor.Watch(ctx, 15*time.Second)

	// A changed secrets file only takes effect through a child restart; watch
	// it and restart an already-running server.
	if _, envPath, err := config.LoadDotenv(cfg.EnvFileCandidates); err == nil && envPath != "" {
		go func() {
			err := config.WatchEnvFile(ctx, envPath, func() {
				if sup.ProcessAlive() {
					if err := sup.Restart(ctx); err != nil {
						logger.Warn().Err(err).Msg("restart after secrets change failed")
					}
				}
			})
			if err != nil {
				logger.Warn().Err(err).Msg("env file watcher stopped")
			}
		}()
	}

	// The supervisor starts at launch regardless of mode; the mode controller
	// stops it again if the first toggle lands on online.
	if err := sup.Start(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial server start failed, continuing without local server")
	}

	if modes.RequiresLogin() {
		logger.Info().
			Str(cplog.FieldEvent, "auth.login_required").
			Str("login_url", session.LoginURL()).
			Msg("online mode selected without a session, open the login URL to authenticate")
	}

	<-ctx.Done()
	logger.Info().Str(cplog.FieldEvent, "daemon.stopping").Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDeadline)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("control-plane shutdown failed")
	}

	sup.Shutdown(context.Background())
	logger.Info().Str(cplog.FieldEvent, "daemon.stopped").Msg("goodbye")
}
