package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rubycave-project/rubycave/internal/api"
	"github.com/rubycave-project/rubycave/internal/cli"
	"github.com/rubycave-project/rubycave/internal/config"
	"github.com/rubycave-project/rubycave/internal/db"
	"github.com/rubycave-project/rubycave/internal/events"
	"github.com/rubycave-project/rubycave/internal/game"
	"github.com/rubycave-project/rubycave/internal/health"
	"github.com/rubycave-project/rubycave/internal/metrics"
	"github.com/rubycave-project/rubycave/internal/network"
	"github.com/rubycave-project/rubycave/internal/protocol"
	"github.com/rubycave-project/rubycave/internal/scheduler"
	"github.com/rubycave-project/rubycave/internal/telemetry"
	"github.com/rubycave-project/rubycave/internal/util"
)

func serverCmd(configDir *string) *cobra.Command {
	var (
		port        int
		interactive bool
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the game server",
		Long: `Run the game server with its admin API, LAN discovery responder,
health checks and operator console.

Examples:
  rubycave server
  rubycave server --port=1616 --console=false`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(*configDir, port, interactive)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "Game port (default from config.json)")
	cmd.Flags().BoolVar(&interactive, "console", true, "Read operator commands from stdin")

	return cmd
}

func loadConfig(configDir, role string) (*config.Config, func(), error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, nil, err
	}

	logging := cfg.GetLogging()
	logFile, err := util.InitLogger(util.LogConfig{
		Role:       role,
		Level:      logging.Level,
		Directory:  logging.Directory,
		MaxBackups: logging.MaxBackups,
		Console:    true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, func() { logFile.Close() }, nil
}

func validateConfig(cfg *config.Config) error {
	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		return fmt.Errorf("configuration validation failed with %d errors", len(validation.Errors))
	}
	return nil
}

func runServer(configDir string, port int, interactive bool) error {
	printBanner()

	cfg, closeLog, err := loadConfig(configDir, "server")
	if err != nil {
		return err
	}
	defer closeLog()

	if port > 0 {
		cfg.Server.Port = port
	}
	if err := validateConfig(cfg); err != nil {
		return err
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("version", version).
		Str("protocol", protocol.Version).
		Str("hostname", sysInfo.Hostname).
		Str("os", runtime.GOOS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("starting RubyCave server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eventBus := events.NewEventBus()
	m := metrics.New()
	registry := network.NewConnectionRegistry()

	validator, err := protocol.NewValidator(protocol.Version)
	if err != nil {
		return err
	}

	world := game.NewWorld(cfg, eventBus)
	listener := network.NewTCPListener(cfg, eventBus, registry, validator, world, m)

	sessions, err := db.NewSessionStore(cfg.GetDatabase().Path)
	if err != nil {
		log.Warn().Err(err).Msg("session history disabled")
	} else {
		sessions.Subscribe(eventBus)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.GetServer().ListenAddr()).Msg("starting game listener")
		if err := listener.Start(gctx); err != nil {
			return fmt.Errorf("game listener: %w", err)
		}
		return nil
	})

	if cfg.GetDiscovery().Enabled {
		responder := network.NewDiscoveryResponder(cfg, registry)
		g.Go(func() error {
			if err := responder.Start(gctx); err != nil {
				log.Warn().Err(err).Msg("LAN discovery failed (non-fatal)")
			}
			return nil
		})
	}

	if cfg.GetAPI().Enabled {
		apiServer := api.NewServer(cfg, eventBus, world, sessions, m)
		g.Go(func() error {
			if err := apiServer.Start(gctx); err != nil {
				log.Warn().Err(err).Msg("API server failed (non-fatal)")
			}
			return nil
		})
	}

	healthMgr := health.NewManager(cfg, eventBus, registry)
	g.Go(func() error { return healthMgr.Start(gctx) })

	sched := scheduler.NewScheduler(cfg, sessions)
	g.Go(func() error { return sched.Start(gctx) })

	mqttHandler, err := telemetry.NewMQTTHandler(cfg, eventBus)
	switch {
	case errors.Is(err, telemetry.ErrDisabled):
	case err != nil:
		log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
	default:
		g.Go(func() error {
			if err := mqttHandler.Start(gctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
			return nil
		})
	}

	if interactive {
		console := cli.NewCLI(cfg, eventBus, world, sessions, os.Stdin, os.Stdout)
		g.Go(func() error { return console.Start(gctx) })
	}

	err = g.Wait()
	if errors.Is(err, cli.ErrQuit) {
		err = nil
	}
	if err != nil {
		log.Error().Err(err).Msg("server stopped with error")
	}

	log.Info().Msg("shutting down")
	eventBus.Emit(context.Background(), events.Event{Type: events.EventShutdown, Source: "main"})

	// Session rows for players that left during shutdown are written before
	// the database closes.
	eventBus.Stop()
	if sessions != nil {
		sessions.Close()
	}

	log.Info().Msg("RubyCave server stopped")
	return err
}
