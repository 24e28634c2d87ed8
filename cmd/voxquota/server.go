package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/voxquota/internal/api"
	"github.com/goodtune/voxquota/internal/config"
	"github.com/goodtune/voxquota/internal/metrics"
	"github.com/goodtune/voxquota/internal/systemd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start voxquota server",
	Long:  `Start the voxquota session API, the expiry sweeper and the metrics endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting voxquota")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	eng, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("backend", eng.storage.Backend).
		Bool("fallback", eng.storage.Fallback).
		Str("period", cfg.Quota.Period).
		Msg("Quota engine initialized")

	if n, err := eng.sweeper.SyncActiveSessions(context.Background()); err != nil {
		logger.Warn().Err(err).Msg("Failed to count stored sessions")
	} else {
		logger.Info().Int("sessions", n).Msg("Loaded stored sessions")
	}

	apiAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort)
	apiServer := api.NewServer(api.Config{
		ListenAddr:     apiAddr,
		ReadTimeout:    parseDuration(cfg.Server.ReadTimeout, 15*time.Second),
		WriteTimeout:   parseDuration(cfg.Server.WriteTimeout, 15*time.Second),
		AdminToken:     cfg.Admin.Token,
		RateLimit:      cfg.Admin.RateLimit,
		RateLimitBurst: cfg.Admin.RateLimitBurst,
	}, api.Deps{
		Tracker: eng.tracker,
		Ledger:  eng.ledger,
		Limits:  eng.limits,
		Tokens:  eng.tokens,
		Sweeper: eng.sweeper,
		Storage: api.StorageStatus{Backend: eng.storage.Backend, Fallback: eng.storage.Fallback},
	}, logger)

	if sdListeners.Activated && sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}

	var components []component

	var metricsServer *metrics.Server
	if cfg.Server.MetricsPort > 0 {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
		metricsServer = metrics.NewServer(metricsAddr, logger)

		if sdListeners.Activated && sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}

		components = append(components, component{name: "Metrics Server", start: metricsServer.Start, stop: metricsServer.Stop})
	}

	components = append(components,
		component{
			name:  "Expiry Sweeper",
			start: func() error { eng.sweeper.Start(); return nil },
			stop:  func() error { eng.sweeper.Stop(); return nil },
		},
		component{name: "API Server", start: apiServer.Start, stop: apiServer.Stop},
	)

	stopComponents, err := startComponents(logger, components)
	if err != nil {
		return err
	}

	logger.Info().Msg("voxquota startup complete")
	logger.Info().Msgf("API: http://%s", apiAddr)
	if metricsServer != nil {
		logger.Info().Msgf("Metrics: http://%s:%d/metrics", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	}

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	watchdogStop := make(chan struct{})
	if interval, err := systemd.WatchdogInterval(); err != nil {
		logger.Warn().Err(err).Msg("Failed to read systemd watchdog settings")
	} else if interval > 0 {
		logger.Info().Dur("interval", interval).Msg("Systemd watchdog enabled")
		go systemd.RunWatchdog(interval, watchdogStop)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutdown signal received, gracefully stopping...")

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}
	close(watchdogStop)

	stopComponents()

	logger.Info().Msg("voxquota stopped")

	return nil
}

// component is a long-running part of the server with a start/stop pair.
type component struct {
	name  string
	start func() error
	stop  func() error
}

// startComponents starts components in order. If one fails, those already
// running are stopped in reverse order before the error is returned, so
// storage is never closed underneath them. The returned func stops all of
// them in reverse order.
func startComponents(logger zerolog.Logger, components []component) (func(), error) {
	started := make([]component, 0, len(components))

	stopAll := func() {
		for i := len(started) - 1; i >= 0; i-- {
			if err := started[i].stop(); err != nil {
				logger.Error().Err(err).Msgf("Error stopping %s", started[i].name)
			}
		}
	}

	for _, c := range components {
		if err := c.start(); err != nil {
			stopAll()
			return nil, fmt.Errorf("failed to start %s: %w", c.name, err)
		}
		started = append(started, c)
	}

	return stopAll, nil
}
