package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/verityops/verity/internal/api"
	"github.com/verityops/verity/internal/breaker"
	"github.com/verityops/verity/internal/config"
	"github.com/verityops/verity/internal/metrics"
	"github.com/verityops/verity/internal/models"
	"github.com/verityops/verity/internal/notify"
	"github.com/verityops/verity/internal/orchestrator"
	"github.com/verityops/verity/internal/runner"
	"github.com/verityops/verity/internal/stages"
	"github.com/verityops/verity/internal/storage"
	"github.com/verityops/verity/internal/truth"
	"github.com/verityops/verity/pkg/clock"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("verity %s (commit %s, built %s)\n", version, commit, buildDate)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging)
	logger.Info().
		Str("version", version).
		Str("config", *configPath).
		Msg("Starting verity")

	store := openStore(cfg, logger)
	defer store.Close()

	clk := clock.New()
	registry := breaker.NewRegistry(&breaker.Config{
		FailureThreshold: cfg.Cycle.FailureThreshold,
		SuccessThreshold: cfg.Cycle.SuccessThreshold,
		OnStateChange: func(stage string, from, to breaker.State) {
			logger.Warn().
				Str("stage", stage).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})
	exec := runner.New(registry, clk, logger, &runner.Config{
		StageTimeout: cfg.Cycle.StageTimeout.Duration(),
		Retry: runner.RetryPolicy{
			MaxRetries: 1,
			Delay:      cfg.Cycle.RetryDelay.Duration(),
		},
	})

	specs, hub, err := buildStages(cfg, exec, store, clk, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build stages")
	}

	orch, err := orchestrator.New(store, exec, registry, clk, logger,
		&orchestrator.Config{Interval: cfg.Cycle.Interval.Duration()}, specs...)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build orchestrator")
	}

	promReg := prometheus.NewRegistry()
	orch.AddObserver(metrics.New(promReg))
	if hub.Channels() > 0 {
		orch.AddObserver(notify.NewAlerter(hub))
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewRouter(orch, store, promReg, logger),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration(),
		WriteTimeout: cfg.Server.WriteTimeout.Duration(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("orchestrator: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("Fatal error, shutting down")
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Or(10*time.Second))
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP shutdown failed")
	}
	logger.Info().Msg("Stopped")
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// openStore opens the configured backend. A broken badger directory must
// not keep the daemon down: it falls back to in-memory storage and logs
// the degradation where nobody can miss it.
func openStore(cfg *config.Config, logger zerolog.Logger) storage.Store {
	if cfg.Storage.Type == "memory" {
		logger.Warn().Msg("Using in-memory storage; nothing survives a restart")
		return storage.NewMemoryStore()
	}

	store, err := storage.NewBadgerStore(cfg.Storage.Path, logger)
	if err != nil {
		logger.Error().
			Err(err).
			Str("path", cfg.Storage.Path).
			Msg("DURABLE STORAGE UNAVAILABLE; running on in-memory storage, health state and history will not survive a restart")
		return storage.NewMemoryStore()
	}
	return store
}

// buildStages wires the concrete stage implementations into the outer
// pipeline order: collect, truth, snapshot, notify, maintenance.
func buildStages(cfg *config.Config, exec *runner.Runner, store storage.Store, clk clock.Clock, logger zerolog.Logger) ([]models.StageSpec, *notify.Hub, error) {
	sources := make([]stages.Source, len(cfg.Collect.Sources))
	for i, s := range cfg.Collect.Sources {
		sources[i] = stages.Source{Name: s.Name, URL: s.URL}
	}
	httpClient := &http.Client{Timeout: cfg.Collect.Timeout.Or(30 * time.Second)}
	collector := stages.NewCollector(sources, httpClient, store, clk, logger)

	rollups := stages.NewRollups(store, clk, logger, cfg.Capacity.WeeklyBudgetMinutes)
	truthStage, err := truth.New(exec, store, logger, rollups.Children())
	if err != nil {
		return nil, nil, err
	}

	snapshotter := stages.NewSnapshotter(store, clk, logger)

	var channels []notify.Channel
	for _, wh := range cfg.Notify.Webhooks {
		channels = append(channels, notify.NewWebhookChannel(wh.Name, wh.URL, nil))
	}
	if cfg.Notify.SlackWebhookURL != "" {
		channels = append(channels, notify.NewSlackChannel(cfg.Notify.SlackWebhookURL, nil))
	}
	hub := notify.NewHub(logger, channels...)
	deliverer := stages.NewDeliverer(hub, store, clk, logger)

	maintainer, err := stages.NewMaintainer(
		store,
		cfg.Maintenance.Schedule,
		cfg.Cycle.Interval.Duration(),
		cfg.Maintenance.Retention.Duration(),
		clk,
		logger,
	)
	if err != nil {
		return nil, nil, err
	}

	specs := []models.StageSpec{
		{Name: "collect", Run: collector.Run},
		truthStage.Stage(),
		{Name: "snapshot", Run: snapshotter.Run, DependsOn: []string{"truth"}},
		{Name: "notify", Run: deliverer.Run, DependsOn: []string{"snapshot"}},
		{
			Name:     "maintenance",
			Run:      maintainer.Run,
			Gate:     maintainer.Due,
			GateNote: "outside maintenance window",
		},
	}
	return specs, hub, nil
}
