package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/htakeda/lineflow/internal/config"
	"github.com/htakeda/lineflow/internal/httpapi"
	"github.com/htakeda/lineflow/internal/ingest"
	"github.com/htakeda/lineflow/internal/lineapi"
	"github.com/htakeda/lineflow/internal/logging"
	"github.com/htakeda/lineflow/internal/observability"
	"github.com/htakeda/lineflow/internal/stats"
	"github.com/htakeda/lineflow/internal/store"
	"github.com/htakeda/lineflow/internal/upstream"
)

func main() {
	configPath := flag.String("config", os.Getenv("LINEFLOW_CONFIG"), "path to YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger := logging.New("info", true)
		bootLogger.Fatal().Err(err).Msg("config error")
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Pretty)
	metrics := observability.NewMetrics(cfg.Metrics.Namespace)

	ctx := context.Background()
	st, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("store init failed")
	}
	defer st.Close()
	if cfg.DatabaseURL == "" {
		logger.Warn().Msg("no database_url configured, using in-memory store")
	}

	completer := upstream.NewClient(upstream.Config{
		URL:         cfg.Upstream.URL,
		APIKey:      cfg.Upstream.APIKey,
		Model:       cfg.Upstream.Model,
		MaxTokens:   cfg.Upstream.MaxTokens,
		Timeout:     cfg.Upstream.Timeout,
		MaxAttempts: cfg.Upstream.MaxAttempts,
		BackoffBase: cfg.Upstream.BackoffBase,
		BackoffCap:  cfg.Upstream.BackoffCap,
		OnAttempt:   func() { metrics.UpstreamAttempts.Inc() },
	})

	pipeline := ingest.NewPipeline(
		st,
		completer,
		cfg.Ingest.DedupCacheMB,
		cfg.Ingest.ContextDepth,
		logging.Component(logger, "ingest"),
		metrics,
	)

	aggregator := stats.NewAggregator(st)
	scheduler := stats.NewScheduler(
		st,
		aggregator,
		cfg.Stats.Interval,
		cfg.Stats.Window,
		logging.Component(logger, "stats"),
		metrics,
	)
	if err := scheduler.Restore(ctx); err != nil {
		logger.Warn().Err(err).Msg("could not restore persisted rollup")
	}

	statsSvc := stats.NewService(
		scheduler,
		cfg.Stats.Staleness,
		cfg.Stats.SnapshotTimeout,
		logging.Component(logger, "stats"),
		metrics,
	)

	replier := lineapi.NewClient(cfg.Line.APIBaseURL, cfg.Line.ChannelToken)

	api := httpapi.New(cfg, pipeline, statsSvc, replier, logging.Component(logger, "http"), metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	go scheduler.Run(runCtx)

	go func() {
		logger.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	logger.Info().Msg("shutdown complete")
}
