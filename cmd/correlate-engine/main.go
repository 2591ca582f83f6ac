package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opsignal/correlate/internal/api"
	"github.com/opsignal/correlate/internal/cache"
	"github.com/opsignal/correlate/internal/config"
	"github.com/opsignal/correlate/internal/engine"
	"github.com/opsignal/correlate/internal/graph"
	"github.com/opsignal/correlate/internal/llm"
	"github.com/opsignal/correlate/internal/metrics"
	"github.com/opsignal/correlate/internal/repo"
	"github.com/opsignal/correlate/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting correlate-engine", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	// Without Valkey, snapshot fallback and embedding reuse still work
	// within the process via the in-memory provider.
	var cacheProvider cache.Provider = cache.NewMemoryProvider()
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("valkey cache unavailable", slog.Any("error", err))
		} else {
			cacheProvider = provider
			defer provider.Close()
		}
	}

	topologyClient := repo.NewTopologyClient(
		cfg.Topology.BaseURL,
		cfg.Topology.DependenciesPath,
		cfg.Topology.Timeout,
		cfg.Topology.SnapshotTTL,
		cacheProvider,
		logger,
	)
	graphCache := graph.NewCache(topologyClient, cfg.Topology.RefreshInterval, cfg.Topology.Timeout, logger)

	embedder, err := llm.NewHTTPEmbedder(cfg.LLM, cacheProvider)
	if err != nil {
		logger.Error("failed to init embedder", slog.Any("error", err))
		os.Exit(1)
	}

	var summarizer engine.Summarizer
	if cfg.LLM.AnthropicKey != "" || os.Getenv("ANTHROPIC_API_KEY") != "" {
		summarizer = llm.NewAnthropicSummarizer(cfg.LLM)
	} else {
		logger.Warn("no anthropic key configured, incident summaries disabled")
	}

	eng := engine.NewEngine(cfg, graphCache, embedder, summarizer, logger)

	httpServer := api.NewHTTPServer(cfg.Server.Address, api.NewHandler(eng, logger))
	probeServer, err := api.NewProbeServer(cfg.Server.ProbeAddress)
	if err != nil {
		logger.Error("failed to create probe server", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng.Start(ctx)

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		logger.Info("probe server listening", slog.String("address", probeServer.Address()))
		if serveErr := probeServer.Start(); serveErr != nil {
			logger.Error("probe server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	go func() {
		logger.Info("http server listening", slog.String("address", httpServer.Address()))
		if serveErr := httpServer.Start(); serveErr != nil {
			logger.Error("http server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")
	probeServer.SetServing(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", slog.Any("error", err))
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Warn("engine shutdown incomplete", slog.Any("error", err))
	}
	probeServer.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("correlate-engine stopped")
}
