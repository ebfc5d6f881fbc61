package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blockdfs/blockdfs/internal/authority"
	"github.com/blockdfs/blockdfs/internal/config"
	"github.com/blockdfs/blockdfs/internal/health"
	"github.com/blockdfs/blockdfs/internal/metrics"
	"github.com/blockdfs/blockdfs/internal/model"
	"github.com/blockdfs/blockdfs/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()
	if *configPath == "" {
		*configPath = os.Getenv("CONFIG_PATH")
	}
	if *configPath == "" {
		*configPath = "./authority.yaml"
	}

	cfg, err := config.LoadAuthorityConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting block placement authority",
		zap.String("cluster_id", cfg.Cluster.ClusterID),
		zap.Int32("layout_version", model.LayoutVersion),
		zap.Duration("grace_period", cfg.Authority.GracePeriod))

	m := metrics.NewAuthorityMetrics()

	namespace := model.NamespaceInfo{
		ClusterID:     cfg.Cluster.ClusterID,
		NamespaceID:   cfg.Cluster.NamespaceID,
		LayoutVersion: model.LayoutVersion,
		CTime:         time.Now().Unix(),
	}

	registry := authority.NewSessionRegistry(cfg.Authority.GracePeriod, logger)
	defer registry.Close()
	blocks := authority.NewBlockMap()

	upgrades := authority.NewUpgradeRegistry()
	upgrades.Register(authority.UpgradeTypeBlockCrc, authority.NewBlockCrcUpgradeHandler(blocks))

	service := authority.NewService(namespace, registry, blocks, upgrades, m, logger)

	monitor := authority.NewMonitor(registry, blocks,
		cfg.Authority.ExpiryThreshold, cfg.Authority.ExpiryInterval, m, logger)
	monitor.Start()
	defer monitor.Stop()

	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle(cfg.Metrics.Path, promhttp.Handler())
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			logger.Info("starting metrics server", zap.String("addr", addr))
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	checker := health.NewChecker(registry, logger)
	server := transport.NewServer(transport.ServerConfig{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		RateLimitEnabled:  cfg.RateLimit.Enabled,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		BurstSize:         cfg.RateLimit.BurstSize,
	}, service, checker, logger)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", zap.Error(err))
	case sig := <-sigChan:
		logger.Info("received signal", zap.String("signal", sig.String()))
	}

	logger.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown did not complete cleanly", zap.Error(err))
	}
	logger.Info("authority stopped")
}

// buildLogger builds a zap logger from the logging configuration.
func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
