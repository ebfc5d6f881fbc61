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

	"github.com/blockdfs/blockdfs/internal/client"
	"github.com/blockdfs/blockdfs/internal/config"
	"github.com/blockdfs/blockdfs/internal/datanode"
	"github.com/blockdfs/blockdfs/internal/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	dumpConfig := flag.Bool("dump-config", false, "print the effective configuration and exit")
	flag.Parse()
	if *configPath == "" {
		*configPath = os.Getenv("CONFIG_PATH")
	}
	if *configPath == "" {
		*configPath = "./datanode.yaml"
	}

	cfg, err := config.LoadDatanodeConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *dumpConfig {
		out, err := cfg.Dump()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to dump configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Print(out)
		return
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting storage node",
		zap.String("addr", cfg.Node.Addr),
		zap.String("data_dir", cfg.Node.DataDir),
		zap.String("authority", cfg.Authority.Addr))

	m := metrics.NewDatanodeMetrics()

	store, err := datanode.NewBlockStore(cfg.Node.DataDir, logger)
	if err != nil {
		logger.Fatal("failed to open block store", zap.Error(err))
	}

	authorityClient := client.NewAuthorityClient(cfg.Authority.Addr, cfg.Authority.RequestTimeout, logger)
	peers := datanode.NewPeerServer(cfg.Node.Addr, store, logger)

	node := datanode.New(datanode.Options{
		Addr:                cfg.Node.Addr,
		NetworkLocation:     cfg.Node.NetworkLocation,
		HeartbeatInterval:   cfg.Reporting.HeartbeatInterval,
		BlockReportInterval: cfg.Reporting.BlockReportInterval,
		RegisterMaxRetries:  cfg.Authority.MaxRetries,
		RegisterRetryDelay:  cfg.Authority.RetryInterval,
		TransferWorkers:     cfg.Transfers.Workers,
		TransferQueueSize:   cfg.Transfers.QueueSize,
	}, datanode.Conn(authorityClient, authorityClient.RegisterWithRetry), store, peers, m, logger)

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

	peerErrors := make(chan error, 1)
	go func() {
		peerErrors <- peers.Start()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	runErrors := make(chan error, 1)
	go func() {
		runErrors <- node.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-peerErrors:
		logger.Error("peer server error", zap.Error(err))
	case err := <-runErrors:
		if err != nil {
			logger.Error("datanode error", zap.Error(err))
		} else {
			logger.Info("datanode finished")
		}
	case sig := <-sigChan:
		logger.Info("received signal", zap.String("signal", sig.String()))
	}

	logger.Info("shutting down gracefully")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := peers.Shutdown(shutdownCtx); err != nil {
		logger.Warn("peer server shutdown did not complete cleanly", zap.Error(err))
	}
	logger.Info("storage node stopped")
}

// buildLogger builds a zap logger from the logging configuration.
func buildLogger(cfg config.LoggingYAML) (*zap.Logger, error) {
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
