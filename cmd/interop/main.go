package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/smile-health/interop/internal/config"
	"github.com/smile-health/interop/internal/interop"
	"github.com/smile-health/interop/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// shutdownGrace bounds how long Stop may take before forced exit.
const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", "configs/interop.yaml", "Path to configuration file")
	clientsPath := flag.String("clients", "", "Override path to clients JSON file")
	rulesDir := flag.String("rules", "", "Override path to transformation rules directory")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Interop Layer %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *clientsPath != "" {
		cfg.ClientsConfigPath = *clientsPath
	}
	if *rulesDir != "" {
		cfg.RulesDir = *rulesDir
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.NewWithOptions(cfg.Logging.Level, logging.Options{
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	if cfg.Service.Version == "" {
		cfg.Service.Version = version
	}

	logging.Info("Starting Interop Layer",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("broker", logging.SanitizeURL(cfg.Broker.URL)),
		zap.Int("consumers", len(cfg.Consumers)),
	)

	svc, err := interop.New(cfg)
	if err != nil {
		logging.Error("Failed to create service", zap.Error(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		logging.Error("Failed to start service", zap.Error(err))
		svc.Stop()
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logging.Info("Shutdown signal received", zap.String("signal", sig.String()))

	cancel()

	done := make(chan struct{})
	go func() {
		svc.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownGrace):
		logging.Error("Shutdown timed out, forcing exit")
		os.Exit(1)
	}
}
