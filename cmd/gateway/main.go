package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/bigocheck/gateway/internal/config"
	"github.com/bigocheck/gateway/internal/gateway"
	"github.com/bigocheck/gateway/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Complexity Gateway %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.NewWithOptions(logging.Options{
		Level: cfg.LogLevel,
		File:  cfg.LogFile,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting complexity gateway",
		zap.String("version", version),
		zap.String("redis", cfg.RedisAddr),
		zap.String("model", cfg.UpstreamModel),
		zap.Int64("per_client_daily", cfg.PerClientDailyLimit),
		zap.Int64("global_daily", cfg.GlobalDailyLimit),
		zap.String("reset_tz", cfg.ResetTimeZone),
	)

	server, err := gateway.NewServer(cfg)
	if err != nil {
		logging.Error("Failed to create gateway", zap.Error(err))
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}
