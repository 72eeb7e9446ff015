package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/wudi/annon/internal/config"
	"github.com/wudi/annon/internal/gateway"
	"github.com/wudi/annon/internal/logging"
	"github.com/wudi/annon/internal/plugins"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("annon gateway %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.NewLoader().Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	for i := range cfg.APIs {
		if err := plugins.ValidateAPI(&cfg.APIs[i]); err != nil {
			fmt.Fprintf(os.Stderr, "api %s: %v\n", cfg.APIs[i].ID, err)
			os.Exit(1)
		}
	}
	if err := plugins.ValidateDefaults(cfg.Defaults.Plugins); err != nil {
		fmt.Fprintf(os.Stderr, "default plugins: %v\n", err)
		os.Exit(1)
	}
	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger := logging.Build(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		MaxSize:    cfg.Logging.Rotation.MaxSize,
		MaxBackups: cfg.Logging.Rotation.MaxBackups,
		MaxAge:     cfg.Logging.Rotation.MaxAge,
		Compress:   cfg.Logging.Rotation.Compress,
	})
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("starting annon gateway",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("store", cfg.Store.Type),
		zap.String("cache", cfg.Cache.Strategy),
		zap.String("broker", cfg.Cluster.Broker),
		zap.Int("seed_apis", len(cfg.APIs)),
	)

	server, err := gateway.NewServer(cfg, *configPath, logger)
	if err != nil {
		logging.Error("failed to create gateway", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := server.Run(ctx); err != nil {
		logging.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}
