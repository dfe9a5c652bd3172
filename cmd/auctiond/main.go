// Command auctiond runs one node of the auction mesh. It loads configuration,
// validates it, wires dependencies, sets up signal handling, and starts the
// node in the configured mode (server or client).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/auctionmesh/internal/app"
	"github.com/alanyoungcy/auctionmesh/internal/config"
)

func main() {
	configPath := flag.String("config", "auctiond.toml", "path to configuration file")
	mode := flag.String("mode", "", "override node.mode (server or client)")
	demo := flag.Bool("demo", false, "client mode: run the demo scenario after connecting")
	flag.Parse()

	// Setup structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Node.Mode = *mode
	}
	if *demo {
		cfg.Client.Demo = true
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	// Validate configuration.
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	redacted := config.RedactedConfig(cfg)
	logger.Info("auctiond starting",
		slog.String("mode", cfg.Node.Mode),
		slog.String("config", *configPath),
		slog.String("ledger", cfg.Ledger.Backend),
		slog.String("lock", cfg.Lock.Backend),
		slog.String("api_key", redacted.Server.APIKey),
	)

	// Create the application.
	application := app.New(cfg, logger)
	defer application.Close()

	// Setup signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application exited with error",
			slog.String("error", err.Error()),
		)
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		application.Close()
		os.Exit(1)
	}

	logger.Info("auctiond stopped")
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
