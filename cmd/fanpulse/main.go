// Command fanpulse is the backend entry point for the fan engagement service.
// It loads configuration, validates it, wires dependencies, sets up signal
// handling, and starts the application in the configured mode.
//
//	fanpulse -config fanpulse.toml                  # run the configured mode
//	fanpulse -config fanpulse.toml -mode rank -date 2026-10-13
//	fanpulse seal-secret -out reward.secret < secret # encrypt the claim secret
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alanyoungcy/fanpulse/internal/app"
	"github.com/alanyoungcy/fanpulse/internal/config"
	"github.com/alanyoungcy/fanpulse/internal/crypto"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "seal-secret" {
		if err := sealSecret(os.Args[2:], os.Stdin); err != nil {
			fmt.Fprintf(os.Stderr, "seal-secret: %v\n", err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", "config.toml", "path to configuration file")
	mode := flag.String("mode", "", "override the configured mode (api, worker, full, rank)")
	date := flag.String("date", "", "date computed by rank mode (YYYY-MM-DD, default yesterday UTC)")
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
		cfg.Mode = *mode
	}

	// Set log level from config.
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	// Validate configuration.
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("fanpulse starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Any("effective", config.RedactedConfig(cfg)),
	)

	// Create the application.
	application := app.New(cfg, logger).WithRankDate(*date)
	defer application.Close()

	// Setup signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Run the application.
	if err := application.Run(ctx); err != nil {
		// context.Canceled is expected on clean shutdown.
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			application.Close()
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	}

	logger.Info("fanpulse stopped")
}

// sealSecret encrypts the secret read from in with the password in
// FANPULSE_REWARD_SECRET_PASSWORD and writes the sealed JSON to -out.
func sealSecret(args []string, in io.Reader) error {
	fs := flag.NewFlagSet("seal-secret", flag.ContinueOnError)
	out := fs.String("out", "reward.secret", "path of the sealed secret file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	password := os.Getenv("FANPULSE_REWARD_SECRET_PASSWORD")
	if password == "" {
		return errors.New("FANPULSE_REWARD_SECRET_PASSWORD must be set")
	}
	secret, err := io.ReadAll(io.LimitReader(in, 4096))
	if err != nil {
		return fmt.Errorf("read secret: %w", err)
	}
	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return errors.New("empty secret on stdin")
	}

	sealed, err := crypto.SealSecret(secret, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, sealed, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", *out, err)
	}
	fmt.Fprintf(os.Stderr, "sealed secret written to %s\n", *out)
	return nil
}
