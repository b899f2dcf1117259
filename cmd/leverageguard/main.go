// Command leverageguard runs the leverage risk and settlement engine. It loads
// configuration, validates it, wires dependencies, sets up signal handling, and
// starts the engine in the configured mode.
//
// The encrypt-key subcommand writes an encrypted operator key file:
//
//	LEVGUARD_WALLET_PRIVATE_KEY=... LEVGUARD_WALLET_KEY_PASSWORD=... \
//	    leverageguard encrypt-key -out operator.key
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

	"github.com/alanyoungcy/leverageguard/internal/app"
	"github.com/alanyoungcy/leverageguard/internal/config"
	"github.com/alanyoungcy/leverageguard/internal/crypto"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "encrypt-key" {
		if err := encryptKey(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt-key: %v\n", err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", "", "path to TOML configuration file (defaults and LEVGUARD_* env only when empty)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	var level slog.Level
	switch cfg.LogLevel {
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

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("leverageguard starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	application := app.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	err = application.Run(ctx)
	stop()
	application.Close()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	logger.Info("leverageguard stopped")
}

func encryptKey(args []string) error {
	fs := flag.NewFlagSet("encrypt-key", flag.ContinueOnError)
	out := fs.String("out", "operator.key", "path of the encrypted key file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key := os.Getenv("LEVGUARD_WALLET_PRIVATE_KEY")
	password := os.Getenv("LEVGUARD_WALLET_KEY_PASSWORD")
	if key == "" || password == "" {
		return errors.New("LEVGUARD_WALLET_PRIVATE_KEY and LEVGUARD_WALLET_KEY_PASSWORD must be set")
	}
	if err := crypto.WriteKeyFile(*out, key, password); err != nil {
		return err
	}
	fmt.Printf("encrypted key written to %s\n", *out)
	return nil
}
