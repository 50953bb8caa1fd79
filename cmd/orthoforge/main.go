// Command orthoforge runs the orthomosaic orchestrator.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"orthoforge/internal/cli"
	"orthoforge/internal/config"
	"orthoforge/internal/logging"
	"orthoforge/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var logger *slog.Logger
	if len(os.Args) > 1 && os.Args[1] == "mcp" {
		// stdout carries the protocol
		logger = logging.NewTo(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	} else if logger, err = logging.Setup(cfg); err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.Paths.DatabasePath), 0o755); err != nil {
		return err
	}
	store, err := storage.New(cfg.Store.Driver, cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return cli.NewRootCmd(cfg, logger, store).ExecuteContext(ctx)
}
