package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meridian-data/chatfeed/internal/app"
	"github.com/meridian-data/chatfeed/internal/config"
	"github.com/meridian-data/chatfeed/internal/logging"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Starts the ingestion service",
		Long: `Runs startup recovery, then schedules one worker per enabled source
and serves the status API until interrupted.`,
		RunE: runService,
	}
}

func runService(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	defer a.Close()

	logger.Info("chatfeed starting",
		zap.Int("sources", len(cfg.Sources)),
		zap.String("db_provider", cfg.DB.Provider),
		zap.String("bus_provider", cfg.Bus.Provider),
	)

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run service: %w", err)
	}
	logger.Info("chatfeed stopped")
	return nil
}
