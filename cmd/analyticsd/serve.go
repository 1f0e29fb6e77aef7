package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/analyticsd"
	"github.com/loykin/analyticsd/internal/config"
	"github.com/loykin/analyticsd/internal/logger"
)

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the analytics service",
		Long: `Start the analytics service in the foreground. Configuration is read from
the TOML file (optional) and ANALYTICSD_* environment variables.
SIGINT or SIGTERM triggers a graceful shutdown.

Examples:
  analyticsd serve --config=analyticsd.toml
  ANALYTICSD_DATABASE_URL=postgres://... analyticsd serve`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, path)
		},
	}
}

func runServe(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	log, closer, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("error creating logger: %w", err)
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}

	svc, err := analyticsd.New(cfg, analyticsd.WithLogger(log))
	if err != nil {
		return err
	}
	log.Info("Starting analyticsd", "version", cfg.Version, "listen", cfg.Server.Listen, "base_path", cfg.Server.BasePath)
	return svc.Run(ctx)
}
