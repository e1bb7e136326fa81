package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/next-trace/scg-warehouse/config"
	"github.com/next-trace/scg-warehouse/logging"
	"github.com/next-trace/scg-warehouse/persistence"
	"github.com/next-trace/scg-warehouse/warehouse"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the service (default)",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	lg, flush, err := logging.New(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer flush()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := warehouse.New(cfg, warehouse.Options{Logger: lg})
	if err != nil {
		return err
	}

	lg.Info("starting", zap.String("service", cfg.ServiceName), zap.String("version", version))

	return svc.Start(ctx)
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}

			lg, flush, err := logging.New(cfg.Log.Level)
			if err != nil {
				return err
			}
			defer flush()

			db, err := persistence.New(persistence.Config{URL: cfg.Database.URL})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := persistence.Init(ctx, db, lg); err != nil {
				return err
			}
			defer db.Close()

			return db.Migrate(ctx)
		},
	}
}
