package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mpesa-payment-svc/config"
	"mpesa-payment-svc/database"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "payment-service",
		Short:         "M-Pesa Mozambique C2B payment service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API, callback endpoint, command consumer and expiry sweeper",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(configPath, func(cfg *config.Config, logger *zap.Logger) error {
					return serve(cmd.Context(), cfg, logger)
				})
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Expire overdue pending transactions once and exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(configPath, func(cfg *config.Config, logger *zap.Logger) error {
					return sweepOnce(cmd.Context(), cfg, logger)
				})
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create the payment tables",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(configPath, func(cfg *config.Config, logger *zap.Logger) error {
					db, err := database.InitDB(cmd.Context(), cfg.Database, logger)
					if err != nil {
						return err
					}
					defer db.Close()
					return database.Migrate(cmd.Context(), db, logger)
				})
			},
		},
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func withApp(configPath string, fn func(*config.Config, *zap.Logger) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	return fn(cfg, logger)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
