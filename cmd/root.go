// Package cmd defines and implements the CLI commands for the metadl
// executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dhtscout/metadl/internal/config"
	"github.com/dhtscout/metadl/internal/logging"
	"github.com/dhtscout/metadl/internal/store"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metadl",
		Short: "Downloads metadata for sighted content fingerprints.",
		Long: `metadl maintains a durable backlog of sighted content fingerprints and
schedules a bounded number of concurrent metadata fetches against it.
Sighting logs are ingested into a store (SQLite or MongoDB); the scheduler
claims the most frequently sighted entries first, exchanges metadata over
the BitTorrent DHT and records every attempt's outcome exactly once.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")

	cmd.AddCommand(newSchemaCmd(), newIngestCmd(), newRunCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads configuration and builds the logger shared by all commands.
func setup() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}

// openStore builds the configured store backend.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendSQLite:
		logger.Info("using sqlite store", zap.String("path", cfg.Store.SQLitePath))
		return store.NewSQLiteStore(ctx, cfg.Store.SQLitePath, logger)
	case config.BackendMongo:
		logger.Info("using mongo store",
			zap.String("database", cfg.Store.MongoDatabase),
			zap.String("collection", cfg.Store.MongoCollection),
		)
		return store.NewMongoStore(ctx, store.MongoConfig{
			URI:        cfg.Store.MongoURI,
			Database:   cfg.Store.MongoDatabase,
			Collection: cfg.Store.MongoCollection,
		}, logger)
	case config.BackendNoop:
		logger.Warn("using no-op store, nothing will be persisted")
		return store.NoOpStore{}, nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Store.Backend)
	}
}

func closeStore(st store.Store, logger *zap.Logger) {
	if err := st.Close(); err != nil {
		logger.Error("close store", zap.Error(err))
	}
}
