package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"qms/clinic-queue/internal/catalog"
	"qms/clinic-queue/internal/config"
	"qms/clinic-queue/internal/db"
	"qms/clinic-queue/internal/store"
	"qms/clinic-queue/internal/store/memory"
	"qms/clinic-queue/internal/store/postgres"
	"qms/clinic-queue/internal/store/sqlite"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "clinic-queue",
		Short:         "Clinic patient queue service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "optional config file (env vars take precedence)")

	rootCmd.AddCommand(serveCmd(&configFile))
	rootCmd.AddCommand(migrateCmd(&configFile))
	rootCmd.AddCommand(seedCmd(&configFile))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func migrateCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending Postgres migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configFile)
			if err != nil {
				return err
			}
			if cfg.Store != config.StorePostgres {
				return fmt.Errorf("migrate needs STORE=%s, got %s", config.StorePostgres, cfg.Store)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := db.NewMigrator(pool).Up(ctx)
			if err != nil {
				return err
			}
			logger.Info().Int("applied", applied).Msg("migrations complete")
			return nil
		},
	}
}

func seedCmd(configFile *string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Upsert services and counters from a catalog file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configFile)
			if err != nil {
				return err
			}
			if file == "" {
				file = cfg.CatalogFile
			}
			if file == "" {
				return fmt.Errorf("seed needs --file or CATALOG_FILE")
			}
			if cfg.Store == config.StoreMemory {
				return fmt.Errorf("seed has nothing to persist with STORE=%s", config.StoreMemory)
			}

			ctx := cmd.Context()
			st, closeStore, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			return applyCatalog(ctx, file, st, logger)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "catalog YAML file (defaults to CATALOG_FILE)")
	return cmd
}

func setup(configFile string) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, newLogger(cfg), nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339
	var logger zerolog.Logger
	if cfg.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("service", "clinic-queue").Logger()
}

// openStore returns the configured backend and a func that releases it.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.Store, func(), error) {
	switch cfg.Store {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewStore(pool), pool.Close, nil
	case config.StoreSQLite:
		st, err := sqlite.Open(cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return st, func() {
			if err := st.Close(); err != nil {
				logger.Error().Err(err).Msg("close sqlite store")
			}
		}, nil
	default:
		return memory.New(), func() {}, nil
	}
}

func applyCatalog(ctx context.Context, file string, st store.Catalog, logger zerolog.Logger) error {
	f, err := catalog.Load(file)
	if err != nil {
		return err
	}
	if err := f.Apply(ctx, st); err != nil {
		return err
	}
	logger.Info().
		Str("file", file).
		Int("services", len(f.Services)).
		Int("counters", len(f.Counters)).
		Msg("catalog applied")
	return nil
}
