package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/preiposip/fincore/finance"
	"github.com/preiposip/fincore/internal/config"
	"github.com/preiposip/fincore/store/postgres"
	"github.com/preiposip/fincore/store/sqlite"
	"github.com/preiposip/fincore/store/sqlstore"
)

type rootFlags struct {
	configFile string
	envFile    string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "server",
		Short: "Double-entry wallet ledger with chargeback and refund resolution",
		Long: `fincore keeps user wallets, a double-entry ledger and gateway payments
in step. Chargebacks and refunds are unwound against the wallet and any
investments made from the payment; what the wallet cannot cover becomes
a receivable that later deposits pay down.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.configFile, "config", "", "YAML config file")
	root.PersistentFlags().StringVar(&flags.envFile, "env", "", ".env file (default is ./.env if present)")

	root.AddCommand(
		newServeCmd(flags),
		newVerifyCmd(flags),
		newAccountsCmd(flags),
		newTokenCmd(flags),
	)
	return root
}

// load reads config and installs the process logger.
func (f *rootFlags) load() (*config.Config, *slog.Logger, error) {
	opts := config.Options{ConfigFile: f.configFile}
	if f.envFile != "" {
		opts.EnvFiles = []string{f.envFile}
	}
	cfg, err := config.Load(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}

	level, _ := cfg.Log.SlogLevel()
	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// openEngine opens the configured store and bootstraps an engine on it.
func openEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sqlstore.DB, *finance.Engine, error) {
	var (
		store *sqlstore.DB
		err   error
	)
	switch cfg.Database.Driver {
	case "postgres":
		store, err = postgres.Open(ctx, postgres.Config{
			DSN:             cfg.Database.DSN,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
	default:
		store, err = sqlite.New(cfg.Database.DSN)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", cfg.Database.Driver, err)
	}

	engine := finance.New(store, finance.WithLogger(logger))
	if err := engine.Bootstrap(ctx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("bootstrap ledger: %w", err)
	}
	logger.Info("store ready", "driver", cfg.Database.Driver)
	return store, engine, nil
}
