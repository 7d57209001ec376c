package main

import (
	"context"
	"fmt"

	"github.com/Dhoini/credit-ledger/internal/app"
	"github.com/Dhoini/credit-ledger/internal/config"
	"github.com/Dhoini/credit-ledger/pkg/logger"
	"github.com/spf13/cobra"
)

// appFactory собирает приложение для одной команды. Тесты подставляют sqlite.
type appFactory func(ctx context.Context, cfg *config.Config) (*app.App, error)

type cliOptions struct {
	envFile   string
	configDir string
	verbose   bool
}

func defaultAppFactory(ctx context.Context, cfg *config.Config) (*app.App, error) {
	log := logger.New(logger.WARN)
	if cfg.Log.Level == "debug" {
		log = logger.New(logger.DEBUG)
	}
	return app.New(ctx, cfg, log)
}

func newRootCmd(factory appFactory) *cobra.Command {
	opts := &cliOptions{}

	rootCmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operator CLI for the credit ledger",
		Long:          "ledgerctl opens accounts, applies manual grants, links provider customers and inspects the webhook inbox directly against the ledger database.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded outside production")
	rootCmd.PersistentFlags().StringVar(&opts.configDir, "config-dir", ".", "directory with config.yaml")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	load := func() (*config.Config, error) {
		cfg, err := config.LoadConfig(opts.envFile, opts.configDir)
		if err != nil {
			return nil, err
		}
		if opts.verbose {
			cfg.Log.Level = "debug"
		}
		return cfg, nil
	}

	run := func(fn func(cmd *cobra.Command, args []string, a *app.App) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			a, err := factory(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize ledger: %w", err)
			}
			defer func() { _ = a.Close() }()
			return fn(cmd, args, a)
		}
	}

	rootCmd.AddCommand(
		newMigrateCmd(run),
		newAccountCmd(run),
		newGrantCmd(run),
		newCustomerCmd(run),
		newEventsCmd(run),
		newTokenCmd(load),
	)
	return rootCmd
}

// runner оборачивает команду: конфигурация, сборка приложения, Close.
type runner func(fn func(cmd *cobra.Command, args []string, a *app.App) error) func(*cobra.Command, []string) error
