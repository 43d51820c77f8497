package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger := newLogger(slog.LevelInfo)
		cfg, err := loadConfig(logger)
		if err != nil {
			return err
		}
		store, err := initStore(cfg, logger)
		if err != nil {
			return fmt.Errorf("initializing storage: %w", err)
		}
		defer store.Close()

		if err := store.Migrate(cmd.Context()); err != nil {
			return fmt.Errorf("migrating %s store: %w", store.Driver(), err)
		}
		logger.Info("schema up to date", slog.String("driver", store.Driver()))
		return nil
	},
}
