package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"duster/internal/config"
	"duster/internal/logging"
	"duster/internal/store/pg"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate up|down|status",
		Short:     "Apply or inspect the message store schema",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadMigrate()
			logging.Init("relay-migrate", cfg.LogFormat, cfg.LogLevel)

			if err := pg.Migrate(cmd.Context(), cfg.DBDSN, args[0]); err != nil {
				return fmt.Errorf("migrate %s: %w", args[0], err)
			}
			slog.Info("migrate finished", "command", args[0])
			return nil
		},
	}
}
