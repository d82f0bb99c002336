package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lsat-prep/adaptive/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|version]",
	Short:     "Apply, roll back or inspect schema migrations",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down", "version"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		db, err := openDB(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		action := "up"
		if len(args) == 1 {
			action = args[0]
		}

		switch action {
		case "up":
			if err := database.Migrate(db); err != nil {
				return err
			}
		case "down":
			steps, _ := cmd.Flags().GetInt("steps")
			if err := database.Rollback(db, steps); err != nil {
				return err
			}
		}

		version, dirty, err := database.SchemaVersion(db)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", version, dirty)
		return nil
	},
}

func init() {
	migrateCmd.Flags().Int("steps", 1, "Number of migrations to roll back with down")
}
