package main

import (
	"context"
	"database/sql"
	"os"

	"github.com/spf13/cobra"

	"github.com/lsat-prep/adaptive/internal/config"
	"github.com/lsat-prep/adaptive/internal/database"
	"github.com/lsat-prep/adaptive/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "catctl",
	Short: "Operate the adaptive testing item pool",
	Long: `catctl manages the adaptive testing backend offline: schema migrations,
item bank imports, exposure calibration and simulation reports.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config (overrides CAT_CONFIG env var)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Log at debug level")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(validateItemsCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(calibrateCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(hashKeyCmd)
	rootCmd.AddCommand(tokenCmd)
}

// loadConfig resolves the config path from --config, then CAT_CONFIG.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv("CAT_CONFIG")
	}
	return config.Load(path)
}

func newLogger(cmd *cobra.Command) (*logger.Logger, error) {
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		return logger.New("development")
	}
	return logger.Nop(), nil
}

func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	return database.Connect(ctx, cfg.Database)
}
