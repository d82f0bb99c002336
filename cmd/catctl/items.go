package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lsat-prep/adaptive/internal/questions"
)

var validateItemsCmd = &cobra.Command{
	Use:   "validate-items FILE",
	Short: "Check a YAML item bank without touching the database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		items, err := questions.LoadItemFile(args[0])
		if err != nil {
			return err
		}
		snap, err := questions.NewSnapshot(0, items)
		if err != nil {
			return err
		}
		sum := snap.Summary()
		fmt.Fprintf(cmd.OutOrStdout(), "%d items valid (mean k %.3f, %d throttled)\n",
			sum.ItemCount, sum.MeanK, sum.ItemsThrottled)
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Insert or update items from a YAML item bank",
	Long: `import writes item parameters and display content. Exposure state is only
set for new items, so re-importing never undoes a calibration.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		items, err := questions.LoadItemFile(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		db, err := openDB(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		n, err := questions.NewStore(db).UpsertItems(cmd.Context(), items)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d items; reload the pool to serve them\n", n)
		return nil
	},
}
