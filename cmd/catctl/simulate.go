package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lsat-prep/adaptive/internal/calibration"
	"github.com/lsat-prep/adaptive/internal/irt"
	"github.com/lsat-prep/adaptive/internal/questions"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Report exposure rates for a pool under its current exposure parameters",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		var snap *questions.Snapshot
		if path, _ := cmd.Flags().GetString("file"); path != "" {
			items, err := questions.LoadItemFile(path)
			if err != nil {
				return err
			}
			if snap, err = questions.NewSnapshot(0, items); err != nil {
				return err
			}
		} else {
			db, err := openDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			if snap, err = questions.NewPool(nil).Reload(ctx, questions.NewStore(db)); err != nil {
				return err
			}
		}

		estimator, err := irt.NewEstimator(cfg.Estimator)
		if err != nil {
			return err
		}
		calCfg := calibrationFlags(cmd, cfg.Calibration)
		sim := calibration.SimulationConfig{
			Examinees:  calCfg.Examinees,
			TestLength: calCfg.TestLength,
			ThetaDist:  calCfg.ThetaDist,
			Seed:       calCfg.Seed,
			Workers:    calCfg.Workers,
		}

		exp, err := calibration.NewCalibrator(estimator, nil).Simulate(ctx, snap, sim)
		if err != nil {
			return err
		}

		order := make([]int, snap.Len())
		for i := range order {
			order[i] = i
		}
		sort.Slice(order, func(a, b int) bool { return exp.Rate(order[a]) > exp.Rate(order[b]) })
		if top, _ := cmd.Flags().GetInt("top"); top > 0 && top < len(order) {
			order = order[:top]
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%d examinees, %d items each, %d forced selections\n", exp.Examinees, sim.TestLength, exp.Forced)
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ITEM\tK\tRATE\tOVER TARGET")
		for _, i := range order {
			it := snap.At(i)
			over := ""
			if exp.Rate(i) > calCfg.TargetRate {
				over = "yes"
			}
			fmt.Fprintf(tw, "%s\t%.3f\t%.3f\t%s\n", it.ID, it.ExposureK, exp.Rate(i), over)
		}
		return tw.Flush()
	},
}

func init() {
	f := simulateCmd.Flags()
	f.String("file", "", "Simulate a YAML item bank instead of the stored pool")
	f.Int("top", 20, "Show only the most exposed items (0 for all)")
	f.Float64("target-rate", 0, "Rate above which items are flagged")
	f.Int("examinees", 0, "Simulated examinees")
	f.Int("length", 0, "Items per simulated test")
	f.Uint64("seed", 0, "Random seed")
	f.Int("workers", 0, "Simulation goroutines")
}
