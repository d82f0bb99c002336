package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lsat-prep/adaptive/internal/calibration"
	"github.com/lsat-prep/adaptive/internal/config"
	"github.com/lsat-prep/adaptive/internal/irt"
	"github.com/lsat-prep/adaptive/internal/questions"
)

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Run Sympson-Hetter exposure calibration against the stored pool",
	Long: `calibrate simulates examinees through the current item pool and solves for
per-item exposure parameters. The result is written back and announced to
running servers unless --dry-run is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log, err := newLogger(cmd)
		if err != nil {
			return err
		}
		calCfg := calibrationFlags(cmd, cfg.Calibration)

		ctx := cmd.Context()
		db, err := openDB(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		items := questions.NewStore(db)
		pool := questions.NewPool(nil)
		snap, err := pool.Reload(ctx, items)
		if err != nil {
			return err
		}

		estimator, err := irt.NewEstimator(cfg.Estimator)
		if err != nil {
			return err
		}
		cal := calibration.NewCalibrator(estimator, log)
		out := cmd.OutOrStdout()

		if dry, _ := cmd.Flags().GetBool("dry-run"); dry {
			res, err := cal.OnIteration(func(it calibration.IterationReport) {
				printIteration(out, it)
			}).Calibrate(ctx, snap, calCfg)
			if err != nil {
				return err
			}
			printResult(out, res.Converged, res.Items)
			return nil
		}

		notifier, err := notifierFor(cfg)
		if err != nil {
			return err
		}
		defer notifier.Close()

		runner := calibration.NewRunner(cal, pool, items, calibration.NewStore(db), notifier, log)
		runID, err := runner.Start(calCfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "run %s started on pool version %d\n", runID, snap.Version())

		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = runner.Cancel(runID)
			case <-done:
			}
		}()
		runner.Wait()
		close(done)

		rep, err := runner.Status(context.WithoutCancel(ctx), runID)
		if err != nil {
			return err
		}
		for _, it := range rep.Trajectory {
			printIteration(out, it)
		}
		if rep.Status != calibration.StatusSucceeded {
			return fmt.Errorf("run %s %s %s", runID, rep.Status, rep.Error)
		}
		printResult(out, rep.Converged, rep.Items)
		fmt.Fprintf(out, "published pool version %d\n", rep.PublishedVersion)
		return nil
	},
}

func init() {
	f := calibrateCmd.Flags()
	f.Float64("target-rate", 0, "Maximum exposure rate per item (default from config)")
	f.Int("examinees", 0, "Simulated examinees per iteration")
	f.Int("length", 0, "Items per simulated test")
	f.Int("iterations", 0, "Maximum iterations")
	f.Uint64("seed", 0, "Random seed")
	f.Int("workers", 0, "Simulation goroutines")
	f.Bool("dry-run", false, "Print the result without saving it")
}

// calibrationFlags overlays the flags that were set on base.
func calibrationFlags(cmd *cobra.Command, base calibration.Config) calibration.Config {
	f := cmd.Flags()
	if f.Changed("target-rate") {
		base.TargetRate, _ = f.GetFloat64("target-rate")
	}
	if f.Changed("examinees") {
		base.Examinees, _ = f.GetInt("examinees")
	}
	if f.Changed("length") {
		base.TestLength, _ = f.GetInt("length")
	}
	if f.Changed("iterations") {
		base.Iterations, _ = f.GetInt("iterations")
	}
	if f.Changed("seed") {
		base.Seed, _ = f.GetUint64("seed")
	}
	if f.Changed("workers") {
		base.Workers, _ = f.GetInt("workers")
	}
	return base
}

func notifierFor(cfg *config.Config) (*questions.Notifier, error) {
	if cfg.Redis.Addr == "" {
		return nil, nil
	}
	return questions.NewNotifier(cfg.Redis.Addr, cfg.Redis.Channel, nil)
}

func printIteration(w io.Writer, it calibration.IterationReport) {
	fmt.Fprintf(w, "iteration %2d  max deviation %.4f  max rate %.3f  over target %d  forced %d  (%s)\n",
		it.Iteration, it.MaxDeviation, it.MaxRate, it.ItemsOverTarget, it.ForcedSelections, it.Elapsed.Round(time.Millisecond))
}

func printResult(w io.Writer, converged bool, items []calibration.ItemResult) {
	fmt.Fprintf(w, "converged: %t\n", converged)

	sorted := append([]calibration.ItemResult(nil), items...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Rate > sorted[j].Rate })

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ITEM\tK\tRATE\tADMINISTERED\tELIGIBLE")
	for _, it := range sorted {
		fmt.Fprintf(tw, "%s\t%.3f\t%.3f\t%d\t%d\n", it.ID, it.K, it.Rate, it.Administrations, it.EligibleSelections)
	}
	tw.Flush()
}
