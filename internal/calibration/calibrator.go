package calibration

import (
	"context"
	"fmt"
	"time"

	"github.com/lsat-prep/adaptive/internal/irt"
	"github.com/lsat-prep/adaptive/internal/logger"
	"github.com/lsat-prep/adaptive/internal/questions"
)

// IterationReport is one point of the convergence trajectory.
type IterationReport struct {
	Iteration int `json:"iteration"`
	// MaxDeviation is max(r_i - target) over items above the target rate,
	// zero when none is.
	MaxDeviation     float64       `json:"max_deviation"`
	MaxRate          float64       `json:"max_rate"`
	ItemsOverTarget  int           `json:"items_over_target"`
	ForcedSelections int64         `json:"forced_selections"`
	Elapsed          time.Duration `json:"elapsed_ns"`
}

// ItemResult is the calibrated state of one item.
type ItemResult struct {
	ID                 string  `json:"id"`
	K                  float64 `json:"k"`
	Rate               float64 `json:"rate"`
	Administrations    int64   `json:"administrations"`
	EligibleSelections int64   `json:"eligible_selections"`
}

// Result is the outcome of a completed calibration.
type Result struct {
	Items      []ItemResult      `json:"items"`
	Trajectory []IterationReport `json:"trajectory"`
	Converged  bool              `json:"converged"`
	// Snapshot carries the new exposure parameters at the next version. It
	// has not been published.
	Snapshot *questions.Snapshot `json:"-"`
}

// K returns the calibrated exposure parameters by item ID.
func (r *Result) K() map[string]float64 {
	out := make(map[string]float64, len(r.Items))
	for _, it := range r.Items {
		out[it.ID] = it.K
	}
	return out
}

// Calibrator runs the Sympson-Hetter procedure.
type Calibrator struct {
	estimator   *irt.Estimator
	log         *logger.Logger
	onIteration func(IterationReport)
}

func NewCalibrator(estimator *irt.Estimator, log *logger.Logger) *Calibrator {
	if log == nil {
		log = logger.Nop()
	}
	return &Calibrator{estimator: estimator, log: log.With("component", "calibrator")}
}

// OnIteration registers a callback invoked after every iteration.
func (c *Calibrator) OnIteration(fn func(IterationReport)) *Calibrator {
	cp := *c
	cp.onIteration = fn
	return &cp
}

// Calibrate solves for per-item exposure parameters that hold every item's
// exposure rate near cfg.TargetRate. snap is never modified; on cancellation
// the working state is dropped and ctx.Err() is returned.
func (c *Calibrator) Calibrate(ctx context.Context, snap *questions.Snapshot, cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if snap == nil || snap.Len() == 0 {
		return nil, questions.ErrEmptyPool
	}

	n := snap.Len()
	k := make([]float64, n)
	for i := range k {
		k[i] = cfg.startK(snap.At(i).ExposureK)
	}

	sim := SimulationConfig{
		Examinees:  cfg.Examinees,
		TestLength: cfg.TestLength,
		ThetaDist:  cfg.ThetaDist,
		Seed:       cfg.Seed,
		Workers:    cfg.workers(),
	}

	c.log.Info("calibration started",
		"items", n, "target_rate", cfg.TargetRate, "examinees", cfg.Examinees,
		"test_length", cfg.TestLength, "iterations", cfg.Iterations)

	var (
		trajectory []IterationReport
		last       *Exposure
		converged  bool
	)
	for iter := 0; iter < cfg.Iterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		working, err := withK(snap, snap.Version(), k, nil)
		if err != nil {
			return nil, fmt.Errorf("build working snapshot: %w", err)
		}

		start := time.Now()
		exp, err := c.simulate(ctx, working, sim, iter)
		if err != nil {
			return nil, err
		}
		last = exp

		report := IterationReport{Iteration: iter + 1, ForcedSelections: exp.Forced}
		for i := 0; i < n; i++ {
			r := exp.Rate(i)
			if r > report.MaxRate {
				report.MaxRate = r
			}
			if r > cfg.TargetRate {
				report.ItemsOverTarget++
				if d := r - cfg.TargetRate; d > report.MaxDeviation {
					report.MaxDeviation = d
				}
			}
		}
		report.Elapsed = time.Since(start)
		trajectory = append(trajectory, report)
		if c.onIteration != nil {
			c.onIteration(report)
		}

		c.log.Debug("calibration iteration",
			"iteration", report.Iteration, "max_deviation", report.MaxDeviation,
			"items_over_target", report.ItemsOverTarget)

		if report.MaxDeviation == 0 || report.MaxDeviation < cfg.Tolerance {
			converged = true
			break
		}
		// The published k is the one last simulated, so each item's K and
		// Rate describe the same epoch.
		if iter == cfg.Iterations-1 {
			break
		}

		// Items never administered keep their k.
		for i := 0; i < n; i++ {
			if r := exp.Rate(i); r > 0 {
				k[i] = cfg.clamp(k[i] * cfg.TargetRate / r)
			}
		}
	}

	next, err := withK(snap, snap.Version()+1, k, last)
	if err != nil {
		return nil, fmt.Errorf("build calibrated snapshot: %w", err)
	}

	items := make([]ItemResult, n)
	for i := 0; i < n; i++ {
		items[i] = ItemResult{
			ID:                 snap.At(i).ID,
			K:                  k[i],
			Rate:               last.Rate(i),
			Administrations:    last.Administrations[i],
			EligibleSelections: last.EligibleSelections[i],
		}
	}

	c.log.Info("calibration finished",
		"converged", converged, "iterations", len(trajectory),
		"max_deviation", trajectory[len(trajectory)-1].MaxDeviation)

	return &Result{Items: items, Trajectory: trajectory, Converged: converged, Snapshot: next}, nil
}

// withK copies snap to version with exposure parameters k. Epoch counters
// come from exp when given.
func withK(snap *questions.Snapshot, version int64, k []float64, exp *Exposure) (*questions.Snapshot, error) {
	updates := make(map[string]questions.ExposureUpdate, len(k))
	for i := range k {
		it := snap.At(i)
		u := questions.ExposureUpdate{K: k[i], Administrations: it.Administrations, EligibleSelections: it.EligibleSelections}
		if exp != nil {
			u.Administrations = exp.Administrations[i]
			u.EligibleSelections = exp.EligibleSelections[i]
		}
		updates[it.ID] = u
	}
	return snap.WithExposure(version, updates)
}
