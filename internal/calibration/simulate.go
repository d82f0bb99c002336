package calibration

import (
	"context"
	"fmt"
	"math/rand/v2"

	"golang.org/x/sync/errgroup"

	"github.com/lsat-prep/adaptive/internal/irt"
	"github.com/lsat-prep/adaptive/internal/questions"
	"github.com/lsat-prep/adaptive/internal/selection"
)

// SimulationConfig describes a population run against a fixed snapshot.
type SimulationConfig struct {
	Examinees  int               `yaml:"examinees" json:"examinees"`
	TestLength int               `yaml:"test_length" json:"test_length"`
	ThetaDist  ThetaDistribution `yaml:"theta_dist" json:"theta_dist"`
	Seed       uint64            `yaml:"seed" json:"seed"`
	Workers    int               `yaml:"workers" json:"workers"`
}

// Exposure is the per-item outcome of a simulation, indexed like the snapshot.
type Exposure struct {
	Examinees          int
	Administrations    []int64
	EligibleSelections []int64
	Forced             int64
}

// Rate returns the fraction of examinees who saw item i.
func (e *Exposure) Rate(i int) float64 {
	if e.Examinees == 0 {
		return 0
	}
	return float64(e.Administrations[i]) / float64(e.Examinees)
}

func newExposure(items int) *Exposure {
	return &Exposure{
		Administrations:    make([]int64, items),
		EligibleSelections: make([]int64, items),
	}
}

func (e *Exposure) add(o *Exposure) {
	e.Examinees += o.Examinees
	e.Forced += o.Forced
	for i := range e.Administrations {
		e.Administrations[i] += o.Administrations[i]
		e.EligibleSelections[i] += o.EligibleSelections[i]
	}
}

// Simulate runs cfg.Examinees synthetic examinees through snap with its
// current exposure parameters and reports the realized exposure.
func (c *Calibrator) Simulate(ctx context.Context, snap *questions.Snapshot, cfg SimulationConfig) (*Exposure, error) {
	if snap == nil || snap.Len() == 0 {
		return nil, questions.ErrEmptyPool
	}
	if cfg.Examinees <= 0 {
		return nil, &ConfigError{Field: "examinees", Reason: "must be positive"}
	}
	if cfg.TestLength <= 0 {
		return nil, &ConfigError{Field: "test_length", Reason: "must be positive"}
	}
	if err := cfg.ThetaDist.validate(); err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = Config{}.workers()
	}
	return c.simulate(ctx, snap, cfg, 0)
}

// simulate partitions examinees into chunks, runs each chunk on its own
// counters and sums them afterwards. Each examinee's random stream depends
// only on (seed, iteration, examinee), never on scheduling.
func (c *Calibrator) simulate(ctx context.Context, snap *questions.Snapshot, cfg SimulationConfig, iteration int) (*Exposure, error) {
	index := make(map[string]int, snap.Len())
	for i := 0; i < snap.Len(); i++ {
		index[snap.At(i).ID] = i
	}

	chunks := cfg.Workers
	if chunks > cfg.Examinees {
		chunks = cfg.Examinees
	}
	partial := make([]*Exposure, chunks)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for w := 0; w < chunks; w++ {
		lo := w * cfg.Examinees / chunks
		hi := (w + 1) * cfg.Examinees / chunks
		g.Go(func() error {
			counts := newExposure(snap.Len())
			for e := lo; e < hi; e++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := c.examinee(snap, index, cfg, iteration, e, counts); err != nil {
					return err
				}
			}
			partial[w] = counts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := newExposure(snap.Len())
	for _, p := range partial {
		total.add(p)
	}
	return total, nil
}

// examinee runs one simulated test exactly as a live session would:
// select, answer from the true theta, re-estimate.
func (c *Calibrator) examinee(snap *questions.Snapshot, index map[string]int, cfg SimulationConfig, iteration, examinee int, counts *Exposure) error {
	rng := rand.New(rand.NewPCG(cfg.Seed, uint64(iteration)<<32|uint64(examinee)))
	trueTheta := cfg.ThetaDist.sample(rng)

	sel := selection.New(rng, true)
	administered := make(map[string]struct{}, cfg.TestLength)
	responses := make([]irt.Response, 0, cfg.TestLength)
	est := c.estimator.Estimate(c.estimator.Config().PriorMean, nil)

	for step := 0; step < cfg.TestLength; step++ {
		pick, ok := sel.SelectNext(est.Theta, administered, snap, nil)
		if !ok {
			break
		}
		for _, id := range pick.Considered {
			counts.EligibleSelections[index[id]]++
		}
		i, found := index[pick.Item.ID]
		if !found {
			return fmt.Errorf("selected item %s missing from snapshot index", pick.Item.ID)
		}
		counts.Administrations[i]++
		if pick.Forced {
			counts.Forced++
		}

		administered[pick.Item.ID] = struct{}{}
		correct := rng.Float64() < irt.Probability(pick.Item.Params, trueTheta)
		responses = append(responses, irt.Response{Params: pick.Item.Params, Correct: correct})
		est = c.estimator.Estimate(est.Theta, responses)
	}
	counts.Examinees++
	return nil
}
