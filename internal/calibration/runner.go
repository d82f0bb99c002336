package calibration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lsat-prep/adaptive/internal/logger"
	"github.com/lsat-prep/adaptive/internal/questions"
)

type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// Report is the externally visible state of a calibration run.
type Report struct {
	RunID            string            `json:"run_id"`
	Status           RunStatus         `json:"status"`
	Config           Config            `json:"config"`
	BaseVersion      int64             `json:"base_version"`
	PublishedVersion int64             `json:"published_version,omitempty"`
	StartedAt        time.Time         `json:"started_at"`
	FinishedAt       *time.Time        `json:"finished_at,omitempty"`
	Converged        bool              `json:"converged"`
	Trajectory       []IterationReport `json:"trajectory"`
	Items            []ItemResult      `json:"items,omitempty"`
	Error            string            `json:"error,omitempty"`
}

// RunStore records calibration runs durably.
type RunStore interface {
	CreateRun(ctx context.Context, rep Report) error
	FinishRun(ctx context.Context, rep Report) error
	GetRun(ctx context.Context, runID string) (*Report, error)
}

// Announcer tells other replicas about a newly published pool version.
type Announcer interface {
	Announce(ctx context.Context, version int64) error
}

// Runner executes calibrations in the background, one at a time, and
// publishes each successful result as the next pool snapshot.
type Runner struct {
	calibrator *Calibrator
	pool       *questions.Pool
	repo       questions.ItemRepository
	runs       RunStore
	announcer  Announcer
	log        *logger.Logger

	mu      sync.Mutex
	reports map[string]*Report
	active  string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner wires a runner. runs and announcer may be nil.
func NewRunner(calibrator *Calibrator, pool *questions.Pool, repo questions.ItemRepository, runs RunStore, announcer Announcer, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.Nop()
	}
	return &Runner{
		calibrator: calibrator,
		pool:       pool,
		repo:       repo,
		runs:       runs,
		announcer:  announcer,
		log:        log.With("component", "calibration-runner"),
		reports:    make(map[string]*Report),
	}
}

// Start validates cfg and launches a run against the current snapshot.
func (r *Runner) Start(cfg Config) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	if cfg.Seed == 0 {
		cfg.Seed = uint64(time.Now().UnixNano())
	}
	snap := r.pool.Current()
	if snap == nil || snap.Len() == 0 {
		return "", questions.ErrEmptyPool
	}

	r.mu.Lock()
	if r.active != "" {
		active := r.active
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrRunInProgress, active)
	}
	runID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	rep := &Report{
		RunID:       runID,
		Status:      StatusRunning,
		Config:      cfg,
		BaseVersion: snap.Version(),
		StartedAt:   time.Now().UTC(),
		Trajectory:  []IterationReport{},
	}
	r.reports[runID] = rep
	r.active = runID
	r.cancel = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	if r.runs != nil {
		if err := r.runs.CreateRun(ctx, *rep); err != nil {
			r.log.Warn("record calibration run failed", "run_id", runID, "error", err)
		}
	}

	r.log.Info("calibration run started", "run_id", runID, "base_version", snap.Version(), "seed", cfg.Seed)
	go r.execute(ctx, runID, snap, cfg)
	return runID, nil
}

func (r *Runner) execute(ctx context.Context, runID string, snap *questions.Snapshot, cfg Config) {
	defer r.wg.Done()

	cal := r.calibrator.OnIteration(func(it IterationReport) {
		r.mu.Lock()
		r.reports[runID].Trajectory = append(r.reports[runID].Trajectory, it)
		r.mu.Unlock()
	})

	result, err := cal.Calibrate(ctx, snap, cfg)
	var published int64
	if err == nil {
		published, err = r.publish(ctx, runID, result)
	}

	r.mu.Lock()
	rep := r.reports[runID]
	now := time.Now().UTC()
	rep.FinishedAt = &now
	switch {
	case err == nil:
		rep.Status = StatusSucceeded
		rep.Converged = result.Converged
		rep.Items = result.Items
		rep.PublishedVersion = published
	case errors.Is(err, context.Canceled):
		rep.Status = StatusCancelled
	default:
		rep.Status = StatusFailed
		rep.Error = err.Error()
	}
	final := *rep
	r.cancel()
	r.active = ""
	r.cancel = nil
	r.mu.Unlock()

	if r.runs != nil {
		storeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := r.runs.FinishRun(storeCtx, final); err != nil {
			r.log.Warn("record calibration result failed", "run_id", runID, "error", err)
		}
		cancel()
	}

	switch final.Status {
	case StatusSucceeded:
		r.log.Info("calibration run finished", "run_id", runID, "converged", final.Converged, "published_version", published)
	case StatusCancelled:
		r.log.Info("calibration run cancelled", "run_id", runID)
	default:
		r.log.Error("calibration run failed", "run_id", runID, "error", final.Error)
	}
}

// publish persists the calibrated snapshot and makes it current. When the
// pool moved on during the run (a reload), the calibrated exposure state is
// carried onto the newer snapshot instead.
func (r *Runner) publish(ctx context.Context, runID string, result *Result) (int64, error) {
	next := result.Snapshot
	if cur := r.pool.Current(); cur != nil && cur.Version() >= next.Version() {
		updates := make(map[string]questions.ExposureUpdate, len(result.Items))
		for _, it := range result.Items {
			updates[it.ID] = questions.ExposureUpdate{
				K:                  it.K,
				Administrations:    it.Administrations,
				EligibleSelections: it.EligibleSelections,
			}
		}
		rebased, err := cur.WithExposure(cur.Version()+1, updates)
		if err != nil {
			return 0, fmt.Errorf("rebase calibration onto version %d: %w", cur.Version(), err)
		}
		next = rebased
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if r.repo != nil {
		if err := r.repo.SaveCalibration(ctx, next, runID); err != nil {
			return 0, fmt.Errorf("save calibration: %w", err)
		}
	}
	if err := r.pool.Publish(next); err != nil {
		return 0, fmt.Errorf("publish snapshot: %w", err)
	}
	if r.announcer != nil {
		if err := r.announcer.Announce(ctx, next.Version()); err != nil {
			r.log.Warn("pool announcement failed", "version", next.Version(), "error", err)
		}
	}
	return next.Version(), nil
}

// Status returns the run's report, falling back to the run store for runs
// started by another process.
func (r *Runner) Status(ctx context.Context, runID string) (Report, error) {
	r.mu.Lock()
	rep, ok := r.reports[runID]
	var out Report
	if ok {
		out = *rep
		out.Trajectory = append([]IterationReport(nil), rep.Trajectory...)
	}
	r.mu.Unlock()
	if ok {
		return out, nil
	}

	if r.runs == nil {
		return Report{}, ErrRunNotFound
	}
	stored, err := r.runs.GetRun(ctx, runID)
	if err != nil {
		return Report{}, err
	}
	return *stored, nil
}

// Cancel stops an active run. Its partial result is discarded.
func (r *Runner) Cancel(runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, ok := r.reports[runID]
	if !ok {
		return ErrRunNotFound
	}
	if r.active != runID || rep.Status != StatusRunning {
		return fmt.Errorf("%w: %s is %s", ErrRunNotActive, runID, rep.Status)
	}
	r.cancel()
	return nil
}

// Active returns the ID of the running calibration, if any.
func (r *Runner) Active() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active, r.active != ""
}

// Wait blocks until the background run, if any, has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Close cancels any active run and waits for it to stop.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// StartScheduler starts a calibration every interval until ctx is done.
// Ticks that find a run in progress are skipped.
func (r *Runner) StartScheduler(ctx context.Context, every time.Duration, cfg Config) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	r.log.Info("calibration scheduler started", "interval", every.String())

	for {
		select {
		case <-ctx.Done():
			r.log.Info("calibration scheduler shutting down")
			return
		case <-ticker.C:
			runID, err := r.Start(cfg)
			switch {
			case errors.Is(err, ErrRunInProgress):
				r.log.Debug("scheduled calibration skipped", "reason", "run in progress")
			case err != nil:
				r.log.Error("scheduled calibration failed to start", "error", err)
			default:
				r.log.Info("scheduled calibration started", "run_id", runID)
			}
		}
	}
}
