package calibration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/lsat-prep/adaptive/internal/questions"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRepo struct {
	mu    sync.Mutex
	saved []*questions.Snapshot
	runs  []string
}

func (f *fakeRepo) LoadItems(ctx context.Context) (int64, []questions.Item, error) {
	return 0, nil, nil
}

func (f *fakeRepo) SaveCalibration(ctx context.Context, snap *questions.Snapshot, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, snap)
	f.runs = append(f.runs, runID)
	return nil
}

func (f *fakeRepo) RecordVersion(ctx context.Context, version int64) error {
	return nil
}

func (f *fakeRepo) savedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

type fakeRuns struct {
	mu       sync.Mutex
	created  map[string]Report
	finished map[string]Report
}

func newFakeRuns() *fakeRuns {
	return &fakeRuns{created: map[string]Report{}, finished: map[string]Report{}}
}

func (f *fakeRuns) CreateRun(ctx context.Context, rep Report) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created[rep.RunID] = rep
	return nil
}

func (f *fakeRuns) FinishRun(ctx context.Context, rep Report) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished[rep.RunID] = rep
	return nil
}

func (f *fakeRuns) GetRun(ctx context.Context, runID string) (*Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rep, ok := f.finished[runID]; ok {
		return &rep, nil
	}
	return nil, ErrRunNotFound
}

type fakeAnnouncer struct {
	mu       sync.Mutex
	versions []int64
}

func (f *fakeAnnouncer) Announce(ctx context.Context, version int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions = append(f.versions, version)
	return nil
}

type runnerFixture struct {
	runner    *Runner
	pool      *questions.Pool
	repo      *fakeRepo
	runs      *fakeRuns
	announcer *fakeAnnouncer
}

func newRunnerFixture(t *testing.T, items int) *runnerFixture {
	t.Helper()
	f := &runnerFixture{
		pool:      questions.NewPool(testSnapshot(t, items)),
		repo:      &fakeRepo{},
		runs:      newFakeRuns(),
		announcer: &fakeAnnouncer{},
	}
	f.runner = NewRunner(testCalibrator(t), f.pool, f.repo, f.runs, f.announcer, nil)
	t.Cleanup(f.runner.Close)
	return f
}

func TestRunnerPublishesResult(t *testing.T) {
	f := newRunnerFixture(t, 12)

	runID, err := f.runner.Start(smallConfig())
	require.NoError(t, err)
	f.runner.Wait()

	rep, err := f.runner.Status(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, rep.Status)
	assert.Equal(t, int64(1), rep.BaseVersion)
	assert.Equal(t, int64(2), rep.PublishedVersion)
	assert.NotNil(t, rep.FinishedAt)
	assert.NotEmpty(t, rep.Trajectory)
	assert.NotEmpty(t, rep.Items)

	assert.Equal(t, int64(2), f.pool.Current().Version())
	assert.Equal(t, 1, f.repo.savedCount())
	assert.Equal(t, []string{runID}, f.repo.runs)
	assert.Equal(t, []int64{2}, f.announcer.versions)

	assert.Contains(t, f.runs.created, runID)
	assert.Equal(t, StatusSucceeded, f.runs.finished[runID].Status)

	_, active := f.runner.Active()
	assert.False(t, active)
}

func TestRunnerRejectsInvalidConfigSynchronously(t *testing.T) {
	f := newRunnerFixture(t, 5)
	cfg := smallConfig()
	cfg.TargetRate = 2

	_, err := f.runner.Start(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Empty(t, f.runs.created)
}

func TestRunnerRequiresLoadedPool(t *testing.T) {
	runner := NewRunner(testCalibrator(t), questions.NewPool(nil), nil, nil, nil, nil)
	_, err := runner.Start(smallConfig())
	assert.ErrorIs(t, err, questions.ErrEmptyPool)
}

func TestRunnerSingleActiveRunAndCancel(t *testing.T) {
	f := newRunnerFixture(t, 50)

	long := smallConfig()
	long.Examinees = 500000
	long.TestLength = 20
	long.Iterations = 50
	long.Tolerance = 0

	runID, err := f.runner.Start(long)
	require.NoError(t, err)

	_, err = f.runner.Start(smallConfig())
	assert.ErrorIs(t, err, ErrRunInProgress)

	active, ok := f.runner.Active()
	assert.True(t, ok)
	assert.Equal(t, runID, active)

	require.NoError(t, f.runner.Cancel(runID))
	f.runner.Wait()

	rep, err := f.runner.Status(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, rep.Status)
	assert.Zero(t, rep.PublishedVersion)

	assert.Equal(t, int64(1), f.pool.Current().Version(), "cancelled run must not publish")
	assert.Zero(t, f.repo.savedCount())
	assert.Empty(t, f.announcer.versions)

	assert.ErrorIs(t, f.runner.Cancel(runID), ErrRunNotActive)

	// The slot is free again.
	next, err := f.runner.Start(smallConfig())
	require.NoError(t, err)
	assert.NotEqual(t, runID, next)
	f.runner.Wait()
}

func TestRunnerUnknownRun(t *testing.T) {
	f := newRunnerFixture(t, 5)

	_, err := f.runner.Status(context.Background(), "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, f.runner.Cancel("nope"), ErrRunNotFound)
}

func TestRunnerStatusFallsBackToStore(t *testing.T) {
	f := newRunnerFixture(t, 5)
	f.runs.finished["from-elsewhere"] = Report{RunID: "from-elsewhere", Status: StatusSucceeded, PublishedVersion: 7}

	rep, err := f.runner.Status(context.Background(), "from-elsewhere")
	require.NoError(t, err)
	assert.Equal(t, int64(7), rep.PublishedVersion)
}

func TestRunnerRebasesOntoNewerSnapshot(t *testing.T) {
	f := newRunnerFixture(t, 12)
	cal := testCalibrator(t)

	res, err := cal.Calibrate(context.Background(), f.pool.Current(), smallConfig())
	require.NoError(t, err)

	// A reload lands while the run was in flight.
	reloaded, err := questions.NewSnapshot(5, f.pool.Current().Items())
	require.NoError(t, err)
	require.NoError(t, f.pool.Publish(reloaded))

	version, err := f.runner.publish(context.Background(), "run-1", res)
	require.NoError(t, err)
	assert.Equal(t, int64(6), version)

	k := res.K()
	cur := f.pool.Current()
	for i := 0; i < cur.Len(); i++ {
		assert.Equal(t, k[cur.At(i).ID], cur.At(i).ExposureK)
	}
}

func TestSchedulerStartsRuns(t *testing.T) {
	f := newRunnerFixture(t, 8)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.runner.StartScheduler(ctx, 10*time.Millisecond, smallConfig())
	}()

	require.Eventually(t, func() bool {
		return f.pool.Current().Version() >= 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	f.runner.Wait()
}
