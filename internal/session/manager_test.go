package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/lsat-prep/adaptive/internal/models"
	"github.com/lsat-prep/adaptive/internal/questions"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeLog struct {
	mu       sync.Mutex
	outcomes []Outcome
	ctxErrs  []error
}

func (f *fakeLog) Record(ctx context.Context, o Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, o)
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	return nil
}

func (f *fakeLog) recorded() []Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Outcome(nil), f.outcomes...)
}

type managerFixture struct {
	m     *Manager
	pool  *questions.Pool
	log   *fakeLog
	clock *fakeClock
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	f := &managerFixture{
		pool:  questions.NewPool(abcSnapshot(t)),
		log:   &fakeLog{},
		clock: newFakeClock(),
	}
	f.m = NewManager(f.pool, testEstimator(t), f.log, nil, WithClock(f.clock.Now))
	return f
}

func TestManagerFullSession(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	h, err := f.m.StartSession(ctx, "cand-1", fixedLength(3))
	require.NoError(t, err)
	assert.Equal(t, 1, f.m.Active())

	owner, err := f.m.Owner(h)
	require.NoError(t, err)
	assert.Equal(t, "cand-1", owner)

	desc, err := f.m.Describe(h)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCreated, desc.Status)
	assert.Equal(t, int64(1), desc.PoolVersion)

	var last *models.EstimateSummary
	for i := 0; i < 3; i++ {
		next, err := f.m.GetNextItem(ctx, h)
		require.NoError(t, err)
		require.NotNil(t, next.Item)
		assert.Equal(t, i+1, next.Item.Position)
		if i == 0 {
			assert.Equal(t, "B", next.Item.ID)
		}

		again, err := f.m.GetNextItem(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, next.Item.ID, again.Item.ID)

		last, err = f.m.SubmitResponse(ctx, h, next.Item.ID, true, 500)
		require.NoError(t, err)
		assert.Equal(t, i+1, last.ItemsAnswered)
	}

	assert.True(t, last.Complete)
	assert.Equal(t, models.StatusCompleted, last.Status)
	assert.Equal(t, ReasonTestLength, last.TerminationReason)
	assert.Zero(t, f.m.Active())

	done, err := f.m.GetNextItem(ctx, h)
	require.NoError(t, err)
	assert.True(t, done.Complete)
	assert.Nil(t, done.Item)
	assert.Equal(t, models.StatusCompleted, done.Status)

	_, err = f.m.SubmitResponse(ctx, h, "A", true, 0)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, f.m.AbortSession(ctx, h, ""), ErrInvalidTransition)

	out := f.log.recorded()
	require.Len(t, out, 1)
	assert.Equal(t, string(h), out[0].SessionID)
	assert.True(t, out[0].Complete)
	assert.Len(t, out[0].Responses, 3)
}

func TestManagerUnknownSession(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	_, err := f.m.GetNextItem(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = f.m.SubmitResponse(ctx, "missing", "A", true, 0)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, f.m.AbortSession(ctx, "missing", ""), ErrSessionNotFound)
	_, err = f.m.Owner("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManagerRequiresPool(t *testing.T) {
	m := NewManager(questions.NewPool(nil), testEstimator(t), nil, nil)
	_, err := m.StartSession(context.Background(), "cand", DefaultExamConfig())
	assert.ErrorIs(t, err, questions.ErrEmptyPool)
}

func TestManagerRejectsInvalidConfig(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.m.StartSession(context.Background(), "cand", ExamConfig{SETarget: -1})
	assert.ErrorIs(t, err, ErrInvalidExamConfig)
	assert.Zero(t, f.m.Active())
}

func TestManagerAbortRecordsPartialHistory(t *testing.T) {
	f := newManagerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	h, err := f.m.StartSession(ctx, "cand-1", fixedLength(3))
	require.NoError(t, err)
	next, err := f.m.GetNextItem(ctx, h)
	require.NoError(t, err)
	_, err = f.m.SubmitResponse(ctx, h, next.Item.ID, false, 0)
	require.NoError(t, err)

	// A cancelled request must not lose the record.
	cancel()
	require.NoError(t, f.m.AbortSession(ctx, h, "candidate_left"))

	out := f.log.recorded()
	require.Len(t, out, 1)
	assert.False(t, out[0].Complete)
	assert.Equal(t, models.StatusAborted, out[0].Status)
	assert.Equal(t, "candidate_left", out[0].Reason)
	assert.Len(t, out[0].Responses, 1)
	assert.NoError(t, f.log.ctxErrs[0])

	done, err := f.m.GetNextItem(context.Background(), h)
	require.NoError(t, err)
	assert.True(t, done.Complete)
	assert.Equal(t, models.StatusAborted, done.Status)
}

func TestManagerSessionKeepsItsSnapshot(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	h, err := f.m.StartSession(ctx, "cand-1", fixedLength(3))
	require.NoError(t, err)

	// Replace the pool with a single unrelated item.
	only, err := questions.NewSnapshot(2, []questions.Item{{ID: "Z", Params: abcItems()[0].Params, ExposureK: 1}})
	require.NoError(t, err)
	require.NoError(t, f.pool.Publish(only))

	next, err := f.m.GetNextItem(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, "B", next.Item.ID)

	desc, err := f.m.Describe(h)
	require.NoError(t, err)
	assert.Equal(t, int64(1), desc.PoolVersion)
}

func TestManagerReapIdle(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	idle, err := f.m.StartSession(ctx, "cand-1", fixedLength(3))
	require.NoError(t, err)
	busy, err := f.m.StartSession(ctx, "cand-2", fixedLength(3))
	require.NoError(t, err)

	f.clock.Advance(20 * time.Minute)
	_, err = f.m.GetNextItem(ctx, busy)
	require.NoError(t, err)

	assert.Equal(t, 1, f.m.ReapIdle(ctx, 15*time.Minute))
	assert.Equal(t, 1, f.m.Active())

	done, err := f.m.GetNextItem(ctx, idle)
	require.NoError(t, err)
	assert.True(t, done.Complete)
	assert.Equal(t, models.StatusAborted, done.Status)
	assert.Equal(t, ReasonIdleTimeout, done.Reason)

	f.clock.Advance(20 * time.Minute)
	assert.Equal(t, 1, f.m.ReapIdle(ctx, 15*time.Minute))
	assert.Zero(t, f.m.Active())

	// The first tombstone is older than the ttl and has been forgotten.
	_, err = f.m.GetNextItem(ctx, idle)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	out := f.log.recorded()
	require.Len(t, out, 2)
	for _, o := range out {
		assert.Equal(t, ReasonIdleTimeout, o.Reason)
	}
}

func TestManagerConcurrentSessions(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	const sessions = 32
	var g errgroup.Group
	for i := 0; i < sessions; i++ {
		g.Go(func() error {
			h, err := f.m.StartSession(ctx, fmt.Sprintf("cand-%d", i), fixedLength(3))
			if err != nil {
				return err
			}
			for {
				next, err := f.m.GetNextItem(ctx, h)
				if err != nil {
					return err
				}
				if next.Complete {
					return nil
				}
				if _, err := f.m.SubmitResponse(ctx, h, next.Item.ID, i%2 == 0, 0); err != nil {
					return err
				}
			}
		})
	}
	require.NoError(t, g.Wait())

	assert.Zero(t, f.m.Active())
	out := f.log.recorded()
	require.Len(t, out, sessions)
	for _, o := range out {
		assert.Len(t, o.Responses, 3)
		assert.True(t, o.Complete)
	}
}

func TestStartReaperStopsOnCancel(t *testing.T) {
	f := newManagerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	h, err := f.m.StartSession(ctx, "cand-1", fixedLength(3))
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.m.StartReaper(ctx, 2*time.Second)
	}()

	require.Eventually(t, func() bool { return f.m.Active() == 0 }, 5*time.Second, 50*time.Millisecond)

	cancel()
	<-done

	owner, err := f.m.Owner(h)
	require.NoError(t, err)
	assert.Equal(t, "cand-1", owner)
}
