package session

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lsat-prep/adaptive/internal/irt"
	"github.com/lsat-prep/adaptive/internal/logger"
	"github.com/lsat-prep/adaptive/internal/models"
	"github.com/lsat-prep/adaptive/internal/questions"
	"github.com/lsat-prep/adaptive/internal/selection"
)

// Handle identifies a live session.
type Handle string

// ResponseLog durably records finished sessions.
type ResponseLog interface {
	Record(ctx context.Context, outcome Outcome) error
}

type entry struct {
	mu   sync.Mutex
	ctrl *Controller
}

// finished remembers a terminal session so late reads report completion
// instead of an unknown handle.
type finished struct {
	candidateID string
	status      models.SessionStatus
	reason      string
	at          time.Time
}

// Manager owns the live sessions. Calls on one session are serialized;
// different sessions proceed independently.
type Manager struct {
	pool      *questions.Pool
	estimator *irt.Estimator
	results   ResponseLog
	log       *logger.Logger
	now       func() time.Time
	newSource func(Handle) selection.Source

	mu       sync.RWMutex
	sessions map[Handle]*entry
	finished map[Handle]finished
}

type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSourceFactory sets how each session's admission draws are seeded.
func WithSourceFactory(fn func(Handle) selection.Source) Option {
	return func(m *Manager) { m.newSource = fn }
}

// NewManager wires a manager. results may be nil, in which case outcomes
// are only logged.
func NewManager(pool *questions.Pool, estimator *irt.Estimator, results ResponseLog, log *logger.Logger, opts ...Option) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	m := &Manager{
		pool:      pool,
		estimator: estimator,
		results:   results,
		log:       log.With("component", "sessions"),
		now:       time.Now,
		sessions:  make(map[Handle]*entry),
		finished:  make(map[Handle]finished),
	}

	seed := uint64(time.Now().UnixNano())
	var seq atomic.Uint64
	m.newSource = func(Handle) selection.Source {
		return rand.New(rand.NewPCG(seed, seq.Add(1)))
	}

	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartSession binds a new session to the current pool snapshot.
func (m *Manager) StartSession(ctx context.Context, candidateID string, cfg ExamConfig) (Handle, error) {
	snap := m.pool.Current()
	if snap == nil || snap.Len() == 0 {
		return "", questions.ErrEmptyPool
	}

	h := Handle(uuid.NewString())
	ctrl, err := NewController(string(h), candidateID, cfg, snap, m.estimator, m.newSource(h), m.now)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.sessions[h] = &entry{ctrl: ctrl}
	m.mu.Unlock()

	m.log.Info("session started", "session_id", h, "candidate_id", candidateID, "pool_version", snap.Version())
	return h, nil
}

// GetNextItem returns the item to show, or Complete once the session ended.
func (m *Manager) GetNextItem(ctx context.Context, h Handle) (*models.NextItemResponse, error) {
	e, done, err := m.lookup(h)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return &models.NextItemResponse{Complete: true, Status: done.status, Reason: done.reason}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	it, err := e.ctrl.Next()
	if err != nil {
		return nil, err
	}
	if it == nil {
		m.finish(ctx, h, e.ctrl)
		return &models.NextItemResponse{Complete: true, Status: e.ctrl.Status(), Reason: e.ctrl.reason}, nil
	}
	return &models.NextItemResponse{
		Item:   displayItem(it, len(e.ctrl.responses)+1),
		Status: e.ctrl.Status(),
	}, nil
}

// SubmitResponse scores the answer to the outstanding item.
func (m *Manager) SubmitResponse(ctx context.Context, h Handle, itemID string, correct bool, latencyMs int64) (*models.EstimateSummary, error) {
	e, done, err := m.lookup(h)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("%w: session %s is %s", ErrInvalidTransition, h, done.status)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.ctrl.Submit(itemID, correct, latencyMs); err != nil {
		return nil, err
	}
	summary := e.ctrl.Summary()
	if e.ctrl.Status().Terminal() {
		m.finish(ctx, h, e.ctrl)
	}
	return &summary, nil
}

// AbortSession ends a session early; its partial history is still recorded.
func (m *Manager) AbortSession(ctx context.Context, h Handle, reason string) error {
	e, done, err := m.lookup(h)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("%w: session %s is %s", ErrInvalidTransition, h, done.status)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ctrl.Abort(reason); err != nil {
		return err
	}
	m.finish(ctx, h, e.ctrl)
	return nil
}

// Owner returns the candidate a session belongs to.
func (m *Manager) Owner(h Handle) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.sessions[h]; ok {
		return e.ctrl.candidateID, nil
	}
	if f, ok := m.finished[h]; ok {
		return f.candidateID, nil
	}
	return "", ErrSessionNotFound
}

// Describe reports a live session's status and the pool version it is
// bound to.
func (m *Manager) Describe(h Handle) (*models.StartSessionResponse, error) {
	e, _, err := m.lookup(h)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("%w: session %s has finished", ErrInvalidTransition, h)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return &models.StartSessionResponse{
		SessionID:   string(h),
		Status:      e.ctrl.Status(),
		PoolVersion: e.ctrl.Snapshot().Version(),
		CreatedAt:   e.ctrl.createdAt,
	}, nil
}

// Active returns the number of live sessions.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) lookup(h Handle) (*entry, finished, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.sessions[h]; ok {
		return e, finished{}, nil
	}
	if f, ok := m.finished[h]; ok {
		return nil, f, nil
	}
	return nil, finished{}, ErrSessionNotFound
}

// finish hands the outcome to the response log and discards the
// controller. The caller holds the entry lock.
func (m *Manager) finish(ctx context.Context, h Handle, ctrl *Controller) {
	m.mu.Lock()
	if _, live := m.sessions[h]; !live {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, h)
	m.finished[h] = finished{
		candidateID: ctrl.candidateID,
		status:      ctrl.Status(),
		reason:      ctrl.reason,
		at:          m.now(),
	}
	m.mu.Unlock()

	outcome := ctrl.Outcome()
	m.log.Info("session finished",
		"session_id", h, "status", outcome.Status, "reason", outcome.Reason,
		"items", len(outcome.Responses), "theta", outcome.Estimate.Theta,
		"standard_error", outcome.Estimate.StandardError)

	if m.results == nil {
		return
	}
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := m.results.Record(recordCtx, outcome); err != nil {
		m.log.Error("record session outcome failed", "session_id", h, "error", err)
	}
}

// ReapIdle aborts sessions with no activity for ttl and forgets finished
// sessions older than ttl. It returns the number of sessions aborted.
func (m *Manager) ReapIdle(ctx context.Context, ttl time.Duration) int {
	cutoff := m.now().Add(-ttl)

	m.mu.Lock()
	handles := make([]Handle, 0, len(m.sessions))
	for h := range m.sessions {
		handles = append(handles, h)
	}
	for h, f := range m.finished {
		if f.at.Before(cutoff) {
			delete(m.finished, h)
		}
	}
	m.mu.Unlock()

	reaped := 0
	for _, h := range handles {
		if m.abortIfIdle(ctx, h, cutoff) {
			reaped++
		}
	}
	if reaped > 0 {
		m.log.Info("idle sessions aborted", "count", reaped)
	}
	return reaped
}

func (m *Manager) abortIfIdle(ctx context.Context, h Handle, cutoff time.Time) bool {
	e, _, err := m.lookup(h)
	if err != nil || e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.ctrl.LastActivity().Before(cutoff) {
		return false
	}
	if err := e.ctrl.Abort(ReasonIdleTimeout); err != nil {
		return false
	}
	m.finish(ctx, h, e.ctrl)
	return true
}

// StartReaper runs ReapIdle periodically until ctx is done.
func (m *Manager) StartReaper(ctx context.Context, ttl time.Duration) {
	every := ttl / 4
	if every < time.Second {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	m.log.Info("session reaper started", "ttl", ttl.String())

	for {
		select {
		case <-ctx.Done():
			m.log.Info("session reaper shutting down")
			return
		case <-ticker.C:
			m.ReapIdle(ctx, ttl)
		}
	}
}
