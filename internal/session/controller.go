package session

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/lsat-prep/adaptive/internal/irt"
	"github.com/lsat-prep/adaptive/internal/models"
	"github.com/lsat-prep/adaptive/internal/questions"
	"github.com/lsat-prep/adaptive/internal/selection"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrInvalidExamConfig = errors.New("invalid exam config")
)

// Termination reasons.
const (
	ReasonTestLength    = "test_length"
	ReasonSETarget      = "se_target"
	ReasonTimeLimit     = "time_limit"
	ReasonPoolExhausted = "pool_exhausted"
	ReasonIdleTimeout   = "idle_timeout"
	ReasonAborted       = "aborted"
)

// ExamConfig sets the termination policies and starting point of a session.
// A zero TestLength, SETarget or TimeLimit disables that policy.
type ExamConfig struct {
	TestLength      int           `yaml:"test_length" json:"test_length"`
	SETarget        float64       `yaml:"se_target" json:"se_target"`
	TimeLimit       time.Duration `yaml:"time_limit" json:"time_limit"`
	PriorTheta      float64       `yaml:"prior_theta" json:"prior_theta"`
	ExposureControl bool          `yaml:"exposure_control" json:"exposure_control"`
	IncludeTags     []string      `yaml:"include_tags" json:"include_tags,omitempty"`
	ExcludeTags     []string      `yaml:"exclude_tags" json:"exclude_tags,omitempty"`
}

func DefaultExamConfig() ExamConfig {
	return ExamConfig{
		TestLength:      20,
		SETarget:        0.3,
		TimeLimit:       0,
		PriorTheta:      0,
		ExposureControl: true,
	}
}

func (c ExamConfig) Validate() error {
	switch {
	case c.TestLength < 0:
		return fmt.Errorf("%w: test_length must not be negative", ErrInvalidExamConfig)
	case math.IsNaN(c.SETarget) || c.SETarget < 0:
		return fmt.Errorf("%w: se_target must not be negative", ErrInvalidExamConfig)
	case c.TimeLimit < 0:
		return fmt.Errorf("%w: time_limit must not be negative", ErrInvalidExamConfig)
	case math.IsNaN(c.PriorTheta) || math.IsInf(c.PriorTheta, 0):
		return fmt.Errorf("%w: prior_theta must be finite", ErrInvalidExamConfig)
	}
	return nil
}

// ResponseRecord is one answered item.
type ResponseRecord struct {
	ItemID     string    `json:"item_id"`
	Correct    bool      `json:"correct"`
	LatencyMs  int64     `json:"latency_ms"`
	Position   int       `json:"position"`
	AnsweredAt time.Time `json:"answered_at"`
}

// Outcome is handed to the ResponseLog when a session ends.
type Outcome struct {
	SessionID   string               `json:"session_id"`
	CandidateID string               `json:"candidate_id"`
	Status      models.SessionStatus `json:"status"`
	Reason      string               `json:"reason"`
	// Complete is false for aborted sessions; their history is partial.
	Complete    bool             `json:"complete"`
	Estimate    irt.Estimate     `json:"estimate"`
	Responses   []ResponseRecord `json:"responses"`
	PoolVersion int64            `json:"pool_version"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  time.Time        `json:"finished_at"`
}

// Controller is the state machine for one test-taker's session. It is not
// safe for concurrent use; the Manager serializes calls per session.
type Controller struct {
	id          string
	candidateID string
	cfg         ExamConfig
	snap        *questions.Snapshot
	selector    *selection.Selector
	estimator   *irt.Estimator
	filter      selection.Filter
	now         func() time.Time

	status       models.SessionStatus
	reason       string
	estimate     irt.Estimate
	responses    []ResponseRecord
	answers      []irt.Response
	administered map[string]struct{}
	pending      *questions.Item

	createdAt    time.Time
	startedAt    time.Time
	finishedAt   time.Time
	lastActivity time.Time
}

// NewController allocates a session in the Created state against snap.
func NewController(id, candidateID string, cfg ExamConfig, snap *questions.Snapshot, estimator *irt.Estimator, rng selection.Source, now func() time.Time) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, questions.ErrEmptyPool
	}
	if now == nil {
		now = time.Now
	}
	t := now()
	return &Controller{
		id:           id,
		candidateID:  candidateID,
		cfg:          cfg,
		snap:         snap,
		selector:     selection.New(rng, cfg.ExposureControl),
		estimator:    estimator,
		filter:       selection.TagFilter(cfg.IncludeTags, cfg.ExcludeTags),
		now:          now,
		status:       models.StatusCreated,
		estimate:     estimator.Estimate(cfg.PriorTheta, nil),
		administered: make(map[string]struct{}),
		createdAt:    t,
		lastActivity: t,
	}, nil
}

func (c *Controller) ID() string { return c.id }

func (c *Controller) CandidateID() string { return c.candidateID }

func (c *Controller) Status() models.SessionStatus { return c.status }

func (c *Controller) Estimate() irt.Estimate { return c.estimate }

func (c *Controller) Snapshot() *questions.Snapshot { return c.snap }

func (c *Controller) LastActivity() time.Time { return c.lastActivity }

// Responses returns a copy of the response history.
func (c *Controller) Responses() []ResponseRecord {
	return append([]ResponseRecord(nil), c.responses...)
}

// Next returns the item to administer, or nil once the session is
// Completed. Repeated calls return the same outstanding item.
func (c *Controller) Next() (*questions.Item, error) {
	switch c.status {
	case models.StatusCompleted:
		return nil, nil
	case models.StatusAborted:
		return nil, fmt.Errorf("%w: session %s is aborted", ErrInvalidTransition, c.id)
	case models.StatusCreated:
		c.status = models.StatusInProgress
		c.startedAt = c.now()
	}
	c.lastActivity = c.now()

	if c.timeExpired() {
		c.complete(ReasonTimeLimit)
		return nil, nil
	}
	if c.pending != nil {
		it := *c.pending
		return &it, nil
	}

	sel, ok := c.selector.SelectNext(c.estimate.Theta, c.administered, c.snap, c.filter)
	if !ok {
		c.complete(ReasonPoolExhausted)
		return nil, nil
	}
	c.pending = &sel.Item
	it := sel.Item
	return &it, nil
}

// Submit records the answer to the outstanding item, re-estimates ability
// and applies the termination policies.
func (c *Controller) Submit(itemID string, correct bool, latencyMs int64) (irt.Estimate, error) {
	if c.status != models.StatusInProgress {
		return irt.Estimate{}, fmt.Errorf("%w: session %s is %s", ErrInvalidTransition, c.id, c.status)
	}
	if c.pending == nil {
		return irt.Estimate{}, fmt.Errorf("%w: no item outstanding", ErrInvalidTransition)
	}
	if c.pending.ID != itemID {
		return irt.Estimate{}, fmt.Errorf("%w: item %s was not administered, expected %s", ErrInvalidTransition, itemID, c.pending.ID)
	}
	if latencyMs < 0 {
		latencyMs = 0
	}

	t := c.now()
	item := *c.pending
	c.pending = nil
	c.lastActivity = t

	c.responses = append(c.responses, ResponseRecord{
		ItemID:     item.ID,
		Correct:    correct,
		LatencyMs:  latencyMs,
		Position:   len(c.responses) + 1,
		AnsweredAt: t,
	})
	c.administered[item.ID] = struct{}{}
	c.answers = append(c.answers, irt.Response{Params: item.Params, Correct: correct})
	c.estimate = c.estimator.Estimate(c.estimate.Theta, c.answers)

	if reason := c.terminationReason(); reason != "" {
		c.complete(reason)
	}
	return c.estimate, nil
}

// Abort ends a non-terminal session. The partial history is kept for the
// Outcome.
func (c *Controller) Abort(reason string) error {
	if c.status.Terminal() {
		return fmt.Errorf("%w: session %s is already %s", ErrInvalidTransition, c.id, c.status)
	}
	if reason == "" {
		reason = ReasonAborted
	}
	c.status = models.StatusAborted
	c.reason = reason
	c.pending = nil
	c.finishedAt = c.now()
	return nil
}

// Outcome reports the session result. Meaningful once the status is terminal.
func (c *Controller) Outcome() Outcome {
	return Outcome{
		SessionID:   c.id,
		CandidateID: c.candidateID,
		Status:      c.status,
		Reason:      c.reason,
		Complete:    c.status == models.StatusCompleted,
		Estimate:    c.estimate,
		Responses:   c.Responses(),
		PoolVersion: c.snap.Version(),
		StartedAt:   c.createdAt,
		FinishedAt:  c.finishedAt,
	}
}

// Summary reports the current estimate for the caller.
func (c *Controller) Summary() models.EstimateSummary {
	return models.EstimateSummary{
		Theta:             c.estimate.Theta,
		StandardError:     c.estimate.StandardError,
		ScaledScore:       irt.ScaledScore(c.estimate.Theta),
		ScaledError:       irt.ScaledError(c.estimate.StandardError),
		Method:            string(c.estimate.Method),
		Converged:         c.estimate.Converged,
		Outcome:           string(c.estimate.Outcome),
		FallbackReason:    c.estimate.FallbackReason,
		ItemsAnswered:     len(c.responses),
		Status:            c.status,
		Complete:          c.status.Terminal(),
		TerminationReason: c.reason,
	}
}

// terminationReason evaluates each policy independently; the first one
// satisfied ends the session.
func (c *Controller) terminationReason() string {
	switch {
	case c.cfg.TestLength > 0 && len(c.responses) >= c.cfg.TestLength:
		return ReasonTestLength
	case c.cfg.SETarget > 0 && c.estimate.StandardError <= c.cfg.SETarget:
		return ReasonSETarget
	case c.timeExpired():
		return ReasonTimeLimit
	}
	return ""
}

func (c *Controller) timeExpired() bool {
	return c.cfg.TimeLimit > 0 && !c.startedAt.IsZero() && c.now().Sub(c.startedAt) >= c.cfg.TimeLimit
}

func (c *Controller) complete(reason string) {
	c.status = models.StatusCompleted
	c.reason = reason
	c.pending = nil
	c.finishedAt = c.now()
}

// displayItem strips everything but the public fields.
func displayItem(it *questions.Item, position int) *models.ItemForDisplay {
	out := &models.ItemForDisplay{
		ID:       it.ID,
		Position: position,
		Stem:     it.Stem,
		Options:  make([]models.DisplayOption, len(it.Options)),
		Tags:     it.Tags,
	}
	for i, o := range it.Options {
		out.Options[i] = models.DisplayOption{ID: o.ID, Text: o.Text}
	}
	return out
}
