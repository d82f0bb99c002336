package models

import "time"

type SessionStatus string

const (
	StatusCreated    SessionStatus = "created"
	StatusInProgress SessionStatus = "in_progress"
	StatusCompleted  SessionStatus = "completed"
	StatusAborted    SessionStatus = "aborted"
)

// Terminal reports whether no further transitions are allowed.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted
}

// ── Candidate-facing item ─────────────────────────────────

// ItemForDisplay is what a test-taker sees. IRT and exposure parameters
// are never included.
type ItemForDisplay struct {
	ID       string          `json:"id"`
	Position int             `json:"position"`
	Stem     string          `json:"stem"`
	Options  []DisplayOption `json:"options"`
	Tags     []string        `json:"tags,omitempty"`
}

type DisplayOption struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// ── API Request/Response Types ────────────────────────────

// StartSessionRequest overrides the configured exam defaults. Omitted fields
// keep the default; an explicit 0 turns that termination policy off.
type StartSessionRequest struct {
	TestLength       *int     `json:"test_length,omitempty"`
	SETarget         *float64 `json:"se_target,omitempty"`
	TimeLimitSeconds *int     `json:"time_limit_seconds,omitempty"`
	PriorTheta       *float64 `json:"prior_theta,omitempty"`
	ExposureControl  *bool    `json:"exposure_control,omitempty"`
	IncludeTags      []string `json:"include_tags,omitempty"`
	ExcludeTags      []string `json:"exclude_tags,omitempty"`
}

type StartSessionResponse struct {
	SessionID   string        `json:"session_id"`
	Status      SessionStatus `json:"status"`
	PoolVersion int64         `json:"pool_version"`
	CreatedAt   time.Time     `json:"created_at"`
}

type NextItemResponse struct {
	Item     *ItemForDisplay `json:"item,omitempty"`
	Complete bool            `json:"complete"`
	Status   SessionStatus   `json:"status"`
	Reason   string          `json:"reason,omitempty"`
}

type SubmitResponseRequest struct {
	ItemID    string `json:"item_id"`
	Correct   bool   `json:"correct"`
	LatencyMs int64  `json:"latency_ms"`
}

// EstimateSummary reports the ability estimate after a response, in theta
// units and on the 0-100 reporting scale.
type EstimateSummary struct {
	Theta             float64       `json:"theta"`
	StandardError     float64       `json:"standard_error"`
	ScaledScore       int           `json:"scaled_score"`
	ScaledError       float64       `json:"scaled_error"`
	Method            string        `json:"method"`
	Converged         bool          `json:"converged"`
	Outcome           string        `json:"outcome"`
	FallbackReason    string        `json:"fallback_reason,omitempty"`
	ItemsAnswered     int           `json:"items_answered"`
	Status            SessionStatus `json:"status"`
	Complete          bool          `json:"complete"`
	TerminationReason string        `json:"termination_reason,omitempty"`
}

type AbortSessionRequest struct {
	Reason string `json:"reason"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
