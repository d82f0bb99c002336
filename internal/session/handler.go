package session

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/lsat-prep/adaptive/internal/auth"
	"github.com/lsat-prep/adaptive/internal/logger"
	"github.com/lsat-prep/adaptive/internal/models"
	"github.com/lsat-prep/adaptive/internal/questions"
)

type Handler struct {
	manager  *Manager
	defaults ExamConfig
	log      *logger.Logger
}

// NewHandler serves the candidate session endpoints. Requests must carry a
// candidate set by auth middleware.
func NewHandler(manager *Manager, defaults ExamConfig, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{manager: manager, defaults: defaults, log: log.With("component", "session_api")}
}

func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	candidateID, ok := auth.CandidateID(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Unauthorized"})
		return
	}

	var req models.StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body"})
		return
	}

	handle, err := h.manager.StartSession(r.Context(), candidateID, h.examConfig(req))
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp, err := h.manager.Describe(handle)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) GetNextItem(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	resp, err := h.manager.GetNextItem(r.Context(), handle)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) SubmitResponse(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	var req models.SubmitResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body"})
		return
	}
	if req.ItemID == "" {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "item_id is required"})
		return
	}

	summary, err := h.manager.SubmitResponse(r.Context(), handle, req.ItemID, req.Correct, req.LatencyMs)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) AbortSession(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	var req models.AbortSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body"})
		return
	}

	if err := h.manager.AbortSession(r.Context(), handle, req.Reason); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.MessageResponse{Message: "Session aborted"})
}

// ownedSession resolves the {id} path variable. Sessions belonging to other
// candidates are reported as not found.
func (h *Handler) ownedSession(w http.ResponseWriter, r *http.Request) (Handle, bool) {
	candidateID, ok := auth.CandidateID(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Unauthorized"})
		return "", false
	}
	handle := Handle(mux.Vars(r)["id"])
	owner, err := h.manager.Owner(handle)
	if err != nil || owner != candidateID {
		writeJSON(w, http.StatusNotFound, models.ErrorResponse{Error: "Session not found"})
		return "", false
	}
	return handle, true
}

// examConfig overlays the request on the configured defaults. Omitted
// fields keep the default.
func (h *Handler) examConfig(req models.StartSessionRequest) ExamConfig {
	cfg := h.defaults
	if req.TestLength != nil {
		cfg.TestLength = *req.TestLength
	}
	if req.SETarget != nil {
		cfg.SETarget = *req.SETarget
	}
	if req.TimeLimitSeconds != nil {
		cfg.TimeLimit = time.Duration(*req.TimeLimitSeconds) * time.Second
	}
	if req.PriorTheta != nil {
		cfg.PriorTheta = *req.PriorTheta
	}
	if req.ExposureControl != nil {
		cfg.ExposureControl = *req.ExposureControl
	}
	if len(req.IncludeTags) > 0 {
		cfg.IncludeTags = req.IncludeTags
	}
	if len(req.ExcludeTags) > 0 {
		cfg.ExcludeTags = req.ExcludeTags
	}
	return cfg
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		writeJSON(w, http.StatusNotFound, models.ErrorResponse{Error: "Session not found"})
	case errors.Is(err, ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, models.ErrorResponse{Error: err.Error()})
	case errors.Is(err, ErrInvalidExamConfig):
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
	case errors.Is(err, questions.ErrEmptyPool):
		writeJSON(w, http.StatusServiceUnavailable, models.ErrorResponse{Error: "Item pool not loaded"})
	default:
		h.log.Error("session request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "Internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
