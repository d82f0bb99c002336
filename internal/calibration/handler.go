package calibration

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/lsat-prep/adaptive/internal/logger"
	"github.com/lsat-prep/adaptive/internal/models"
	"github.com/lsat-prep/adaptive/internal/questions"
)

type Handler struct {
	runner   *Runner
	defaults Config
	log      *logger.Logger
}

// NewHandler serves the admin calibration endpoints. Request bodies are
// applied on top of defaults.
func NewHandler(runner *Runner, defaults Config, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{runner: runner, defaults: defaults, log: log.With("component", "calibration")}
}

type startResponse struct {
	RunID  string    `json:"run_id"`
	Status RunStatus `json:"status"`
}

func (h *Handler) StartCalibration(w http.ResponseWriter, r *http.Request) {
	cfg := h.defaults
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body"})
		return
	}

	runID, err := h.runner.Start(cfg)
	if err != nil {
		var cfgErr *ConfigError
		switch {
		case errors.As(err, &cfgErr):
			writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: cfgErr.Error()})
		case errors.Is(err, ErrRunInProgress):
			writeJSON(w, http.StatusConflict, models.ErrorResponse{Error: err.Error()})
		case errors.Is(err, questions.ErrEmptyPool):
			writeJSON(w, http.StatusConflict, models.ErrorResponse{Error: "Item pool not loaded"})
		default:
			h.log.Error("start calibration failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "Failed to start calibration"})
		}
		return
	}

	writeJSON(w, http.StatusAccepted, startResponse{RunID: runID, Status: StatusRunning})
}

func (h *Handler) GetCalibration(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDFromPath(w, r)
	if !ok {
		return
	}

	rep, err := h.runner.Status(r.Context(), runID)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			writeJSON(w, http.StatusNotFound, models.ErrorResponse{Error: "Calibration run not found"})
			return
		}
		h.log.Error("get calibration status failed", "run_id", runID, "error", err)
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "Failed to load calibration run"})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) CancelCalibration(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDFromPath(w, r)
	if !ok {
		return
	}

	if err := h.runner.Cancel(runID); err != nil {
		switch {
		case errors.Is(err, ErrRunNotFound):
			writeJSON(w, http.StatusNotFound, models.ErrorResponse{Error: "Calibration run not found"})
		case errors.Is(err, ErrRunNotActive):
			writeJSON(w, http.StatusConflict, models.ErrorResponse{Error: err.Error()})
		default:
			writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "Failed to cancel calibration"})
		}
		return
	}
	writeJSON(w, http.StatusAccepted, models.MessageResponse{Message: "Cancellation requested"})
}

func runIDFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := mux.Vars(r)["id"]
	if _, err := uuid.Parse(id); err != nil {
		writeJSON(w, http.StatusNotFound, models.ErrorResponse{Error: "Calibration run not found"})
		return "", false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
