package questions

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/lsat-prep/adaptive/internal/logger"
	"github.com/lsat-prep/adaptive/internal/models"
)

type Handler struct {
	pool     *Pool
	repo     ItemRepository
	notifier *Notifier
	log      *logger.Logger
}

// NewHandler serves the admin pool endpoints. notifier may be nil.
func NewHandler(pool *Pool, repo ItemRepository, notifier *Notifier, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{pool: pool, repo: repo, notifier: notifier, log: log.With("component", "pool")}
}

type poolResponse struct {
	Summary
	Items []Item `json:"items,omitempty"`
}

// GetPool returns the current snapshot summary. ?items=true includes the
// calibrated items.
func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	snap := h.pool.Current()
	if snap == nil {
		writeJSON(w, http.StatusServiceUnavailable, models.ErrorResponse{Error: "Item pool not loaded"})
		return
	}

	resp := poolResponse{Summary: snap.Summary()}
	if withItems, _ := strconv.ParseBool(r.URL.Query().Get("items")); withItems {
		resp.Items = snap.Items()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ReloadPool re-reads items from the repository and publishes a new snapshot.
func (h *Handler) ReloadPool(w http.ResponseWriter, r *http.Request) {
	snap, err := h.pool.Reload(r.Context(), h.repo)
	if err != nil {
		switch {
		case errors.Is(err, ErrEmptyPool):
			writeJSON(w, http.StatusConflict, models.ErrorResponse{Error: "No active items to load"})
		case errors.Is(err, ErrInvalidItem):
			writeJSON(w, http.StatusUnprocessableEntity, models.ErrorResponse{Error: err.Error()})
		default:
			h.log.Error("pool reload failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "Failed to reload item pool"})
		}
		return
	}

	if err := h.notifier.Announce(r.Context(), snap.Version()); err != nil {
		h.log.Warn("pool announcement failed", "version", snap.Version(), "error", err)
	}
	h.log.Info("pool reloaded", "version", snap.Version(), "items", snap.Len())
	writeJSON(w, http.StatusOK, snap.Summary())
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
