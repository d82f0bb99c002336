package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/lsat-prep/adaptive/internal/logger"
	"github.com/lsat-prep/adaptive/internal/models"
)

type Handler struct {
	tokens *Tokens
	log    *logger.Logger
}

func NewHandler(tokens *Tokens, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{tokens: tokens, log: log.With("component", "auth")}
}

// IssueToken mints a candidate token. Mounted behind AdminGuard.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req models.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body"})
		return
	}

	req.CandidateID = strings.TrimSpace(req.CandidateID)
	if req.CandidateID == "" {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "candidate_id is required"})
		return
	}

	token, exp, err := h.tokens.Issue(req.CandidateID)
	if err != nil {
		h.log.Error("issue token failed", "candidate_id", req.CandidateID, "error", err)
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "Failed to generate token"})
		return
	}

	h.log.Info("candidate token issued", "candidate_id", req.CandidateID, "expires_at", exp)
	writeJSON(w, http.StatusCreated, models.TokenResponse{Token: token, ExpiresAt: exp})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
