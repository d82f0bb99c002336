package auth

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/lsat-prep/adaptive/internal/models"
)

type ctxKey struct{}

// WithCandidate stores the authenticated candidate on ctx.
func WithCandidate(ctx context.Context, candidateID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, candidateID)
}

// CandidateID returns the candidate set by Middleware.
func CandidateID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// Middleware requires a valid bearer token.
func (t *Tokens) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Missing bearer token"})
			return
		}
		candidateID, err := t.Parse(raw)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Invalid or expired token"})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCandidate(r.Context(), candidateID)))
	})
}

// AdminGuard protects operator endpoints with a shared key checked against
// a bcrypt hash. With no hash configured every request is refused.
type AdminGuard struct {
	hash []byte
}

func NewAdminGuard(keyHash string) *AdminGuard {
	return &AdminGuard{hash: []byte(keyHash)}
}

// HashKey produces the value to configure as the admin key hash.
func HashKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func (g *AdminGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Admin-Key")
		if len(g.hash) == 0 || key == "" {
			writeJSON(w, http.StatusForbidden, models.ErrorResponse{Error: "Admin key required"})
			return
		}
		if err := bcrypt.CompareHashAndPassword(g.hash, []byte(key)); err != nil {
			writeJSON(w, http.StatusForbidden, models.ErrorResponse{Error: "Admin key required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
