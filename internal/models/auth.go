package models

import "time"

// TokenRequest asks for a candidate session token. Only admins may issue them.
type TokenRequest struct {
	CandidateID string `json:"candidate_id"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
