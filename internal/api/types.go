package api

import "time"

// ErrorResponse is the backend's JSON error envelope.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

// SessionStatus from GET /session
type SessionStatus struct {
	Authenticated bool      `json:"authenticated"`
	Mode          string    `json:"mode"` // "paper" or "live"
	ExpiresAt     time.Time `json:"expires_at"`
}

// ModeRequest for POST /session/mode
type ModeRequest struct {
	Mode string `json:"mode"`
}

// ModeResponse from POST /session/mode
type ModeResponse struct {
	Mode string `json:"mode"`
}
