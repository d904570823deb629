package protocol

import "time"

// CredentialsRequest is the body of POST /api/auth/register and
// POST /api/auth/login.
type CredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is returned by a successful login.
type LoginResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
}

// CheckResponse is returned by POST /api/auth/check for a valid token.
type CheckResponse struct {
	Username string `json:"username"`
}

// StatusResponse carries a success message, e.g. after registration.
type StatusResponse struct {
	Message string `json:"message"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	OnlineUsers   int       `json:"online_users"`
	Messages      int       `json:"messages"`
	UptimeSeconds int64     `json:"uptime_seconds"`
}
