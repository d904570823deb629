package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aeolun/chatrelay/pkg/auth"
	"github.com/aeolun/chatrelay/pkg/database"
	"github.com/aeolun/chatrelay/pkg/protocol"
)

const maxRequestBody = 64 * 1024

// Messages returned by the HTTP API
const (
	msgMissingFields   = "username and password are required"
	msgInvalidUsername = "invalid username"
	msgPasswordTooLong = "password too long"
	msgUsernameTaken   = "username already exists"
	msgOriginTaken     = "an account has already been registered from this address"
	msgRegistered      = "registration successful"
	msgBadCredentials  = "invalid username or password"
	msgMissingToken    = "no auth token provided"
	msgInvalidToken    = "invalid auth token"
	msgInvalidBody     = "invalid request body"
	msgServerError     = "server error"
)

// RegisterHandler serves POST /api/auth/register
func (s *Server) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req protocol.CredentialsRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.metrics.RecordRegistration(registrationInvalid)
		writeError(w, http.StatusBadRequest, msgInvalidBody)
		return
	}

	origin := s.clientIP(r)
	err := s.creds.Register(r.Context(), req.Username, req.Password, origin)
	switch {
	case err == nil:
		s.metrics.RecordRegistration(registrationOK)
		s.logger.Info(r.Context(), "user registered", "user", strings.TrimSpace(req.Username), "origin", origin)
		writeJSON(w, http.StatusCreated, protocol.StatusResponse{Message: msgRegistered})
	case errors.Is(err, auth.ErrEmptyCredentials):
		s.metrics.RecordRegistration(registrationInvalid)
		writeError(w, http.StatusBadRequest, msgMissingFields)
	case errors.Is(err, auth.ErrInvalidUsername):
		s.metrics.RecordRegistration(registrationInvalid)
		writeError(w, http.StatusBadRequest, msgInvalidUsername)
	case errors.Is(err, auth.ErrPasswordTooLong):
		s.metrics.RecordRegistration(registrationInvalid)
		writeError(w, http.StatusBadRequest, msgPasswordTooLong)
	case errors.Is(err, database.ErrUsernameTaken):
		s.metrics.RecordRegistration(registrationUsernameTaken)
		writeError(w, http.StatusBadRequest, msgUsernameTaken)
	case errors.Is(err, database.ErrOriginTaken):
		s.metrics.RecordRegistration(registrationOriginTaken)
		s.logger.Info(r.Context(), "registration refused, origin already used", "origin", origin)
		writeError(w, http.StatusBadRequest, msgOriginTaken)
	default:
		s.metrics.RecordRegistration(registrationError)
		s.logger.Error(r.Context(), "registration failed", "error", err)
		writeError(w, http.StatusInternalServerError, msgServerError)
	}
}

// LoginHandler serves POST /api/auth/login
func (s *Server) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req protocol.CredentialsRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidBody)
		return
	}

	user, err := s.creds.Verify(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			reason := authReasonWrongPassword
			if errors.Is(err, auth.ErrUserNotFound) {
				reason = authReasonUserNotFound
			}
			s.metrics.RecordAuthFailure(reason)
			s.logger.Info(r.Context(), "login failed", "user", req.Username, "reason", reason)
			writeError(w, http.StatusUnauthorized, msgBadCredentials)
			return
		}
		s.logger.Error(r.Context(), "login failed", "error", err)
		writeError(w, http.StatusInternalServerError, msgServerError)
		return
	}

	token, err := s.issuer.Issue(user.Username)
	if err != nil {
		s.logger.Error(r.Context(), "failed to issue token", "error", err)
		writeError(w, http.StatusInternalServerError, msgServerError)
		return
	}

	writeJSON(w, http.StatusOK, protocol.LoginResponse{Token: token, Username: user.Username})
}

// CheckHandler serves POST /api/auth/check
func (s *Server) CheckHandler(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, msgMissingToken)
		return
	}

	username, err := s.issuer.Verify(token)
	if err != nil {
		writeError(w, http.StatusForbidden, msgInvalidToken)
		return
	}

	writeJSON(w, http.StatusOK, protocol.CheckResponse{Username: username})
}

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.HealthResponse{
		Status:        "ok",
		Timestamp:     time.Now().UTC(),
		OnlineUsers:   s.registry.Len(),
		Messages:      s.messages.Len(),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	})
}

// corsMiddleware allows any origin to call the API and answers preflight
// requests directly.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the registration origin marker for r: the remote IP, or
// the first X-Forwarded-For entry when proxy headers are trusted.
func (s *Server) clientIP(r *http.Request) string {
	if s.config.TrustProxyHeaders {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: message})
}
