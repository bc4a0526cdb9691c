package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/goodtune/storyguard/internal/agent"
	"github.com/goodtune/storyguard/internal/lifecycle"
	"github.com/goodtune/storyguard/internal/usage"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// StatusResponse describes the guard as the reader UI renders it.
type StatusResponse struct {
	UserID       string `json:"user_id"`
	State        string `json:"state"`
	RemainingMS  int64  `json:"remaining_ms"`
	Display      string `json:"display"`
	Lifecycle    string `json:"lifecycle,omitempty"`
	CachedAssets int    `json:"cached_assets"`
}

// LoginRequest is the body of POST /v1/session/login.
type LoginRequest struct {
	UserID string `json:"user_id"`
}

// LifecycleRequest is the body of POST /v1/lifecycle.
type LifecycleRequest struct {
	State string `json:"state"`
}

// WarmRequest is the body of POST /v1/assets/warm.
type WarmRequest struct {
	URLs []string `json:"urls"`
}

// ResolveResponse is returned by GET /v1/assets/resolve.
type ResolveResponse struct {
	URL    string `json:"url"`
	Path   string `json:"path"`
	Cached bool   `json:"cached"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toStatusResponse(s.agent.Status()))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}

	if _, err := s.agent.Login(r.Context(), req.UserID); err != nil {
		s.logger.Error().Err(err).Str("user_id", req.UserID).Msg("Login failed")
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, toStatusResponse(s.agent.Status()))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.agent.Logout(r.Context())
	writeJSON(w, http.StatusOK, toStatusResponse(s.agent.Status()))
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if _, err := s.agent.Restart(r.Context()); err != nil {
		if errors.Is(err, agent.ErrNoUser) {
			writeError(w, http.StatusConflict, "no_user", "A user must be logged in to start a new session")
			return
		}
		s.logger.Error().Err(err).Msg("Restart failed")
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, toStatusResponse(s.agent.Status()))
}

func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	var req LifecycleRequest
	if !decodeBody(w, r, &req) {
		return
	}

	state, err := lifecycle.Parse(req.State)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_state", err.Error())
		return
	}

	changed := s.agent.Lifecycle(state)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":   string(state),
		"changed": changed,
		"status":  toStatusResponse(s.agent.Status()),
	})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	remoteURL := r.URL.Query().Get("url")
	if remoteURL == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "url query parameter is required")
		return
	}

	path, cached := s.agent.Resolve(remoteURL)
	writeJSON(w, http.StatusOK, ResolveResponse{URL: remoteURL, Path: path, Cached: cached})
}

func (s *Server) handleWarm(w http.ResponseWriter, r *http.Request) {
	var req WarmRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "urls must not be empty")
		return
	}

	requestID := RequestID(r.Context())
	urls := req.URLs
	s.goBackground(func(ctx context.Context) {
		report := s.agent.Warm(ctx, urls)
		s.logger.Info().
			Str("request_id", requestID).
			Int("downloaded", report.Downloaded).
			Int("failed", report.Failed).
			Msg("Requested warm pass finished")
	})

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted":   len(urls),
		"request_id": requestID,
	})
}

func (s *Server) handleReloadPolicy(w http.ResponseWriter, r *http.Request) {
	s.logger.Info().Msg("Manual policy reload requested")

	if err := s.config.Policy.Reload(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to reload budget policy")
		writeError(w, http.StatusInternalServerError, "server_error", "Failed to reload policy: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Budget policy reloaded",
	})
}

func toStatusResponse(st agent.Status) StatusResponse {
	return StatusResponse{
		UserID:       st.UserID,
		State:        st.State.String(),
		RemainingMS:  st.Remaining.Milliseconds(),
		Display:      displayOf(st.Status),
		Lifecycle:    string(st.Lifecycle),
		CachedAssets: st.CachedAssets,
	}
}

func displayOf(st usage.Status) string {
	if st.State == usage.StateUninitialized {
		return ""
	}
	return st.Display
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"server_error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, ErrorResponse{Error: code, Message: message})
}
