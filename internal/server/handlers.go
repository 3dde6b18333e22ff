package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/txn2/dm-dispatch/pkg/audit"
	"github.com/txn2/dm-dispatch/pkg/bot"
	"github.com/txn2/dm-dispatch/pkg/dispatch"
	"github.com/txn2/dm-dispatch/pkg/results"
	"github.com/txn2/dm-dispatch/pkg/session"
)

// response is the JSON envelope shared by all API endpoints.
type response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// loginRequest is the login payload.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// messageRequest is the batch send payload. DelayRange optionally
// overrides the configured [min, max] inter-message delay in seconds.
type messageRequest struct {
	Usernames  []string `json:"usernames"`
	Message    string   `json:"message"`
	DelayRange []int    `json:"delay_range,omitempty"`
}

// uploadRequest carries a raw target list, one username per line.
type uploadRequest struct {
	Usernames string `json:"usernames"`
}

// statusData reports the caller's session state.
type statusData struct {
	IsLoggedIn   bool   `json:"is_logged_in"`
	Username     string `json:"username,omitempty"`
	LastActivity string `json:"last_activity,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	inst, err := s.platform.Authenticator.Login(r.Context(), bot.Credentials{
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		s.auditEvent(r, audit.ActionLogin, "", req.Username, false, err.Error(), start)
		switch {
		case errors.Is(err, bot.ErrInvalidCredentials):
			writeError(w, http.StatusUnauthorized, "Invalid credentials. Please check your username and password.")
		case errors.Is(err, bot.ErrChallengeRequired):
			writeError(w, http.StatusBadRequest, "Challenge required. Please verify your account on the platform.")
		case errors.Is(err, bot.ErrRateLimited):
			writeError(w, http.StatusTooManyRequests, "Too many login attempts. Please try again later.")
		default:
			slog.Error("server: login failed", "username", req.Username, "error", err)
			writeError(w, http.StatusInternalServerError, "Login failed")
		}
		return
	}

	id, err := s.platform.Registry.Create(r.Context(), req.Username, inst)
	if err != nil {
		// The instance is ours until a record owns it.
		if relErr := inst.Release(r.Context()); relErr != nil {
			slog.Warn("server: releasing unbound instance failed", "error", relErr)
		}
		slog.Error("server: creating session failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Login failed")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(s.platform.Registry.Timeout().Seconds()),
	})

	s.auditEvent(r, audit.ActionLogin, id, req.Username, true, "", start)
	writeJSON(w, http.StatusOK, response{
		Success: true,
		Message: "Successfully logged in!",
		Data: map[string]any{
			"session_id": id,
			"username":   req.Username,
		},
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := sessionID(r)

	removed := false
	if id != "" {
		var err error
		removed, err = s.platform.Registry.Delete(r.Context(), id)
		if err != nil {
			slog.Error("server: logout failed", "error", err)
			writeError(w, http.StatusInternalServerError, "Logout failed")
			return
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})

	s.auditEvent(r, audit.ActionLogout, id, "", removed, "", start)
	writeJSON(w, http.StatusOK, response{
		Success: true,
		Message: "Successfully logged out!",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.platform.Registry.Resolve(r.Context(), sessionID(r))
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			slog.Error("server: status lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, "Error checking session")
			return
		}
		// Absent and expired look identical to the caller.
		writeJSON(w, http.StatusOK, response{
			Success: true,
			Message: "Not logged in",
			Data:    statusData{IsLoggedIn: false},
		})
		return
	}

	writeJSON(w, http.StatusOK, response{
		Success: true,
		Message: "Logged in",
		Data: statusData{
			IsLoggedIn:   true,
			Username:     rec.Owner,
			LastActivity: rec.LastActiveAt.UTC().Format(time.RFC3339),
		},
	})
}

func (s *Server) handleSendMessages(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	dreq := dispatch.Request{
		SessionID: sessionID(r),
		Targets:   req.Usernames,
		Text:      req.Message,
	}
	if len(req.DelayRange) == 2 {
		dreq.Delay = &bot.DelayPolicy{
			Min: time.Duration(req.DelayRange[0]) * time.Second,
			Max: time.Duration(req.DelayRange[1]) * time.Second,
		}
	}

	batch, err := s.platform.Dispatcher.Send(r.Context(), dreq)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			writeError(w, http.StatusUnauthorized, "Not logged in. Please login first.")
		case errors.Is(err, session.ErrBusy):
			writeError(w, http.StatusConflict, "A send is already in progress for this session.")
		case errors.Is(err, dispatch.ErrNoTargets):
			writeError(w, http.StatusBadRequest, "No usernames provided")
		case errors.Is(err, dispatch.ErrEmptyMessage):
			writeError(w, http.StatusBadRequest, "Message cannot be empty")
		default:
			slog.Error("server: send failed", "error", err)
			writeError(w, http.StatusInternalServerError, "Error sending messages")
		}
		return
	}

	writeJSON(w, http.StatusOK, response{
		Success: true,
		Message: sendSummary(batch),
		Data: map[string]any{
			"job_id":     batch.JobID,
			"total":      batch.TotalUsers,
			"successful": batch.Successful,
			"failed":     batch.Failed,
			"results":    batch.Results,
		},
	})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	rec, err := s.platform.Registry.Resolve(r.Context(), sessionID(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Not logged in. Please login first.")
		return
	}

	batch, err := s.platform.Results.Load(rec.Owner)
	if err != nil {
		slog.Error("server: reading results failed", "owner", rec.Owner, "error", err)
		writeError(w, http.StatusInternalServerError, "Error reading results")
		return
	}
	if batch == nil {
		writeJSON(w, http.StatusOK, response{Success: true, Message: "No results found"})
		return
	}

	writeJSON(w, http.StatusOK, response{Success: true, Message: "Latest results", Data: batch})
}

func (s *Server) handleUploadUsernames(w http.ResponseWriter, r *http.Request) {
	if _, err := s.platform.Registry.Resolve(r.Context(), sessionID(r)); err != nil {
		writeError(w, http.StatusUnauthorized, "Not logged in. Please login first.")
		return
	}

	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	targets := results.ParseTargets(req.Usernames)
	if len(targets) == 0 {
		writeError(w, http.StatusBadRequest, "No valid usernames found")
		return
	}

	writeJSON(w, http.StatusOK, response{
		Success: true,
		Message: "Usernames parsed",
		Data: map[string]any{
			"count":     len(targets),
			"usernames": targets,
		},
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	infos, err := s.platform.Registry.ListAll(r.Context())
	if err != nil {
		slog.Error("server: listing sessions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Error listing sessions")
		return
	}

	s.auditEvent(r, audit.ActionAdminList, "", "", true, "", start)
	writeJSON(w, http.StatusOK, response{
		Success: true,
		Message: "Active sessions",
		Data: map[string]any{
			"active_sessions": len(infos),
			"sessions":        infos,
		},
	})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	removed, err := s.platform.Registry.SweepExpired(r.Context(), time.Now())
	if err != nil {
		slog.Error("server: sweep failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Sweep failed")
		return
	}

	s.auditEvent(r, audit.ActionSweep, "", "", true, "", start)
	writeJSON(w, http.StatusOK, response{
		Success: true,
		Message: "Sweep complete",
		Data:    map[string]any{"removed": removed},
	})
}

// auditEvent records one event for an API action. No-op without an
// audit backend.
func (s *Server) auditEvent(r *http.Request, action audit.Action, sessionID, owner string, success bool, errMsg string, start time.Time) {
	auditor := s.platform.Auditor
	if auditor == nil {
		return
	}
	event := audit.NewEvent(action).
		WithSession(sessionID, owner).
		WithRequestID(RequestID(r.Context())).
		WithResult(success, errMsg, time.Since(start).Milliseconds())
	if err := auditor.Log(r.Context(), *event); err != nil {
		slog.Warn("server: audit log failed", "action", string(action), "error", err)
	}
}

func sendSummary(batch *results.Batch) string {
	return fmt.Sprintf("Messages sent! Success: %d, Failed: %d", batch.Successful, batch.Failed)
}

func writeJSON(w http.ResponseWriter, code int, v response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, response{Success: false, Message: msg})
}
