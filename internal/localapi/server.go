package localapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"stagehand/host/internal/historydb"
	"stagehand/host/internal/journal"
	"stagehand/host/internal/session"
	"stagehand/host/internal/valstatus"
)

// HostAPI is the slice of the orchestrator the HTTP layer needs.
type HostAPI interface {
	Sessions() []session.Session
	Status(sessionID string, wait bool, timeout time.Duration) (valstatus.Status, bool)
	RequestScreenshot(sessionID string) (int, bool)
	JournalTail(sessionID string, limit int) ([]journal.Entry, bool, error)
	History(sessionID string, limit int) ([]historydb.Outcome, error)
	Close(sessionID string) bool
}

type Deps struct {
	Host HostAPI
	// WS handles /ws/view/ upgrades (the connection hub).
	WS http.Handler
	// DefaultWaitTimeout bounds ?wait=1 status queries with no explicit
	// timeout.
	DefaultWaitTimeout time.Duration
}

const maxWaitTimeout = 30 * time.Second

type Server struct {
	deps Deps
	mux  *http.ServeMux
}

func NewServer(deps Deps) *Server {
	if deps.DefaultWaitTimeout <= 0 {
		deps.DefaultWaitTimeout = 2 * time.Second
	}
	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/api/v1/sessions", s.handleSessions)
	s.mux.HandleFunc("/api/v1/sessions/", s.handleSessionSubroute)
	s.mux.HandleFunc("/api/v1/history", s.handleHistory)
	if deps.WS != nil {
		s.mux.Handle("/ws/view/", deps.WS)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondOK(w, map[string]any{"status": "ok"})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	sessions := s.deps.Host.Sessions()
	out := make([]map[string]any, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, map[string]any{
			"id":         sess.ID,
			"mode":       sess.Mode,
			"url":        sess.URL,
			"created_at": sess.CreatedAt.Unix(),
		})
	}
	respondOK(w, map[string]any{"sessions": out})
}

// handleSessionSubroute dispatches /api/v1/sessions/{id}[/status|/screenshot|/journal].
func (s *Server) handleSessionSubroute(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" {
		respondError(w, http.StatusNotFound, "ROUTE_NOT_FOUND", "session id is required")
		return
	}
	sessionID := parts[0]

	if len(parts) == 1 {
		if r.Method == http.MethodDelete {
			s.handleClose(w, sessionID)
			return
		}
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if len(parts) != 2 {
		respondError(w, http.StatusNotFound, "ROUTE_NOT_FOUND", "unknown session route")
		return
	}

	switch parts[1] {
	case "status":
		if r.Method != http.MethodGet {
			respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
			return
		}
		s.handleStatus(w, r, sessionID)
	case "screenshot":
		if r.Method != http.MethodPost {
			respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
			return
		}
		s.handleScreenshot(w, sessionID)
	case "journal":
		if r.Method != http.MethodGet {
			respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
			return
		}
		s.handleJournal(w, r, sessionID)
	default:
		respondError(w, http.StatusNotFound, "ROUTE_NOT_FOUND", "unknown session route")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, sessionID string) {
	wait := r.URL.Query().Get("wait") == "1" || strings.EqualFold(r.URL.Query().Get("wait"), "true")
	timeout := s.deps.DefaultWaitTimeout
	if raw := r.URL.Query().Get("timeout_ms"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "INVALID_TIMEOUT", "timeout_ms must be a non-negative integer")
			return
		}
		timeout = time.Duration(n) * time.Millisecond
	}
	if timeout > maxWaitTimeout {
		timeout = maxWaitTimeout
	}

	status, found := s.deps.Host.Status(sessionID, wait, timeout)
	if !found {
		respondError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "no such session: "+sessionID)
		return
	}
	respondOK(w, map[string]any{
		"exists":  !status.RecordedAt.IsZero(),
		"pending": status.Pending,
		"counts": map[string]int{
			"error":   status.Counts.Errors,
			"warning": status.Counts.Warnings,
			"info":    status.Counts.Infos,
		},
		"notices": status.Notices,
	})
}

func (s *Server) handleScreenshot(w http.ResponseWriter, sessionID string) {
	viewers, found := s.deps.Host.RequestScreenshot(sessionID)
	if !found {
		respondError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "no such session: "+sessionID)
		return
	}
	respondOK(w, map[string]any{"accepted": viewers > 0, "viewers": viewers})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request, sessionID string) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	entries, found, err := s.deps.Host.JournalTail(sessionID, limit)
	if !found {
		respondError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "no such session: "+sessionID)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "JOURNAL_READ_FAILED", err.Error())
		return
	}
	respondOK(w, map[string]any{"entries": entries})
}

func (s *Server) handleClose(w http.ResponseWriter, sessionID string) {
	if !s.deps.Host.Close(sessionID) {
		respondError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "no such session: "+sessionID)
		return
	}
	respondOK(w, map[string]any{"closed": sessionID})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	outcomes, err := s.deps.Host.History(r.URL.Query().Get("session"), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "HISTORY_READ_FAILED", err.Error())
		return
	}
	out := make([]map[string]any, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, map[string]any{
			"session_id":  o.SessionID,
			"status":      o.Status,
			"error":       o.Error,
			"duration_ms": o.Duration.Milliseconds(),
			"at":          o.At.Unix(),
		})
	}
	respondOK(w, map[string]any{"outcomes": out})
}

func respondOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": data})
}

func respondError(w http.ResponseWriter, code int, errCode string, msg string) {
	writeJSON(w, code, map[string]any{"ok": false, "error": map[string]any{"code": errCode, "message": msg}})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
