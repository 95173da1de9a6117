// Package web serves the browser-facing HTTP and WebSocket API.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pontis-dev/pontis/internal/bridge"
	"github.com/pontis-dev/pontis/internal/config"
	"github.com/pontis-dev/pontis/internal/schedule"
)

// ProcessStarter launches the backend CLI process for a session.
type ProcessStarter interface {
	StartProcess(session *bridge.Session, dir string) error
}

// Server exposes the session bridge over HTTP and WebSocket.
type Server struct {
	cfg      config.WebConfig
	registry *bridge.Registry
	store    bridge.Store
	sched    *schedule.Scheduler
	starter  ProcessStarter
	upgrader websocket.Upgrader
	httpSrv  *http.Server
	log      *slog.Logger
}

// NewServer builds a server. The scheduler and store may be nil; the related
// endpoints then report empty results.
func NewServer(cfg config.WebConfig, registry *bridge.Registry, st bridge.Store, sched *schedule.Scheduler, starter ProcessStarter, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		registry: registry,
		store:    st,
		sched:    sched,
		starter:  starter,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The API is token-guarded; cross-origin browser clients are
			// expected.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	return s
}

// Handler returns the server's routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/sessions", s.auth(s.handleListSessions))
	mux.HandleFunc("POST /api/sessions", s.auth(s.handleCreateSession))
	mux.HandleFunc("GET /api/sessions/{id}", s.auth(s.handleGetSession))
	mux.HandleFunc("DELETE /api/sessions/{id}", s.auth(s.handleDeleteSession))
	mux.HandleFunc("GET /api/sessions/{id}/permissions", s.auth(s.handlePermissions))
	mux.HandleFunc("GET /api/sessions/{id}/ws", s.auth(s.handleSessionWS))
	mux.HandleFunc("GET /api/runs", s.auth(s.handleListRuns))
	mux.HandleFunc("POST /api/runs/{name}/trigger", s.auth(s.handleTriggerRun))
	return mux
}

// Start begins serving and blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("listening", "addr", addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// auth enforces the configured bearer token. WebSocket clients may pass the
// token as a query parameter because browsers cannot set headers on upgrade
// requests.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got == "" {
				got = r.URL.Query().Get("token")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sessionSummary is the REST representation of a session.
type sessionSummary struct {
	ID        string       `json:"id"`
	Backend   string       `json:"backend"`
	Title     string       `json:"title,omitempty"`
	State     bridge.State `json:"state"`
	Connected bool         `json:"cli_connected"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at,omitempty"`
}

func summarize(sess *bridge.Session) sessionSummary {
	return sessionSummary{
		ID:        sess.ID,
		Backend:   sess.Backend,
		Title:     sess.Title(),
		State:     sess.StateSnapshot(),
		Connected: sess.Connected(),
		CreatedAt: sess.CreatedAt,
	}
}

// handleListSessions merges persisted sessions with live state. A session
// known only to the store shows up as disconnected.
func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	seen := make(map[string]bool)
	summaries := []sessionSummary{}
	for _, sess := range s.registry.List() {
		summaries = append(summaries, summarize(sess))
		seen[sess.ID] = true
	}
	if s.store != nil {
		snaps, err := s.store.ListSessions()
		if err != nil {
			s.log.Warn("failed to list stored sessions", "error", err)
		}
		for _, snap := range snaps {
			if seen[snap.ID] {
				continue
			}
			summaries = append(summaries, sessionSummary{
				ID:        snap.ID,
				Backend:   snap.Backend,
				Title:     snap.Title,
				State:     snap.State,
				CreatedAt: snap.CreatedAt,
				UpdatedAt: snap.UpdatedAt,
			})
		}
	}
	writeJSON(w, http.StatusOK, summaries)
}

type createSessionRequest struct {
	Backend    string `json:"backend"`
	WorkingDir string `json:"working_dir"`
	Start      bool   `json:"start,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess, err := s.registry.Create(req.Backend, req.WorkingDir)
	if err != nil {
		switch {
		case errors.Is(err, bridge.ErrUnknownBackend):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, bridge.ErrTooManySessions):
			writeError(w, http.StatusTooManyRequests, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	if req.Start {
		if err := s.starter.StartProcess(sess, req.WorkingDir); err != nil {
			s.log.Error("failed to start backend", "session_id", sess.ID, "error", err)
			writeError(w, http.StatusBadGateway, "session created but backend failed to start: "+err.Error())
			return
		}
	}
	writeJSON(w, http.StatusCreated, summarize(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Resume(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, summarize(sess))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Delete(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess.PendingPermissions())
}

func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	if s.sched == nil {
		writeJSON(w, http.StatusOK, []schedule.Run{})
		return
	}
	writeJSON(w, http.StatusOK, s.sched.Runs())
}

func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeError(w, http.StatusNotFound, "scheduling is not configured")
		return
	}
	if err := s.sched.Trigger(r.PathValue("name")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
