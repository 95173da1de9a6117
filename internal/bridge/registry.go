package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pontis-dev/pontis/internal/guard"
	"github.com/pontis-dev/pontis/internal/metrics"
)

var (
	// ErrSessionNotFound is returned when a session id is unknown.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTooManySessions is returned when the registry is at capacity.
	ErrTooManySessions = errors.New("too many sessions")
	// ErrUnknownBackend is returned for a backend kind outside the supported
	// set.
	ErrUnknownBackend = errors.New("unknown backend kind")
)

// Options configures the registry and the sessions it creates.
type Options struct {
	Store       Store
	Git         GitRefresher
	Namer       Namer
	Validator   guard.Validator
	AutoApprove bool
	AutoDeny    bool
	EventBuffer int
	DedupLimit  int
	MaxSessions int
	Logger      *slog.Logger
}

// Registry owns every live session. It is created at process start, passed
// explicitly to transport handlers, and torn down on shutdown via CloseAll.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	opts     Options
	log      *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.EventBuffer < 1 {
		opts.EventBuffer = 256
	}
	if opts.DedupLimit < 1 {
		opts.DedupLimit = 1000
	}
	if opts.MaxSessions < 1 {
		opts.MaxSessions = 32
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		opts:     opts,
		log:      opts.Logger,
	}
}

// Create makes a new session for the given backend kind and working
// directory and persists its initial record.
func (r *Registry) Create(backendKind, workingDir string) (*Session, error) {
	if !KnownBackend(backendKind) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backendKind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) >= r.opts.MaxSessions {
		return nil, ErrTooManySessions
	}

	snap := SessionSnapshot{
		ID:        uuid.NewString(),
		Backend:   backendKind,
		State:     State{WorkingDir: workingDir},
		NextSeq:   1,
		CreatedAt: time.Now().UTC(),
	}
	s := newSession(snap, r.opts)
	r.sessions[s.ID] = s
	metrics.ActiveSessions.Set(float64(len(r.sessions)))
	r.log.Info("session created", "session_id", s.ID, "backend", backendKind, "dir", workingDir)

	if r.opts.Store != nil {
		snap.UpdatedAt = snap.CreatedAt
		if err := r.opts.Store.SaveSession(snap); err != nil {
			r.log.Warn("failed to persist new session", "session_id", s.ID, "error", err)
		}
	}
	return s, nil
}

// Resume rebuilds a session from its durable record. The sequencer baseline
// continues from the persisted next sequence number so replay clients never
// see a repeated seq.
func (r *Registry) Resume(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		return s, nil
	}
	if len(r.sessions) >= r.opts.MaxSessions {
		return nil, ErrTooManySessions
	}
	if r.opts.Store == nil {
		return nil, ErrSessionNotFound
	}

	snap, err := r.opts.Store.LoadSession(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	s := newSession(snap, r.opts)
	r.sessions[s.ID] = s
	metrics.ActiveSessions.Set(float64(len(r.sessions)))
	r.log.Info("session resumed", "session_id", s.ID, "backend", s.Backend, "next_seq", snap.NextSeq)
	return s, nil
}

// Get returns the live session with the given id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// List returns all live sessions.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Delete closes a session and removes its durable record.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		metrics.ActiveSessions.Set(float64(len(r.sessions)))
	}
	r.mu.Unlock()

	if ok {
		s.Close()
	}
	if r.opts.Store != nil {
		if err := r.opts.Store.DeleteSession(id); err != nil {
			return fmt.Errorf("failed to delete session %s: %w", id, err)
		}
	} else if !ok {
		return ErrSessionNotFound
	}
	r.log.Info("session deleted", "session_id", id)
	return nil
}

// CloseAll tears down every live session. Used on process shutdown; durable
// records are kept for later resume.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	metrics.ActiveSessions.Set(0)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
