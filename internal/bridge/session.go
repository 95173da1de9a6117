package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pontis-dev/pontis/internal/guard"
	"github.com/pontis-dev/pontis/internal/logging"
	"github.com/pontis-dev/pontis/internal/metrics"
)

// Backend kinds a session can run. The web and schedule layers validate
// against this set before reaching the registry.
const (
	BackendClaude = "claude"
	BackendCodex  = "codex"
)

// KnownBackend reports whether kind names a supported backend family.
func KnownBackend(kind string) bool {
	return kind == BackendClaude || kind == BackendCodex
}

// State is the mutable shadow of agent-reported session metadata. Fields are
// overwritten last-write-wins on each upstream update.
type State struct {
	Model          string  `json:"model,omitempty"`
	WorkingDir     string  `json:"working_dir,omitempty"`
	PermissionMode string  `json:"permission_mode,omitempty"`
	TotalCostUSD   float64 `json:"total_cost_usd,omitempty"`
	NumTurns       int     `json:"num_turns,omitempty"`
	GitBranch      string  `json:"git_branch,omitempty"`
	GitDirtyFiles  int     `json:"git_dirty_files,omitempty"`
	GitAhead       int     `json:"git_ahead,omitempty"`
	GitBehind      int     `json:"git_behind,omitempty"`
}

// StatePatch carries a partial state update; nil fields leave the previous
// value untouched.
type StatePatch struct {
	Model          *string  `json:"model,omitempty"`
	WorkingDir     *string  `json:"working_dir,omitempty"`
	PermissionMode *string  `json:"permission_mode,omitempty"`
	TotalCostUSD   *float64 `json:"total_cost_usd,omitempty"`
	NumTurns       *int     `json:"num_turns,omitempty"`
}

func (s *State) apply(p StatePatch) {
	if p.Model != nil {
		s.Model = *p.Model
	}
	if p.WorkingDir != nil {
		s.WorkingDir = *p.WorkingDir
	}
	if p.PermissionMode != nil {
		s.PermissionMode = *p.PermissionMode
	}
	if p.TotalCostUSD != nil {
		s.TotalCostUSD = *p.TotalCostUSD
	}
	if p.NumTurns != nil {
		s.NumTurns = *p.NumTurns
	}
}

// GitInfo is the git status attached to session state by the refresher.
type GitInfo struct {
	Branch     string
	DirtyFiles int
	Ahead      int
	Behind     int
}

// GitRefresher reads git status for a working directory. Best-effort; an
// error leaves the session's prior git fields untouched.
type GitRefresher interface {
	Refresh(dir string) (GitInfo, error)
}

// Namer derives a short session title from the first user message.
// Best-effort, consulted once per session lifetime.
type Namer interface {
	SuggestTitle(ctx context.Context, firstUserMessage string) (string, error)
}

// SessionSnapshot is the durable image of a session's serializable fields.
type SessionSnapshot struct {
	ID               string
	Backend          string
	Title            string
	FirstUserMessage string
	TitleRequested   bool
	State            State
	NextSeq          int64
	LastAckSeq       int64
	DedupIDs         []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HistoryEntry is one chat-visible event in the durable message history.
type HistoryEntry struct {
	Seq       int64           `json:"seq"`
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Store persists sessions and their message history. Implementations must be
// safe for concurrent use; SaveSession is idempotent.
type Store interface {
	SaveSession(snap SessionSnapshot) error
	LoadSession(id string) (SessionSnapshot, error)
	ListSessions() ([]SessionSnapshot, error)
	DeleteSession(id string) error
	AppendHistory(sessionID string, entry HistoryEntry) error
	History(sessionID string) ([]HistoryEntry, error)
}

// BrowserConn is one downstream browser connection. Send must not block the
// caller; a failed send is isolated to that connection.
type BrowserConn interface {
	ID() string
	Send(ev Event) error
}

// connState tracks per-connection subscription and ack progress.
type connState struct {
	conn       BrowserConn
	subscribed bool
	lastAckSeq int64
}

// Session is the broker for one agent conversation: the single upstream
// connection, the set of browser connections, sequencing, dedup and the
// permission pipeline. All mutable fields are guarded by mu; transport code
// only calls exported broker operations.
type Session struct {
	ID        string
	Backend   string
	CreatedAt time.Time

	mu         sync.Mutex
	title      string
	state      State
	upstream   Upstream
	generation uint64
	conns      map[string]*connState
	seq        *Sequencer
	dedup      *Dedup
	lastAckSeq int64
	closed     bool

	pendingPermissions map[string]*PermissionRequest
	pendingControl     map[string]chan ControlResult
	pendingOutbound    [][]byte

	firstUserMessage string
	titleRequested   bool

	store Store
	git   GitRefresher
	namer Namer

	validator   guard.Validator
	autoApprove bool
	autoDeny    bool

	log *slog.Logger
}

func newSession(snap SessionSnapshot, opts Options) *Session {
	s := &Session{
		ID:                 snap.ID,
		Backend:            snap.Backend,
		CreatedAt:          snap.CreatedAt,
		title:              snap.Title,
		state:              snap.State,
		conns:              make(map[string]*connState),
		lastAckSeq:         snap.LastAckSeq,
		pendingPermissions: make(map[string]*PermissionRequest),
		pendingControl:     make(map[string]chan ControlResult),
		firstUserMessage:   snap.FirstUserMessage,
		titleRequested:     snap.TitleRequested,
		store:              opts.Store,
		git:                opts.Git,
		namer:              opts.Namer,
		validator:          opts.Validator,
		autoApprove:        opts.AutoApprove,
		autoDeny:           opts.AutoDeny,
		log:                logging.WithSession(opts.Logger, snap.ID, snap.Backend),
	}
	s.seq = NewSequencer(snap.NextSeq, opts.EventBuffer, s.markDirtyLocked)
	s.dedup = NewDedup(opts.DedupLimit, s.markDirtyLocked)
	s.dedup.Restore(snap.DedupIDs)
	return s
}

// Title returns the session's current title.
func (s *Session) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.title
}

// Connected reports whether a backend process is attached.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstream != nil
}

// StateSnapshot returns a copy of the session's current state.
func (s *Session) StateSnapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// snapshotLocked captures the serializable fields for persistence.
func (s *Session) snapshotLocked() SessionSnapshot {
	return SessionSnapshot{
		ID:               s.ID,
		Backend:          s.Backend,
		Title:            s.title,
		FirstUserMessage: s.firstUserMessage,
		TitleRequested:   s.titleRequested,
		State:            s.state,
		NextSeq:          s.seq.Next(),
		LastAckSeq:       s.lastAckSeq,
		DedupIDs:         s.dedup.Snapshot(),
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        time.Now().UTC(),
	}
}

// markDirtyLocked schedules a durable save of the session. The snapshot is
// taken under the lock; the store call runs off the broker path because the
// store may be slow.
func (s *Session) markDirtyLocked() {
	if s.store == nil {
		return
	}
	snap := s.snapshotLocked()
	go func() {
		if err := s.store.SaveSession(snap); err != nil {
			s.log.Warn("failed to persist session", "error", err)
		}
	}()
}

// broadcastLocked sequences ev and delivers it to every subscribed browser
// connection. A failure on one connection is logged and does not affect the
// others.
func (s *Session) broadcastLocked(ev Event) Event {
	sequenced := s.seq.Sequence(ev)
	metrics.EventsSequenced.Inc()
	for _, cs := range s.conns {
		if !cs.subscribed {
			continue
		}
		if err := cs.conn.Send(sequenced); err != nil {
			s.log.Warn("failed to send event to client",
				"client_id", cs.conn.ID(), "type", sequenced.Type, "error", err)
		}
	}
	return sequenced
}

// recordAndBroadcastLocked broadcasts ev and, when it is history-backed,
// appends it to the durable message history under the seq it was assigned.
func (s *Session) recordAndBroadcastLocked(ev Event) {
	sequenced := s.broadcastLocked(ev)
	if !sequenced.IsHistoryBacked() || s.store == nil {
		return
	}
	entry := HistoryEntry{
		Seq:       sequenced.Seq,
		Type:      sequenced.Type,
		Data:      sequenced.Data,
		Timestamp: sequenced.Timestamp,
	}
	if err := s.store.AppendHistory(s.ID, entry); err != nil {
		s.log.Warn("failed to append message history", "seq", entry.Seq, "error", err)
	}
}

// AddConn registers a browser connection. The connection receives no events
// until it subscribes.
func (s *Session) AddConn(conn BrowserConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn.ID()] = &connState{conn: conn}
	metrics.ConnectedClients.Inc()
	s.log.Debug("client connected", "client_id", conn.ID(), "clients", len(s.conns))
}

// RemoveConn drops a browser connection from the session.
func (s *Session) RemoveConn(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[connID]; !ok {
		return
	}
	delete(s.conns, connID)
	metrics.ConnectedClients.Dec()
	s.log.Debug("client disconnected", "client_id", connID, "clients", len(s.conns))
}

// HandleCommand applies a client-originated command. Commands carrying a
// client message id are deduplicated; a duplicate is dropped silently. With
// no upstream attached the raw command is queued and flushed on attach.
func (s *Session) HandleCommand(clientMsgID string, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if clientMsgID != "" {
		if s.dedup.IsDuplicate(clientMsgID) {
			metrics.DuplicateCommands.Inc()
			s.log.Debug("dropping duplicate client command", "client_msg_id", clientMsgID)
			return
		}
		s.dedup.Remember(clientMsgID)
	}

	if s.upstream == nil {
		s.pendingOutbound = append(s.pendingOutbound, raw)
		s.log.Debug("queued command while upstream detached",
			"queued", len(s.pendingOutbound))
		return
	}
	if err := s.upstream.Send(raw); err != nil {
		s.log.Warn("failed to forward command upstream", "error", err)
	}
}

// refreshGitInfo re-reads git status for the session's working directory and
// broadcasts a session_update when anything changed. Best-effort.
func (s *Session) refreshGitInfo() {
	s.mu.Lock()
	dir := s.state.WorkingDir
	s.mu.Unlock()
	if s.git == nil || dir == "" {
		return
	}
	info, err := s.git.Refresh(dir)
	if err != nil {
		s.log.Debug("git refresh failed", "dir", dir, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	changed := s.state.GitBranch != info.Branch ||
		s.state.GitDirtyFiles != info.DirtyFiles ||
		s.state.GitAhead != info.Ahead ||
		s.state.GitBehind != info.Behind
	s.state.GitBranch = info.Branch
	s.state.GitDirtyFiles = info.DirtyFiles
	s.state.GitAhead = info.Ahead
	s.state.GitBehind = info.Behind
	if changed {
		s.broadcastLocked(NewEvent(EventSessionUpdate, s.state))
		s.markDirtyLocked()
	}
}

// maybeRequestTitle derives a session title from the first user message the
// first time a non-error result completes. Runs the namer off the broker
// path; failure leaves the session untitled.
func (s *Session) maybeRequestTitle() {
	s.mu.Lock()
	if s.titleRequested || s.namer == nil || s.firstUserMessage == "" {
		s.mu.Unlock()
		return
	}
	s.titleRequested = true
	message := s.firstUserMessage
	s.markDirtyLocked()
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		title, err := s.namer.SuggestTitle(ctx, message)
		if err != nil || strings.TrimSpace(title) == "" {
			s.log.Debug("title suggestion failed", "error", err)
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		s.title = strings.TrimSpace(title)
		s.broadcastLocked(NewEvent(EventSessionUpdate, map[string]string{"title": s.title}))
		s.markDirtyLocked()
	}()
}

// Close tears the session down: detaches the upstream, cancels pending work
// and drops all browser connections. The durable record is left intact.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	if s.upstream != nil {
		if err := s.upstream.Close(); err != nil {
			s.log.Debug("upstream close failed", "error", err)
		}
		s.upstream = nil
	}
	s.cancelPendingPermissionsLocked("session_closed")
	s.failPendingControlLocked("session closed")
	for id := range s.conns {
		delete(s.conns, id)
		metrics.ConnectedClients.Dec()
	}
	s.markDirtyLocked()
}
