package bridge

import (
	"encoding/json"
)

// Upstream is the single backend process connection owned by a session.
// Implementations translate these calls into the backend's native dialect.
type Upstream interface {
	// Send forwards a raw client-originated command to the process.
	Send(raw []byte) error
	// SendControl issues a request/response RPC correlated by id.
	SendControl(id, method string, params json.RawMessage) error
	// RespondPermission answers a permission request. behavior is "allow" or
	// "deny"; updatedInput overrides the tool input on allow.
	RespondPermission(requestID, behavior string, updatedInput json.RawMessage, message string) error
	Close() error
}

// Binding is the callback surface handed to a backend adapter on attach. It
// carries the generation current at attach time; callbacks from a superseded
// adapter are identity-checked against the session's generation and ignored.
type Binding struct {
	session *Session
	gen     uint64
}

// Attach makes u the session's upstream connection, replacing and closing any
// previous one, and flushes commands queued while detached. Returns the
// binding the adapter must deliver its callbacks through.
func (s *Session) Attach(u Upstream) *Binding {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.upstream != nil {
		old := s.upstream
		go func() {
			if err := old.Close(); err != nil {
				s.log.Debug("failed to close replaced upstream", "error", err)
			}
		}()
	}
	s.generation++
	s.upstream = u
	binding := &Binding{session: s, gen: s.generation}

	s.broadcastLocked(NewEvent(EventCLIConnected, map[string]string{"backend": s.Backend}))

	// Flush commands accumulated while no upstream was attached, oldest
	// first. An unparseable entry is skipped, not fatal.
	queued := s.pendingOutbound
	s.pendingOutbound = nil
	for _, raw := range queued {
		if !json.Valid(raw) {
			s.log.Warn("skipping malformed queued command")
			continue
		}
		if err := u.Send(raw); err != nil {
			s.log.Warn("failed to flush queued command upstream", "error", err)
		}
	}
	if len(queued) > 0 {
		s.log.Info("flushed queued commands to upstream", "count", len(queued))
	}
	return binding
}

// currentLocked reports whether the binding still belongs to the session's
// live upstream. Callers hold the session lock.
func (b *Binding) currentLocked() bool {
	return b.session.generation == b.gen && b.session.upstream != nil
}

// EventReceived delivers a backend event into the session: it is sequenced,
// broadcast, and appended to the message history when history-backed.
func (b *Binding) EventReceived(ev Event) {
	s := b.session
	s.mu.Lock()
	if !b.currentLocked() {
		s.mu.Unlock()
		return
	}

	if ev.Type == EventUserMessage && s.firstUserMessage == "" {
		s.firstUserMessage = extractMessageText(ev.Data)
		s.markDirtyLocked()
	}
	s.recordAndBroadcastLocked(ev)

	requestTitle := false
	if ev.Type == EventResult && !resultIsError(ev.Data) {
		requestTitle = true
	}
	s.mu.Unlock()

	if requestTitle {
		s.maybeRequestTitle()
	}
}

// StateUpdated merges an agent-reported metadata update into the session
// state, broadcasts the new state, and kicks off a best-effort git refresh.
func (b *Binding) StateUpdated(patch StatePatch) {
	s := b.session
	s.mu.Lock()
	if !b.currentLocked() {
		s.mu.Unlock()
		return
	}
	s.state.apply(patch)
	s.broadcastLocked(NewEvent(EventSessionUpdate, s.state))
	s.markDirtyLocked()
	s.mu.Unlock()

	go s.refreshGitInfo()
}

// PermissionRequested feeds a tool-use permission request into the pipeline.
func (b *Binding) PermissionRequested(req PermissionRequest) {
	b.session.handlePermissionRequest(b.gen, req)
}

// ControlResponded resolves the in-flight control RPC correlated by id. An
// unknown id is ignored.
func (b *Binding) ControlResponded(id string, result json.RawMessage, errMsg string) {
	s := b.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if !b.currentLocked() {
		return
	}
	s.resolvePendingControlLocked(id, result, errMsg)
}

// Disconnected reports that the adapter's connection to the process is gone.
// If a newer adapter has already replaced this one the notification is
// ignored; otherwise pending permissions are cancelled, in-flight control
// RPCs are failed, and browsers are notified.
func (b *Binding) Disconnected(reason string) {
	s := b.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != b.gen {
		s.log.Debug("ignoring disconnect from superseded upstream", "generation", b.gen)
		return
	}
	s.upstream = nil
	s.cancelPendingPermissionsLocked("cli_disconnected")
	s.failPendingControlLocked("cli disconnected")
	payload := map[string]string{}
	if reason != "" {
		payload["reason"] = reason
	}
	s.broadcastLocked(NewEvent(EventCLIDisconnected, payload))
	s.log.Info("upstream disconnected", "reason", reason)
}

// extractMessageText pulls display text out of a user_message payload,
// falling back to the raw JSON when no known field is present.
func extractMessageText(data json.RawMessage) string {
	var payload struct {
		Text    string `json:"text"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		if payload.Text != "" {
			return payload.Text
		}
		if payload.Content != "" {
			return payload.Content
		}
	}
	return string(data)
}

func resultIsError(data json.RawMessage) bool {
	var payload struct {
		IsError bool `json:"is_error"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return false
	}
	return payload.IsError
}
