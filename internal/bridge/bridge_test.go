package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pontis-dev/pontis/internal/guard"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	events []Event
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeConn) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *fakeConn) EventsOfType(t EventType) []Event {
	var out []Event
	for _, ev := range c.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type permissionCall struct {
	requestID string
	behavior  string
	input     json.RawMessage
	message   string
}

type controlCall struct {
	id     string
	method string
	params json.RawMessage
}

type fakeUpstream struct {
	mu          sync.Mutex
	sent        [][]byte
	controls    []controlCall
	permissions []permissionCall
	closed      bool
	sendErr     error
}

func (u *fakeUpstream) Send(raw []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.sendErr != nil {
		return u.sendErr
	}
	u.sent = append(u.sent, raw)
	return nil
}

func (u *fakeUpstream) SendControl(id, method string, params json.RawMessage) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.controls = append(u.controls, controlCall{id: id, method: method, params: params})
	return nil
}

func (u *fakeUpstream) RespondPermission(requestID, behavior string, updatedInput json.RawMessage, message string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.permissions = append(u.permissions, permissionCall{
		requestID: requestID,
		behavior:  behavior,
		input:     updatedInput,
		message:   message,
	})
	return nil
}

func (u *fakeUpstream) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closed = true
	return nil
}

func (u *fakeUpstream) Sent() [][]byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([][]byte(nil), u.sent...)
}

func (u *fakeUpstream) Permissions() []permissionCall {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]permissionCall(nil), u.permissions...)
}

func (u *fakeUpstream) Controls() []controlCall {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]controlCall(nil), u.controls...)
}

type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]SessionSnapshot
	history  map[string][]HistoryEntry
	saves    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[string]SessionSnapshot),
		history:  make(map[string][]HistoryEntry),
	}
}

func (st *fakeStore) SaveSession(snap SessionSnapshot) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions[snap.ID] = snap
	st.saves++
	return nil
}

func (st *fakeStore) LoadSession(id string) (SessionSnapshot, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	snap, ok := st.sessions[id]
	if !ok {
		return SessionSnapshot{}, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	return snap, nil
}

func (st *fakeStore) ListSessions() ([]SessionSnapshot, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]SessionSnapshot, 0, len(st.sessions))
	for _, snap := range st.sessions {
		out = append(out, snap)
	}
	return out, nil
}

func (st *fakeStore) DeleteSession(id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, id)
	delete(st.history, id)
	return nil
}

func (st *fakeStore) AppendHistory(sessionID string, entry HistoryEntry) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.history[sessionID] = append(st.history[sessionID], entry)
	return nil
}

func (st *fakeStore) History(sessionID string) ([]HistoryEntry, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]HistoryEntry(nil), st.history[sessionID]...), nil
}

type fakeValidator struct {
	finding guard.Finding
	err     error
	gate    chan struct{}

	mu    sync.Mutex
	calls int
}

func (v *fakeValidator) Evaluate(ctx context.Context, tool string, input json.RawMessage, description string) (guard.Finding, error) {
	v.mu.Lock()
	v.calls++
	v.mu.Unlock()
	if v.gate != nil {
		select {
		case <-v.gate:
		case <-ctx.Done():
			return guard.Finding{Verdict: guard.VerdictUncertain}, ctx.Err()
		}
	}
	return v.finding, v.err
}

func (v *fakeValidator) Calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

type fakeNamer struct {
	title string
	err   error
}

func (n *fakeNamer) SuggestTitle(ctx context.Context, firstUserMessage string) (string, error) {
	return n.title, n.err
}

func testOptions(st Store) Options {
	return Options{
		Store:       st,
		EventBuffer: 16,
		DedupLimit:  100,
		MaxSessions: 8,
	}
}

func newTestSession(t *testing.T, opts Options) *Session {
	t.Helper()
	return newSession(SessionSnapshot{
		ID:        "sess-1",
		Backend:   BackendClaude,
		NextSeq:   1,
		CreatedAt: time.Now().UTC(),
	}, opts)
}

// emit sequences and broadcasts an event the way an attached binding would,
// without consuming sequence numbers on connection bookkeeping.
func emit(s *Session, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordAndBroadcastLocked(ev)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var errFake = errors.New("fake failure")
