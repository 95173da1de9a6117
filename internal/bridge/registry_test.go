package bridge

import (
	"errors"
	"testing"
)

func TestRegistryCreateAndGet(t *testing.T) {
	st := newFakeStore()
	r := NewRegistry(testOptions(st))

	s, err := r.Create(BackendClaude, "/work/repo")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.Backend != BackendClaude {
		t.Errorf("Backend = %q", s.Backend)
	}
	if s.StateSnapshot().WorkingDir != "/work/repo" {
		t.Errorf("WorkingDir = %q", s.StateSnapshot().WorkingDir)
	}

	got, err := r.Get(s.ID)
	if err != nil || got != s {
		t.Fatalf("Get returned %v, %v", got, err)
	}
	if _, err := st.LoadSession(s.ID); err != nil {
		t.Errorf("new session not persisted: %v", err)
	}
}

func TestRegistryUnknownBackend(t *testing.T) {
	r := NewRegistry(testOptions(newFakeStore()))
	if _, err := r.Create("gemini", "/tmp"); !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("err = %v, want ErrUnknownBackend", err)
	}
}

func TestRegistryCapacity(t *testing.T) {
	opts := testOptions(newFakeStore())
	opts.MaxSessions = 2
	r := NewRegistry(opts)

	for i := 0; i < 2; i++ {
		if _, err := r.Create(BackendCodex, "/tmp"); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}
	if _, err := r.Create(BackendCodex, "/tmp"); !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("err = %v, want ErrTooManySessions", err)
	}
}

func TestRegistryGetUnknown(t *testing.T) {
	r := NewRegistry(testOptions(newFakeStore()))
	if _, err := r.Get("ghost"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestRegistryResumeContinuesSequence(t *testing.T) {
	st := newFakeStore()
	st.SaveSession(SessionSnapshot{
		ID:         "old-session",
		Backend:    BackendClaude,
		Title:      "earlier work",
		NextSeq:    40,
		LastAckSeq: 35,
		DedupIDs:   []string{"msg-1", "msg-2"},
	})

	r := NewRegistry(testOptions(st))
	s, err := r.Resume("old-session")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if s.Title() != "earlier work" {
		t.Errorf("Title = %q", s.Title())
	}
	if s.LastAckSeq() != 35 {
		t.Errorf("LastAckSeq = %d, want 35", s.LastAckSeq())
	}

	// New events continue past the persisted counter, never repeating a seq
	// an old client may hold.
	conn := &fakeConn{id: "c1"}
	s.AddConn(conn)
	s.HandleSubscribe(conn, 35)
	emit(s, NewEvent(EventAssistant, nil))
	events := conn.Events()
	last := events[len(events)-1]
	if last.Seq < 40 {
		t.Errorf("resumed session assigned seq %d, want >= 40", last.Seq)
	}

	// Dedup state survives the resume.
	u := &fakeUpstream{}
	s.Attach(u)
	s.HandleCommand("msg-1", []byte(`{}`))
	if len(u.Sent()) != 0 {
		t.Error("resumed session forwarded a previously-seen command id")
	}

	// Resuming again returns the live session.
	again, err := r.Resume("old-session")
	if err != nil || again != s {
		t.Fatalf("second Resume returned %v, %v", again, err)
	}
}

func TestRegistryResumeUnknown(t *testing.T) {
	r := NewRegistry(testOptions(newFakeStore()))
	if _, err := r.Resume("ghost"); err == nil {
		t.Fatal("Resume of unknown session succeeded")
	}
}

func TestRegistryDelete(t *testing.T) {
	st := newFakeStore()
	r := NewRegistry(testOptions(st))
	s, err := r.Create(BackendClaude, "/tmp")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	u := &fakeUpstream{}
	s.Attach(u)

	if err := r.Delete(s.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := r.Get(s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Error("deleted session still in registry")
	}
	if _, err := st.LoadSession(s.ID); err == nil {
		t.Error("deleted session still in store")
	}
	u.mu.Lock()
	closed := u.closed
	u.mu.Unlock()
	if !closed {
		t.Error("delete did not close the upstream")
	}
}

func TestRegistryCloseAll(t *testing.T) {
	r := NewRegistry(testOptions(newFakeStore()))
	for i := 0; i < 3; i++ {
		if _, err := r.Create(BackendClaude, "/tmp"); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	r.CloseAll()
	if got := r.List(); len(got) != 0 {
		t.Fatalf("%d sessions remain after CloseAll", len(got))
	}
}

func TestCreateWithZeroOptionsLogsSafely(t *testing.T) {
	r := NewRegistry(Options{})
	t.Cleanup(r.CloseAll)

	s, err := r.Create(BackendClaude, t.TempDir())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Every session log path must work without an explicit Options.Logger.
	conn := &fakeConn{id: "c1"}
	s.AddConn(conn)
	s.HandleSubscribe(conn, 0)
	s.RemoveConn(conn.ID())
}
