package bridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestCommandDedupForwardsOnce(t *testing.T) {
	s := newTestSession(t, testOptions(newFakeStore()))
	u := &fakeUpstream{}
	s.Attach(u)

	msg := []byte(`{"type":"user_input","text":"run the tests"}`)
	s.HandleCommand("msg-1", msg)
	s.HandleCommand("msg-1", msg)

	if got := u.Sent(); len(got) != 1 {
		t.Fatalf("upstream received %d commands, want 1", len(got))
	}
}

func TestCommandsQueuedWhileDetached(t *testing.T) {
	s := newTestSession(t, testOptions(newFakeStore()))

	s.HandleCommand("msg-1", []byte(`{"n":1}`))
	s.HandleCommand("msg-2", []byte(`not json`))
	s.HandleCommand("msg-3", []byte(`{"n":3}`))

	u := &fakeUpstream{}
	s.Attach(u)

	got := u.Sent()
	if len(got) != 2 {
		t.Fatalf("flushed %d commands, want 2 (malformed entry skipped)", len(got))
	}
	if string(got[0]) != `{"n":1}` || string(got[1]) != `{"n":3}` {
		t.Errorf("flush order wrong: %s, %s", got[0], got[1])
	}

	// The queue must be drained, not replayed on the next attach.
	u2 := &fakeUpstream{}
	s.Attach(u2)
	if len(u2.Sent()) != 0 {
		t.Error("second attach re-flushed the outbound queue")
	}
}

func TestDisconnectIdentityCheck(t *testing.T) {
	s := newTestSession(t, testOptions(newFakeStore()))
	conn := &fakeConn{id: "c1"}
	s.AddConn(conn)
	s.HandleSubscribe(conn, 0)

	u1 := &fakeUpstream{}
	b1 := s.Attach(u1)
	u2 := &fakeUpstream{}
	s.Attach(u2)

	// The old adapter's disconnect arrives after its replacement: it must be
	// ignored, leaving the new upstream in place.
	b1.Disconnected("old process exited")

	if got := conn.EventsOfType(EventCLIDisconnected); len(got) != 0 {
		t.Fatalf("superseded disconnect broadcast %d cli_disconnected events", len(got))
	}
	s.HandleCommand("msg-1", []byte(`{"n":1}`))
	if len(u2.Sent()) != 1 {
		t.Error("command did not reach the replacement upstream")
	}
}

func TestDisconnectClearsUpstream(t *testing.T) {
	s := newTestSession(t, testOptions(newFakeStore()))
	conn := &fakeConn{id: "c1"}
	s.AddConn(conn)
	s.HandleSubscribe(conn, 0)

	u := &fakeUpstream{}
	b := s.Attach(u)
	b.Disconnected("process exited")

	if got := conn.EventsOfType(EventCLIDisconnected); len(got) != 1 {
		t.Fatalf("got %d cli_disconnected events, want 1", len(got))
	}

	// Commands queue again until a new attach.
	s.HandleCommand("msg-1", []byte(`{"n":1}`))
	if len(u.Sent()) != 0 {
		t.Error("command reached a detached upstream")
	}
}

func TestEventReceivedRecordsHistory(t *testing.T) {
	st := newFakeStore()
	s := newTestSession(t, testOptions(st))
	conn := &fakeConn{id: "c1"}
	s.AddConn(conn)
	s.HandleSubscribe(conn, 0)

	u := &fakeUpstream{}
	b := s.Attach(u)
	b.EventReceived(NewEvent(EventAssistant, map[string]string{"text": "hi"}))
	b.EventReceived(NewEvent(EventStreamEvent, map[string]string{"tick": "1"}))

	hist, err := st.History(s.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 1 || hist[0].Type != EventAssistant {
		t.Fatalf("history = %+v, want one assistant entry", hist)
	}
	if got := conn.EventsOfType(EventStreamEvent); len(got) != 1 {
		t.Errorf("transient event not broadcast")
	}
}

func TestEventFromStaleBindingIgnored(t *testing.T) {
	s := newTestSession(t, testOptions(newFakeStore()))
	conn := &fakeConn{id: "c1"}
	s.AddConn(conn)
	s.HandleSubscribe(conn, 0)

	u1 := &fakeUpstream{}
	b1 := s.Attach(u1)
	s.Attach(&fakeUpstream{})

	b1.EventReceived(NewEvent(EventAssistant, nil))
	if got := conn.EventsOfType(EventAssistant); len(got) != 0 {
		t.Error("event from superseded binding was broadcast")
	}
}

func TestStateUpdatedMergesPatch(t *testing.T) {
	s := newTestSession(t, testOptions(newFakeStore()))
	conn := &fakeConn{id: "c1"}
	s.AddConn(conn)
	s.HandleSubscribe(conn, 0)

	u := &fakeUpstream{}
	b := s.Attach(u)

	model := "opus"
	b.StateUpdated(StatePatch{Model: &model})
	turns := 3
	b.StateUpdated(StatePatch{NumTurns: &turns})

	state := s.StateSnapshot()
	if state.Model != "opus" {
		t.Errorf("Model = %q, want opus (field update must not reset others)", state.Model)
	}
	if state.NumTurns != 3 {
		t.Errorf("NumTurns = %d, want 3", state.NumTurns)
	}
	if got := conn.EventsOfType(EventSessionUpdate); len(got) < 2 {
		t.Errorf("got %d session_update broadcasts, want 2", len(got))
	}
}

func TestFirstResultTriggersTitle(t *testing.T) {
	opts := testOptions(newFakeStore())
	opts.Namer = &fakeNamer{title: "Fix flaky tests"}
	s := newTestSession(t, opts)

	u := &fakeUpstream{}
	b := s.Attach(u)
	b.EventReceived(NewEvent(EventUserMessage, map[string]string{"text": "please fix the flaky tests"}))
	b.EventReceived(NewEvent(EventResult, map[string]any{"is_error": false}))

	waitFor(t, "session title", func() bool { return s.Title() == "Fix flaky tests" })
}

func TestErrorResultDoesNotTriggerTitle(t *testing.T) {
	opts := testOptions(newFakeStore())
	opts.Namer = &fakeNamer{title: "should not appear"}
	s := newTestSession(t, opts)

	u := &fakeUpstream{}
	b := s.Attach(u)
	b.EventReceived(NewEvent(EventUserMessage, map[string]string{"text": "hello"}))
	b.EventReceived(NewEvent(EventResult, map[string]any{"is_error": true}))

	time.Sleep(50 * time.Millisecond)
	if got := s.Title(); got != "" {
		t.Errorf("Title() = %q after error result, want empty", got)
	}
}

func TestControlRoundTrip(t *testing.T) {
	s := newTestSession(t, testOptions(newFakeStore()))
	u := &fakeUpstream{}
	b := s.Attach(u)

	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := s.SendControl(context.Background(), "set_permission_mode", json.RawMessage(`{"mode":"plan"}`))
		done <- outcome{result, err}
	}()

	waitFor(t, "control request upstream", func() bool { return len(u.Controls()) == 1 })
	call := u.Controls()[0]
	if call.method != "set_permission_mode" {
		t.Errorf("method = %q", call.method)
	}
	b.ControlResponded(call.id, json.RawMessage(`{"ok":true}`), "")

	got := <-done
	if got.err != nil {
		t.Fatalf("SendControl: %v", got.err)
	}
	if string(got.result) != `{"ok":true}` {
		t.Errorf("result = %s", got.result)
	}
}

func TestControlFailedOnDisconnect(t *testing.T) {
	s := newTestSession(t, testOptions(newFakeStore()))
	u := &fakeUpstream{}
	b := s.Attach(u)

	done := make(chan error, 1)
	go func() {
		_, err := s.SendControl(context.Background(), "interrupt", nil)
		done <- err
	}()

	waitFor(t, "control request upstream", func() bool { return len(u.Controls()) == 1 })
	b.Disconnected("process exited")

	if err := <-done; err == nil {
		t.Fatal("SendControl returned nil error after upstream disconnect")
	}
}

func TestControlWithoutUpstream(t *testing.T) {
	s := newTestSession(t, testOptions(newFakeStore()))
	if _, err := s.SendControl(context.Background(), "interrupt", nil); err != ErrNoUpstream {
		t.Fatalf("err = %v, want ErrNoUpstream", err)
	}
}
