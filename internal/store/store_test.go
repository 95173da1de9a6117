package store

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/pontis-dev/pontis/internal/bridge"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "pontis.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveLoadSession(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	snap := bridge.SessionSnapshot{
		ID:               "sess-1",
		Backend:          "claude",
		Title:            "refactor the parser",
		FirstUserMessage: "please refactor the parser",
		TitleRequested:   true,
		State:            bridge.State{Model: "opus", WorkingDir: "/work/repo", NumTurns: 4},
		NextSeq:          17,
		LastAckSeq:       12,
		DedupIDs:         []string{"a", "b", "c"},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.SaveSession(snap); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	got, err := s.LoadSession("sess-1")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if got.Backend != "claude" || got.Title != "refactor the parser" {
		t.Errorf("loaded %+v", got)
	}
	if got.State.Model != "opus" || got.State.NumTurns != 4 {
		t.Errorf("state = %+v", got.State)
	}
	if got.NextSeq != 17 || got.LastAckSeq != 12 {
		t.Errorf("seq fields = %d, %d", got.NextSeq, got.LastAckSeq)
	}
	if len(got.DedupIDs) != 3 || got.DedupIDs[0] != "a" {
		t.Errorf("dedup ids = %v", got.DedupIDs)
	}
	if !got.TitleRequested {
		t.Error("TitleRequested lost")
	}
}

func TestSaveSessionIdempotent(t *testing.T) {
	s := openTestStore(t)
	snap := bridge.SessionSnapshot{ID: "sess-1", Backend: "codex", NextSeq: 1}
	for i := 0; i < 3; i++ {
		snap.NextSeq = int64(i + 1)
		if err := s.SaveSession(snap); err != nil {
			t.Fatalf("SaveSession %d: %v", i, err)
		}
	}
	all, err := s.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("repeated saves produced %d rows", len(all))
	}
	if all[0].NextSeq != 3 {
		t.Errorf("NextSeq = %d, want 3 (last save wins)", all[0].NextSeq)
	}
}

func TestLoadMissingSession(t *testing.T) {
	s := openTestStore(t)
	_, err := s.LoadSession("ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestHistoryAppendAndRead(t *testing.T) {
	s := openTestStore(t)
	for i := 1; i <= 4; i++ {
		entry := bridge.HistoryEntry{
			Seq:       int64(i),
			Type:      bridge.EventAssistant,
			Data:      json.RawMessage(`{"text":"hi"}`),
			Timestamp: time.Now().UTC(),
		}
		if err := s.AppendHistory("sess-1", entry); err != nil {
			t.Fatalf("AppendHistory %d: %v", i, err)
		}
	}
	if err := s.AppendHistory("other", bridge.HistoryEntry{Seq: 1, Type: bridge.EventResult}); err != nil {
		t.Fatalf("AppendHistory other: %v", err)
	}

	hist, err := s.History("sess-1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 4 {
		t.Fatalf("history has %d entries, want 4", len(hist))
	}
	for i, entry := range hist {
		if entry.Seq != int64(i+1) {
			t.Errorf("entry %d has seq %d, want ordered", i, entry.Seq)
		}
	}

	after, err := s.HistoryAfter("sess-1", 2)
	if err != nil {
		t.Fatalf("HistoryAfter: %v", err)
	}
	if len(after) != 2 || after[0].Seq != 3 {
		t.Errorf("HistoryAfter(2) = %+v", after)
	}
}

func TestDeleteSessionRemovesHistory(t *testing.T) {
	s := openTestStore(t)
	if err := s.SaveSession(bridge.SessionSnapshot{ID: "sess-1", Backend: "claude"}); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if err := s.AppendHistory("sess-1", bridge.HistoryEntry{Seq: 1, Type: bridge.EventAssistant}); err != nil {
		t.Fatalf("AppendHistory: %v", err)
	}

	if err := s.DeleteSession("sess-1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := s.LoadSession("sess-1"); !errors.Is(err, ErrNotFound) {
		t.Error("session survived delete")
	}
	hist, err := s.History("sess-1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 0 {
		t.Errorf("history survived delete: %d entries", len(hist))
	}
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pontis.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SaveSession(bridge.SessionSnapshot{ID: "sess-1", Backend: "claude", NextSeq: 9}); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.LoadSession("sess-1")
	if err != nil {
		t.Fatalf("LoadSession after reopen: %v", err)
	}
	if got.NextSeq != 9 {
		t.Errorf("NextSeq = %d after reopen, want 9", got.NextSeq)
	}
}
