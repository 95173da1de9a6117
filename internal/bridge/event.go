// Package bridge implements the session bridge: the in-process broker that
// multiplexes one upstream agent process per session to N browser
// connections, with ordered gap-aware replay, idempotent command application
// and an automated permission pipeline.
package bridge

import (
	"encoding/json"
	"time"
)

// EventType identifies an outbound event in the wire vocabulary.
type EventType string

const (
	EventSessionInit            EventType = "session_init"
	EventSessionUpdate          EventType = "session_update"
	EventAssistant              EventType = "assistant"
	EventResult                 EventType = "result"
	EventUserMessage            EventType = "user_message"
	EventStreamEvent            EventType = "stream_event"
	EventPermissionRequest      EventType = "permission_request"
	EventPermissionCancelled    EventType = "permission_cancelled"
	EventPermissionAutoResolved EventType = "permission_auto_resolved"
	EventStatusChange           EventType = "status_change"
	EventError                  EventType = "error"
	EventCLIConnected           EventType = "cli_connected"
	EventCLIDisconnected        EventType = "cli_disconnected"
	EventMessageHistory         EventType = "message_history"
	EventEventReplay            EventType = "event_replay"
)

// Event is the envelope delivered to browser clients. Seq is assigned by the
// sequencer just before delivery; events read back from history carry the seq
// they were assigned originally.
type Event struct {
	Type      EventType       `json:"type"`
	Seq       int64           `json:"seq,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an event of the given type with a JSON-marshaled payload.
// A payload that fails to marshal produces an event with empty data; callers
// pass plain maps and structs so this does not happen in practice.
func NewEvent(t EventType, payload any) Event {
	ev := Event{Type: t, Timestamp: time.Now().UTC()}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Data = data
		}
	}
	return ev
}

// IsReplayArtifact reports whether the event is itself a snapshot or replay
// batch. Replay artifacts are sequenced but never enter the ring buffer.
func (e Event) IsReplayArtifact() bool {
	switch e.Type {
	case EventSessionInit, EventMessageHistory, EventEventReplay:
		return true
	}
	return false
}

// IsHistoryBacked reports whether the event is durably recoverable from the
// message history: chat content, results, status changes and errors. During a
// gap resync these are covered by the full history dump and are not replayed
// from the buffer.
func (e Event) IsHistoryBacked() bool {
	switch e.Type {
	case EventAssistant, EventUserMessage, EventResult, EventError, EventStatusChange:
		return true
	}
	return false
}

// SequencedEvent pairs an event with its assigned sequence number inside the
// replay ring buffer and in event_replay batches.
type SequencedEvent struct {
	Seq   int64 `json:"seq"`
	Event Event `json:"event"`
}
