package bridge

import (
	"github.com/pontis-dev/pontis/internal/metrics"
)

// sessionInitPayload is the snapshot sent to a connection when it subscribes.
type sessionInitPayload struct {
	SessionID string `json:"session_id"`
	Backend   string `json:"backend"`
	Title     string `json:"title,omitempty"`
	State     State  `json:"state"`
	Connected bool   `json:"cli_connected"`
}

type messageHistoryPayload struct {
	Messages []HistoryEntry `json:"messages"`
}

type eventReplayPayload struct {
	Events []SequencedEvent `json:"events"`
}

// HandleSubscribe marks conn subscribed and brings it up to date. claimed is
// the client's last-acked sequence number; depending on how far behind it is
// the client receives nothing, a partial replay batch from the ring buffer,
// or a full history resync plus the buffered transient events the history
// does not cover.
func (s *Session) HandleSubscribe(conn BrowserConn, claimed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.conns[conn.ID()]
	if !ok {
		cs = &connState{conn: conn}
		s.conns[conn.ID()] = cs
		metrics.ConnectedClients.Inc()
	}
	cs.subscribed = true
	if claimed < 0 {
		claimed = 0
	}
	cs.lastAckSeq = claimed

	// Captured before the init snapshot below consumes a sequence number.
	latest := s.seq.Next() - 1
	bufferEmpty := s.seq.Len() == 0
	earliest := s.seq.EarliestSeq()

	s.sendToLocked(cs, NewEvent(EventSessionInit, sessionInitPayload{
		SessionID: s.ID,
		Backend:   s.Backend,
		Title:     s.title,
		State:     s.state,
		Connected: s.upstream != nil,
	}))

	// Client already current: nothing buffered, or it has acked everything
	// sequenced so far.
	if bufferEmpty || claimed >= latest {
		return
	}

	if claimed < earliest-1 {
		// Gap: the client missed events older than anything retained. Send
		// the full durable history, then only the buffered transient events
		// newer than claimed; chat content is already covered by the
		// snapshot.
		metrics.FullResyncs.Inc()
		s.log.Info("replay gap, full resync",
			"client_id", conn.ID(), "claimed", claimed, "earliest", earliest)

		history, err := s.loadHistory()
		if err != nil {
			s.log.Warn("failed to load message history for resync", "error", err)
		}
		s.sendToLocked(cs, NewEvent(EventMessageHistory, messageHistoryPayload{Messages: history}))

		var transient []SequencedEvent
		for _, se := range s.seq.After(claimed) {
			if !se.Event.IsHistoryBacked() {
				transient = append(transient, se)
			}
		}
		if len(transient) > 0 {
			s.sendToLocked(cs, NewEvent(EventEventReplay, eventReplayPayload{Events: transient}))
		}
		return
	}

	batch := append([]SequencedEvent(nil), s.seq.After(claimed)...)
	// claimed can trail only artifact-consumed sequence numbers; an empty
	// batch carries nothing worth a frame.
	if len(batch) == 0 {
		return
	}
	metrics.ReplayBatches.Inc()
	s.log.Debug("replaying buffered events",
		"client_id", conn.ID(), "claimed", claimed, "count", len(batch))
	s.sendToLocked(cs, NewEvent(EventEventReplay, eventReplayPayload{Events: batch}))
}

// HandleAck records delivery progress for one connection and advances the
// session-wide watermark, persisting only when it actually moves.
func (s *Session) HandleAck(connID string, seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq < 0 {
		seq = 0
	}
	if cs, ok := s.conns[connID]; ok && seq > cs.lastAckSeq {
		cs.lastAckSeq = seq
	}
	if seq > s.lastAckSeq {
		s.lastAckSeq = seq
		s.markDirtyLocked()
	}
}

// LastAckSeq returns the session-wide acknowledged high-water mark.
func (s *Session) LastAckSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAckSeq
}

// sendToLocked sequences ev and delivers it to a single connection. Used for
// subscription artifacts, which other connections must not receive.
func (s *Session) sendToLocked(cs *connState, ev Event) {
	sequenced := s.seq.Sequence(ev)
	metrics.EventsSequenced.Inc()
	if err := cs.conn.Send(sequenced); err != nil {
		s.log.Warn("failed to send event to client",
			"client_id", cs.conn.ID(), "type", sequenced.Type, "error", err)
	}
}

// loadHistory reads the full message history from the store. Callers hold the
// session lock; history reads do not touch session state.
func (s *Session) loadHistory() ([]HistoryEntry, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.History(s.ID)
}
