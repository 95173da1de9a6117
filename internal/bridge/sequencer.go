package bridge

// Sequencer assigns a monotonic sequence number to every event destined for
// browsers and maintains a bounded ring of recent events for replay. It is
// not safe for concurrent use; the owning session serializes access.
type Sequencer struct {
	next     int64
	ring     []SequencedEvent
	capacity int

	// onMutate is invoked whenever the ring buffer changes, so the owner can
	// schedule durable persistence. Called with the session lock held.
	onMutate func()
}

// NewSequencer creates a sequencer whose first assigned sequence number is
// baseline. Capacity bounds the replay ring; onMutate may be nil.
func NewSequencer(baseline int64, capacity int, onMutate func()) *Sequencer {
	if baseline < 1 {
		baseline = 1
	}
	if capacity < 1 {
		capacity = 1
	}
	return &Sequencer{next: baseline, capacity: capacity, onMutate: onMutate}
}

// Next returns the sequence number the next event will receive.
func (s *Sequencer) Next() int64 { return s.next }

// Sequence assigns the next sequence number to ev and, unless the event is a
// replay artifact, appends it to the ring buffer, evicting the oldest entries
// beyond capacity. It never fails.
func (s *Sequencer) Sequence(ev Event) Event {
	ev.Seq = s.next
	s.next++

	if ev.IsReplayArtifact() {
		return ev
	}

	s.ring = append(s.ring, SequencedEvent{Seq: ev.Seq, Event: ev})
	if len(s.ring) > s.capacity {
		s.ring = s.ring[len(s.ring)-s.capacity:]
	}
	if s.onMutate != nil {
		s.onMutate()
	}
	return ev
}

// EarliestSeq returns the sequence number of the oldest buffered event, or
// the next sequence number when the buffer is empty.
func (s *Sequencer) EarliestSeq() int64 {
	if len(s.ring) == 0 {
		return s.next
	}
	return s.ring[0].Seq
}

// Len returns the number of buffered events.
func (s *Sequencer) Len() int { return len(s.ring) }

// After returns the buffered events with seq > afterSeq, oldest first. The
// returned slice aliases the ring and must not be retained across mutations.
func (s *Sequencer) After(afterSeq int64) []SequencedEvent {
	for i, se := range s.ring {
		if se.Seq > afterSeq {
			return s.ring[i:]
		}
	}
	return nil
}
