package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNoUpstream is returned for operations that need a live upstream
// connection.
var ErrNoUpstream = errors.New("no upstream connection attached")

// ControlResult is the outcome of a control RPC to the upstream process.
type ControlResult struct {
	Result json.RawMessage
	Err    error
}

// SendControl issues a request/response RPC to the upstream process (set
// permission mode, interrupt, inject message) and waits for the correlated
// response. Waiters are released with an error when the upstream detaches, so
// no resolver outlives its connection.
func (s *Session) SendControl(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	if s.upstream == nil {
		s.mu.Unlock()
		return nil, ErrNoUpstream
	}
	id := uuid.NewString()
	ch := make(chan ControlResult, 1)
	s.pendingControl[id] = ch
	upstream := s.upstream
	s.mu.Unlock()

	if err := upstream.SendControl(id, method, params); err != nil {
		s.mu.Lock()
		delete(s.pendingControl, id)
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to send control request %s: %w", method, err)
	}

	select {
	case res := <-ch:
		return res.Result, res.Err
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pendingControl, id)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// resolvePendingControlLocked completes the RPC correlated by id. Unknown ids
// are ignored; a resolver fires exactly once.
func (s *Session) resolvePendingControlLocked(id string, result json.RawMessage, errMsg string) {
	ch, ok := s.pendingControl[id]
	if !ok {
		s.log.Debug("control response for unknown request", "request_id", id)
		return
	}
	delete(s.pendingControl, id)
	res := ControlResult{Result: result}
	if errMsg != "" {
		res.Err = errors.New(errMsg)
	}
	ch <- res
}

// failPendingControlLocked releases every in-flight control RPC with an
// error. Called when the upstream detaches or the session closes.
func (s *Session) failPendingControlLocked(reason string) {
	for id, ch := range s.pendingControl {
		delete(s.pendingControl, id)
		ch <- ControlResult{Err: errors.New(reason)}
	}
}
