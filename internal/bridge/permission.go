package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pontis-dev/pontis/internal/guard"
	"github.com/pontis-dev/pontis/internal/metrics"
)

// Permission response behaviors on the browser wire.
const (
	PermissionAllow = "allow"
	PermissionDeny  = "deny"
)

// interactiveTools are inherently human-facing and never auto-resolved.
var interactiveTools = map[string]struct{}{
	"AskUserQuestion": {},
	"ExitPlanMode":    {},
}

// PermissionRequest is a tool-use approval request from the upstream process
// awaiting resolution.
type PermissionRequest struct {
	ID          string          `json:"request_id"`
	Tool        string          `json:"tool"`
	Input       json.RawMessage `json:"input,omitempty"`
	Description string          `json:"description,omitempty"`
	ReceivedAt  time.Time       `json:"received_at"`
}

type permissionAutoResolvedPayload struct {
	RequestID string `json:"request_id"`
	Tool      string `json:"tool"`
	Behavior  string `json:"behavior"`
	Reason    string `json:"reason,omitempty"`
}

type permissionCancelledPayload struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason,omitempty"`
}

// handlePermissionRequest runs the pipeline for one incoming request: guard
// evaluation when configured and the tool is not interactive, otherwise
// straight to manual resolution. gen is the upstream generation the request
// arrived under; a stale guard result is discarded.
func (s *Session) handlePermissionRequest(gen uint64, req PermissionRequest) {
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now().UTC()
	}

	s.mu.Lock()
	if s.generation != gen || s.upstream == nil {
		s.mu.Unlock()
		return
	}
	_, interactive := interactiveTools[req.Tool]
	useGuard := s.validator != nil && !interactive
	if !useGuard {
		s.parkPermissionLocked(req)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	// Guard evaluation is network-bound and must not block the broker; events
	// keep flowing while it runs.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		finding, err := s.validator.Evaluate(ctx, req.Tool, req.Input, req.Description)
		s.applyGuardFinding(gen, req, finding, err)
	}()
}

// applyGuardFinding acts on an asynchronous guard result. The upstream may
// have disconnected or been replaced while the guard ran; in that case the
// result is stale and dropped (the disconnect already cancelled the request).
func (s *Session) applyGuardFinding(gen uint64, req PermissionRequest, finding guard.Finding, evalErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen || s.upstream == nil {
		s.log.Debug("dropping stale guard result", "request_id", req.ID, "tool", req.Tool)
		return
	}

	if evalErr != nil {
		// Fail open: a human decides.
		s.log.Warn("guard evaluation failed, falling back to manual",
			"request_id", req.ID, "tool", req.Tool, "error", evalErr)
		s.parkPermissionLocked(req)
		return
	}

	switch {
	case finding.Verdict == guard.VerdictSafe && s.autoApprove:
		metrics.PermissionsAutoApproved.Inc()
		s.log.Info("auto-approved permission",
			"request_id", req.ID, "tool", req.Tool, "reason", finding.Reason)
		if err := s.upstream.RespondPermission(req.ID, PermissionAllow, req.Input, ""); err != nil {
			s.log.Warn("failed to send auto-approval upstream", "request_id", req.ID, "error", err)
		}
		s.broadcastLocked(NewEvent(EventPermissionAutoResolved, permissionAutoResolvedPayload{
			RequestID: req.ID,
			Tool:      req.Tool,
			Behavior:  PermissionAllow,
			Reason:    finding.Reason,
		}))

	case finding.Verdict == guard.VerdictDangerous && s.autoDeny:
		metrics.PermissionsAutoDenied.Inc()
		s.log.Info("auto-denied permission",
			"request_id", req.ID, "tool", req.Tool, "reason", finding.Reason)
		if err := s.upstream.RespondPermission(req.ID, PermissionDeny, nil, finding.Reason); err != nil {
			s.log.Warn("failed to send auto-denial upstream", "request_id", req.ID, "error", err)
		}
		s.broadcastLocked(NewEvent(EventPermissionAutoResolved, permissionAutoResolvedPayload{
			RequestID: req.ID,
			Tool:      req.Tool,
			Behavior:  PermissionDeny,
			Reason:    finding.Reason,
		}))

	default:
		s.parkPermissionLocked(req)
	}
}

// parkPermissionLocked stores the request for human resolution and announces
// it to all browsers.
func (s *Session) parkPermissionLocked(req PermissionRequest) {
	metrics.PermissionsManual.Inc()
	stored := req
	s.pendingPermissions[req.ID] = &stored
	s.markDirtyLocked()
	s.broadcastLocked(NewEvent(EventPermissionRequest, req))
}

// HandlePermissionResponse applies a browser's allow/deny decision. An id
// with no pending entry is a no-op: the request was already resolved or
// cancelled.
func (s *Session) HandlePermissionResponse(requestID, behavior string, updatedInput json.RawMessage, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.pendingPermissions[requestID]
	if !ok {
		s.log.Debug("permission response for unknown request", "request_id", requestID)
		return
	}
	delete(s.pendingPermissions, requestID)
	s.markDirtyLocked()

	if s.upstream != nil {
		input := updatedInput
		if behavior == PermissionAllow && len(input) == 0 {
			input = req.Input
		}
		if err := s.upstream.RespondPermission(requestID, behavior, input, message); err != nil {
			s.log.Warn("failed to send permission resolution upstream",
				"request_id", requestID, "error", err)
		}
	}

	// Other tabs dismiss their prompt for the same request.
	s.broadcastLocked(NewEvent(EventPermissionCancelled, permissionCancelledPayload{
		RequestID: requestID,
		Reason:    "resolved",
	}))
	s.log.Info("permission resolved", "request_id", requestID, "behavior", behavior)
}

// PendingPermissions returns the still-unresolved requests, for the REST
// surface.
func (s *Session) PendingPermissions() []PermissionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PermissionRequest, 0, len(s.pendingPermissions))
	for _, req := range s.pendingPermissions {
		out = append(out, *req)
	}
	return out
}

// cancelPendingPermissionsLocked purges every pending request, sending one
// cancellation notice per id.
func (s *Session) cancelPendingPermissionsLocked(reason string) {
	if len(s.pendingPermissions) == 0 {
		return
	}
	for id := range s.pendingPermissions {
		s.broadcastLocked(NewEvent(EventPermissionCancelled, permissionCancelledPayload{
			RequestID: id,
			Reason:    reason,
		}))
		delete(s.pendingPermissions, id)
	}
	s.markDirtyLocked()
	s.log.Info("cancelled pending permissions", "reason", reason)
}
