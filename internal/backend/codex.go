package backend

import (
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/pontis-dev/pontis/internal/bridge"
)

// codexDialect speaks the proto dialect: submissions are {id, op} objects and
// process output is {id, msg} objects, both one per line. Approvals ride the
// same op channel as user input.
type codexDialect struct {
	log *slog.Logger
}

type codexEnvelope struct {
	ID  string          `json:"id,omitempty"`
	Msg json.RawMessage `json:"msg,omitempty"`
}

type codexMsg struct {
	Type    string          `json:"type"`
	Message string          `json:"message,omitempty"`
	Model   string          `json:"model,omitempty"`
	CWD     string          `json:"cwd,omitempty"`
	CallID  string          `json:"call_id,omitempty"`
	Command json.RawMessage `json:"command,omitempty"`
	Changes json.RawMessage `json:"changes,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

func (d *codexDialect) ParseLine(line []byte, sink Sink) {
	var env codexEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		d.log.Warn("skipping unparseable process line", "error", err)
		return
	}
	var msg codexMsg
	if err := json.Unmarshal(env.Msg, &msg); err != nil {
		d.log.Warn("skipping malformed msg payload", "id", env.ID, "error", err)
		return
	}

	switch msg.Type {
	case "session_configured":
		sink.Running()
		patch := bridge.StatePatch{}
		if msg.Model != "" {
			patch.Model = &msg.Model
		}
		if msg.CWD != "" {
			patch.WorkingDir = &msg.CWD
		}
		sink.StateUpdated(patch)
		sink.EventReceived(bridge.NewEvent(bridge.EventStatusChange,
			map[string]string{"status": "running"}))

	case "agent_message":
		sink.EventReceived(bridge.NewEvent(bridge.EventAssistant,
			map[string]string{"text": msg.Message}))

	case "agent_message_delta", "agent_reasoning", "agent_reasoning_delta",
		"exec_command_begin", "exec_command_output_delta", "exec_command_end",
		"token_count":
		sink.EventReceived(bridge.NewEvent(bridge.EventStreamEvent, json.RawMessage(env.Msg)))

	case "task_complete":
		sink.EventReceived(bridge.NewEvent(bridge.EventResult, map[string]any{
			"is_error": false,
			"result":   msg.Message,
		}))

	case "error":
		sink.EventReceived(bridge.NewEvent(bridge.EventError,
			map[string]string{"message": msg.Message}))

	case "exec_approval_request":
		sink.PermissionRequested(bridge.PermissionRequest{
			ID:          msg.CallID,
			Tool:        "shell",
			Input:       msg.Command,
			Description: msg.Reason,
		})

	case "apply_patch_approval_request":
		sink.PermissionRequested(bridge.PermissionRequest{
			ID:          msg.CallID,
			Tool:        "apply_patch",
			Input:       msg.Changes,
			Description: msg.Reason,
		})

	default:
		d.log.Debug("ignoring unknown msg type", "msg_type", msg.Type)
	}
}

func (d *codexDialect) EncodeCommand(raw []byte) ([]byte, error) {
	var cmd clientCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"id": uuid.NewString(),
		"op": map[string]any{
			"type": "user_input",
			"items": []map[string]string{
				{"type": "text", "text": cmd.Text},
			},
		},
	})
}

func (d *codexDialect) EncodeControl(id, method string, params json.RawMessage) ([]byte, error) {
	op := map[string]any{"type": method}
	if len(params) > 0 {
		var extra map[string]any
		if err := json.Unmarshal(params, &extra); err != nil {
			return nil, err
		}
		for k, v := range extra {
			op[k] = v
		}
	}
	return json.Marshal(map[string]any{"id": id, "op": op})
}

func (d *codexDialect) EncodePermissionResponse(requestID, behavior string, updatedInput json.RawMessage, message string) ([]byte, error) {
	decision := "denied"
	if behavior == bridge.PermissionAllow {
		decision = "approved"
	}
	return json.Marshal(map[string]any{
		"id": uuid.NewString(),
		"op": map[string]any{
			"type":     "exec_approval",
			"id":       requestID,
			"decision": decision,
		},
	})
}
