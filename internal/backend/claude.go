package backend

import (
	"encoding/json"
	"log/slog"

	"github.com/pontis-dev/pontis/internal/bridge"
)

// claudeDialect speaks the stream-json dialect: one JSON object per line with
// a top-level type discriminator, and a control_request/control_response
// channel for RPCs and tool-use permissions.
type claudeDialect struct {
	log *slog.Logger
}

type claudeLine struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`

	// system/init fields
	Model          string `json:"model,omitempty"`
	CWD            string `json:"cwd,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`

	// result fields
	IsError      bool    `json:"is_error,omitempty"`
	Result       string  `json:"result,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
}

type claudeControlRequest struct {
	Subtype     string          `json:"subtype"`
	ToolName    string          `json:"tool_name,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	Description string          `json:"description,omitempty"`
}

type claudeControlResponse struct {
	Subtype   string          `json:"subtype"`
	RequestID string          `json:"request_id"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func (d *claudeDialect) ParseLine(line []byte, sink Sink) {
	var parsed claudeLine
	if err := json.Unmarshal(line, &parsed); err != nil {
		d.log.Warn("skipping unparseable process line", "error", err)
		return
	}

	switch parsed.Type {
	case "system":
		if parsed.Subtype == "init" {
			sink.Running()
			patch := bridge.StatePatch{}
			if parsed.Model != "" {
				patch.Model = &parsed.Model
			}
			if parsed.CWD != "" {
				patch.WorkingDir = &parsed.CWD
			}
			if parsed.PermissionMode != "" {
				patch.PermissionMode = &parsed.PermissionMode
			}
			sink.StateUpdated(patch)
			sink.EventReceived(bridge.NewEvent(bridge.EventStatusChange,
				map[string]string{"status": "running"}))
			return
		}
		sink.EventReceived(bridge.NewEvent(bridge.EventStatusChange,
			map[string]string{"status": parsed.Subtype}))

	case "assistant":
		sink.EventReceived(bridge.NewEvent(bridge.EventAssistant, json.RawMessage(line)))

	case "user":
		sink.EventReceived(bridge.NewEvent(bridge.EventUserMessage, json.RawMessage(line)))

	case "result":
		sink.EventReceived(bridge.NewEvent(bridge.EventResult, map[string]any{
			"is_error":       parsed.IsError,
			"result":         parsed.Result,
			"total_cost_usd": parsed.TotalCostUSD,
			"num_turns":      parsed.NumTurns,
		}))
		sink.StateUpdated(bridge.StatePatch{
			TotalCostUSD: &parsed.TotalCostUSD,
			NumTurns:     &parsed.NumTurns,
		})

	case "stream_event":
		sink.EventReceived(bridge.NewEvent(bridge.EventStreamEvent, json.RawMessage(line)))

	case "control_request":
		var req claudeControlRequest
		if err := json.Unmarshal(parsed.Request, &req); err != nil {
			d.log.Warn("skipping malformed control_request", "request_id", parsed.RequestID, "error", err)
			return
		}
		if req.Subtype != "can_use_tool" {
			d.log.Debug("ignoring control_request", "subtype", req.Subtype, "request_id", parsed.RequestID)
			return
		}
		sink.PermissionRequested(bridge.PermissionRequest{
			ID:          parsed.RequestID,
			Tool:        req.ToolName,
			Input:       req.Input,
			Description: req.Description,
		})

	case "control_response":
		var resp claudeControlResponse
		if err := json.Unmarshal(parsed.Response, &resp); err != nil {
			d.log.Warn("skipping malformed control_response", "error", err)
			return
		}
		sink.ControlResponded(resp.RequestID, resp.Response, resp.Error)

	case "error":
		sink.EventReceived(bridge.NewEvent(bridge.EventError, json.RawMessage(line)))

	default:
		d.log.Debug("ignoring unknown process line", "line_type", parsed.Type)
	}
}

// clientCommand is the shape the web layer forwards for a user message.
type clientCommand struct {
	Text string `json:"text"`
}

func (d *claudeDialect) EncodeCommand(raw []byte) ([]byte, error) {
	var cmd clientCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]string{
				{"type": "text", "text": cmd.Text},
			},
		},
	})
}

func (d *claudeDialect) EncodeControl(id, method string, params json.RawMessage) ([]byte, error) {
	request := map[string]any{"subtype": method}
	if len(params) > 0 {
		var extra map[string]any
		if err := json.Unmarshal(params, &extra); err != nil {
			return nil, err
		}
		for k, v := range extra {
			request[k] = v
		}
	}
	return json.Marshal(map[string]any{
		"type":       "control_request",
		"request_id": id,
		"request":    request,
	})
}

func (d *claudeDialect) EncodePermissionResponse(requestID, behavior string, updatedInput json.RawMessage, message string) ([]byte, error) {
	inner := map[string]any{"behavior": behavior}
	if behavior == bridge.PermissionAllow {
		if len(updatedInput) > 0 {
			inner["updatedInput"] = updatedInput
		}
	} else if message != "" {
		inner["message"] = message
	}
	return json.Marshal(map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
			"response":   inner,
		},
	})
}
