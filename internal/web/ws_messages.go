package web

import (
	"encoding/json"
	"fmt"
)

// Browser to server message types.
const (
	MsgSubscribe          = "session_subscribe"
	MsgAck                = "session_ack"
	MsgPermissionResponse = "permission_response"
	MsgUserMessage        = "user_message"
	MsgInterrupt          = "interrupt"
	MsgSetMode            = "set_permission_mode"
)

// ClientMessage is the envelope for everything a browser sends on a session
// socket.
type ClientMessage struct {
	Type        string          `json:"type"`
	ClientMsgID string          `json:"client_msg_id,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// SubscribePayload carries the client's replay watermark.
type SubscribePayload struct {
	LastAckSeq int64 `json:"last_ack_seq"`
}

// AckPayload advances the client's delivery watermark.
type AckPayload struct {
	LastAckSeq int64 `json:"last_ack_seq"`
}

// PermissionResponsePayload resolves a parked permission request.
type PermissionResponsePayload struct {
	RequestID    string          `json:"request_id"`
	Behavior     string          `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updated_input,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// UserMessagePayload is a prompt destined for the backend process.
type UserMessagePayload struct {
	Text string `json:"text"`
}

// SetModePayload changes the upstream permission mode.
type SetModePayload struct {
	Mode string `json:"mode"`
}

// ParseClientMessage decodes one inbound frame.
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse client message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("client message missing type")
	}
	return &msg, nil
}
