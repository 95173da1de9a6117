package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pontis-dev/pontis/internal/bridge"
)

const controlTimeout = 30 * time.Second

// handleSessionWS upgrades a browser connection and runs its read loop. One
// session fans out to any number of these connections.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	session, err := s.registry.Resume(r.PathValue("id"))
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	ws := NewWSConn(uuid.NewString(), conn, s.log)
	ctx, cancel := context.WithCancel(r.Context())
	go ws.WritePump(ctx)

	session.AddConn(ws)
	s.log.Info("browser connected", "session_id", session.ID, "client_id", ws.ID())

	defer func() {
		cancel()
		session.RemoveConn(ws.ID())
		ws.Close()
		s.log.Info("browser disconnected", "session_id", session.ID, "client_id", ws.ID())
	}()

	for {
		data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		s.dispatch(session, ws, data)
	}
}

// dispatch routes one inbound frame to the session broker.
func (s *Server) dispatch(session *bridge.Session, ws *WSConn, data []byte) {
	msg, err := ParseClientMessage(data)
	if err != nil {
		ws.SendError(err.Error())
		return
	}

	switch msg.Type {
	case MsgSubscribe:
		var payload SubscribePayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			ws.SendError("invalid subscribe payload")
			return
		}
		session.HandleSubscribe(ws, payload.LastAckSeq)

	case MsgAck:
		var payload AckPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return
		}
		session.HandleAck(ws.ID(), payload.LastAckSeq)

	case MsgPermissionResponse:
		var payload PermissionResponsePayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			ws.SendError("invalid permission response")
			return
		}
		session.HandlePermissionResponse(payload.RequestID, payload.Behavior, payload.UpdatedInput, payload.Message)

	case MsgInterrupt:
		go s.sendControl(session, ws, "interrupt", nil)

	case MsgSetMode:
		var payload SetModePayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.Mode == "" {
			ws.SendError("invalid permission mode payload")
			return
		}
		params, _ := json.Marshal(map[string]string{"mode": payload.Mode})
		go s.sendControl(session, ws, "set_permission_mode", params)

	case MsgUserMessage:
		if msg.ClientMsgID == "" {
			ws.SendError("user_message requires client_msg_id")
			return
		}
		if !session.Connected() {
			if err := s.starter.StartProcess(session, session.StateSnapshot().WorkingDir); err != nil {
				ws.SendError("failed to start backend: " + err.Error())
				return
			}
		}
		session.HandleCommand(msg.ClientMsgID, msg.Data)

	default:
		ws.SendError("unknown message type: " + msg.Type)
	}
}

// sendControl runs a control round trip off the read loop so a slow backend
// does not stall frame processing.
func (s *Server) sendControl(session *bridge.Session, ws *WSConn, method string, params json.RawMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	if _, err := session.SendControl(ctx, method, params); err != nil {
		ws.SendError(method + " failed: " + err.Error())
	}
}
