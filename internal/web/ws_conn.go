package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pontis-dev/pontis/internal/bridge"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBufferSize = 256
)

// WSConn wraps a websocket connection with a buffered outbound channel and a
// write pump handling ping/pong keepalive. Sends are non-blocking: a slow
// client fills its own buffer and loses messages without affecting the
// session.
type WSConn struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	log  *slog.Logger
}

// NewWSConn wraps an upgraded websocket connection.
func NewWSConn(id string, conn *websocket.Conn, log *slog.Logger) *WSConn {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return &WSConn{
		id:   id,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		log:  log,
	}
}

// ID returns the connection's client identifier.
func (w *WSConn) ID() string { return w.id }

// Send queues a bridge event for delivery. Implements bridge.BrowserConn.
func (w *WSConn) Send(ev bridge.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return w.SendRaw(data)
}

// SendRaw queues raw bytes for delivery, dropping them when the buffer is
// full.
func (w *WSConn) SendRaw(data []byte) error {
	select {
	case w.send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

// SendError delivers an error event to this client only, outside the
// sequenced stream.
func (w *WSConn) SendError(message string) {
	data, err := json.Marshal(bridge.NewEvent(bridge.EventError, map[string]string{"message": message}))
	if err != nil {
		return
	}
	if err := w.SendRaw(data); err != nil {
		w.log.Warn("dropping error message", "client_id", w.id, "error", err)
	}
}

// Close closes the underlying connection.
func (w *WSConn) Close() error {
	return w.conn.Close()
}

// WritePump drains the send channel to the socket and keeps the connection
// alive with pings. Runs in its own goroutine; returns when the context is
// cancelled or a write fails.
func (w *WSConn) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		w.conn.Close()
	}()

	for {
		select {
		case message, ok := <-w.send:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				w.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := w.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// ReadMessage reads one message from the socket.
func (w *WSConn) ReadMessage() ([]byte, error) {
	_, message, err := w.conn.ReadMessage()
	return message, err
}
