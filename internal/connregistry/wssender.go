package connregistry

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/trebuchet-run/trebuchet/internal/trebuerr"
)

// WebSocketSender is a Sender mapping connectionID onto a live
// *websocket.Conn, the server-push primitive a stateless function-style
// host's gateway terminates. Writes are serialized per connection since
// gorilla/websocket forbids concurrent writers on one connection.
type WebSocketSender struct {
	mu    sync.Mutex
	conns map[uuid.UUID]*websocket.Conn
}

// NewWebSocketSender builds an empty sender; connections are added as
// gateway handshakes complete.
func NewWebSocketSender() *WebSocketSender {
	return &WebSocketSender{conns: make(map[uuid.UUID]*websocket.Conn)}
}

// Attach registers conn under connectionID for future Send calls.
func (w *WebSocketSender) Attach(connectionID uuid.UUID, conn *websocket.Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conns[connectionID] = conn
}

// Detach removes connectionID, e.g. after the socket closes.
func (w *WebSocketSender) Detach(connectionID uuid.UUID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.conns, connectionID)
}

// Send writes payload as one binary websocket message. A missing
// connection or write failure maps to connectionFailed, the permanent
// case callers respond to by dropping the connection's record.
func (w *WebSocketSender) Send(ctx context.Context, connectionID uuid.UUID, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	conn, ok := w.conns[connectionID]
	if !ok {
		return trebuerr.New(trebuerr.ConnectionFailed, "no websocket attached for connection")
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		delete(w.conns, connectionID)
		return trebuerr.Wrap(trebuerr.ConnectionFailed, "websocket write failed", err)
	}
	return nil
}
