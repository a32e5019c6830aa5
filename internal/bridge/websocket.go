package bridge

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsCloseGrace = time.Second

// WebSocketTransport carries one frame per websocket message.
type WebSocketTransport struct {
	conn   *websocket.Conn
	kind   int
	sendMu sync.Mutex
	once   sync.Once
	err    error
}

// NewWebSocketTransport wraps conn. Binary codecs should pass binary=true.
func NewWebSocketTransport(conn *websocket.Conn, binary bool) *WebSocketTransport {
	kind := websocket.TextMessage
	if binary {
		kind = websocket.BinaryMessage
	}
	return &WebSocketTransport{conn: conn, kind: kind}
}

// DialWebSocket connects to a host listening on url.
func DialWebSocket(ctx context.Context, url string, binary bool) (*WebSocketTransport, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWebSocketTransport(conn, binary), nil
}

func (t *WebSocketTransport) Send(frame []byte) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	return t.conn.WriteMessage(t.kind, frame)
}

func (t *WebSocketTransport) Recv() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

// Close sends a close frame (best effort) and closes the connection.
func (t *WebSocketTransport) Close() error {
	t.once.Do(func() {
		t.sendMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsCloseGrace))
		t.sendMu.Unlock()
		t.err = t.conn.Close()
	})
	return t.err
}

// WebSocketHandler upgrades every request and hands the transport to serve.
// serve owns the transport and runs on the request goroutine.
func WebSocketHandler(binary bool, serve func(*WebSocketTransport)) http.Handler {
	var upgrader websocket.Upgrader
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serve(NewWebSocketTransport(conn, binary))
	})
}
