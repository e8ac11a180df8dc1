package hub

import (
	"context"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wsTransport adapts a websocket connection to the Transport interface.
type wsTransport struct {
	conn *websocket.Conn
}

// NewWebsocketTransport wraps an accepted websocket connection.
func NewWebsocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) WriteJSON(ctx context.Context, v any) error {
	return wsjson.Write(ctx, t.conn, v)
}

func (t *wsTransport) ReadJSON(ctx context.Context, v any) error {
	return wsjson.Read(ctx, t.conn, v)
}

// Ping waits for the pong, so a successful return is acknowledged liveness.
func (t *wsTransport) Ping(ctx context.Context) error {
	return t.conn.Ping(ctx)
}

func (t *wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}
