package protocol

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"nhooyr.io/websocket"
)

// DialWebSocket returns a Dial func that tunnels the protocol through a WebSocket connection,
// one binary message per write.
func DialWebSocket(url string, httpClient *http.Client) func(ctx context.Context) (net.Conn, error) {
	return func(ctx context.Context) (net.Conn, error) {
		wsConn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
			HTTPClient:      httpClient,
			CompressionMode: websocket.CompressionContextTakeover,
		})
		if err != nil {
			return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
		}
		wsConn.SetReadLimit(HeaderSize + DefaultMaxChunkSize)
		return websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary), nil
	}
}
