package health

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// DefaultChannelTimeout bounds the websocket handshake and the greeting read.
const DefaultChannelTimeout = 5 * time.Second

// ChannelProbe dials the companion's websocket endpoint and waits for the
// connection_established greeting the backend sends to every new client.
// It verifies the realtime channel end to end, beyond what the HTTP health
// endpoint covers.
func ChannelProbe(ctx context.Context, wsURL string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultChannelTimeout
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	if typ := gjson.GetBytes(msg, "type").String(); typ != "connection_established" {
		return fmt.Errorf("unexpected greeting type %q", typ)
	}
	return nil
}
