package gqlws

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"detection-relay/internal/logging"
)

// Subprotocol is the WebSocket subprotocol negotiated for the stream.
const Subprotocol = "graphql-transport-ws"

const closeWriteTimeout = time.Second

// Conn is one message-oriented transport connection. ReadMessage returns
// whole messages; Close unblocks a pending ReadMessage.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error)
}

// WebSocketDialer dials the stream over gorilla/websocket.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	Subprotocols     []string
}

func (d WebSocketDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	subprotocols := d.Subprotocols
	if len(subprotocols) == 0 {
		subprotocols = []string{Subprotocol}
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
		Subprotocols:     subprotocols,
	}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = websocket.DefaultDialer.HandshakeTimeout
	}

	ws, resp, err := dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil && errors.Is(err, websocket.ErrBadHandshake) {
			defer resp.Body.Close()
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return nil, &HTTPStatusError{
				StatusCode: resp.StatusCode,
				Status:     resp.Status,
				Body:       logging.FormatHTTPPayload(data),
			}
		}
		return nil, err
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// CloseStatus reports the close code and reason when err is a WebSocket close
// frame received from the peer.
func CloseStatus(err error) (code int, reason string, ok bool) {
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		return 0, "", false
	}
	return closeErr.Code, closeErr.Text, true
}

// IsNormalClose reports a peer close with a normal or going-away code.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
