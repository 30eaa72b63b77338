package mcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
)

// WebSocketTransport exchanges one protocol message per text frame.
type WebSocketTransport struct {
	conn *websocket.Conn

	closeOnce sync.Once
	closeErr  error
}

func DialWebSocket(ctx context.Context, endpoint string, headers map[string]string) (*WebSocketTransport, error) {
	target := strings.TrimSpace(endpoint)
	if target == "" {
		return nil, errors.New("websocket transport requires url")
	}
	parsed, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket url: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return nil, fmt.Errorf("websocket transport requires ws:// or wss:// url: %s", target)
	}

	requestHeaders := http.Header{}
	for key, value := range headers {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		requestHeaders.Set(trimmedKey, value)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: defaultHandshakeTimeout,
		Subprotocols:     []string{"mcp"},
	}
	conn, resp, err := dialer.DialContext(ctx, target, requestHeaders)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return &WebSocketTransport{conn: conn}, nil
}

func (t *WebSocketTransport) Send(ctx context.Context, frame []byte) error {
	if err := applyWSWriteDeadline(ctx, t.conn); err != nil {
		return classifyWSError(err)
	}
	return classifyWSError(t.conn.WriteMessage(websocket.TextMessage, frame))
}

func (t *WebSocketTransport) Receive() ([]byte, error) {
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, classifyWSError(err)
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		if len(strings.TrimSpace(string(data))) == 0 {
			continue
		}
		return data, nil
	}
}

func (t *WebSocketTransport) Close() error {
	t.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		if err := t.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			t.closeErr = err
		}
	})
	return t.closeErr
}

func applyWSWriteDeadline(ctx context.Context, conn *websocket.Conn) error {
	if deadline, ok := ctx.Deadline(); ok {
		return conn.SetWriteDeadline(deadline)
	}
	return conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
}

func classifyWSError(err error) error {
	if err == nil {
		return nil
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) || errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("%w: %v", ErrPeerClosed, err)
	}
	return classifyStreamError(err)
}
