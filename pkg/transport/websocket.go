package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lexrt/pkg/protocol"
)

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 10 * time.Second

// DefaultHandshakeTimeout bounds the WebSocket opening handshake.
const DefaultHandshakeTimeout = 10 * time.Second

// ErrClosed is returned by Send and Receive after Close.
var ErrClosed = errors.New("transport closed")

// WebSocketDialer dials <BaseURL>/rt/<namespace>.
type WebSocketDialer struct {
	BaseURL          string
	Header           http.Header
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// Dial opens a WebSocket for namespace.
func (d *WebSocketDialer) Dial(ctx context.Context, namespace string) (Transport, error) {
	endpoint, err := EndpointURL(d.BaseURL, namespace)
	if err != nil {
		return nil, err
	}

	hs := d.HandshakeTimeout
	if hs == 0 {
		hs = DefaultHandshakeTimeout
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: hs,
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return NewWebSocket(conn, d.WriteTimeout), nil
}

// EndpointURL maps an http(s) or ws(s) base URL to the WebSocket URL of a
// namespace.
func EndpointURL(base, namespace string) (string, error) {
	if namespace == "" {
		return "", fmt.Errorf("empty namespace")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse server url %q: %w", base, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + protocol.RealtimePathPrefix + url.PathEscape(namespace)
	return u.String(), nil
}

// webSocket frames one envelope per text message.
type webSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewWebSocket wraps an established connection. It is used by the dialer
// and by servers after an upgrade.
func NewWebSocket(conn *websocket.Conn, writeTimeout time.Duration) Transport {
	if writeTimeout == 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &webSocket{
		conn:         conn,
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
	}
}

func (w *webSocket) Send(ctx context.Context, env protocol.Envelope) error {
	select {
	case <-w.closed:
		return ErrClosed
	default:
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	deadline := time.Now().Add(w.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(deadline)
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", env.Event, err)
	}
	return nil
}

func (w *webSocket) Receive() (protocol.Envelope, error) {
	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			select {
			case <-w.closed:
				return protocol.Envelope{}, ErrClosed
			default:
			}
			return protocol.Envelope{}, fmt.Errorf("read frame: %w", err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			continue // skip malformed frames
		}
		return env, nil
	}
}

func (w *webSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closed)
		// WriteControl may run concurrently with WriteMessage.
		_ = w.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = w.conn.Close()
	})
	return err
}
