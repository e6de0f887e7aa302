package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tOgg1/pigeon/internal/models"
)

const (
	// TransportWebSocket names the streaming transport.
	TransportWebSocket = "websocket"

	writeWait          = 10 * time.Second
	defaultPingPeriod  = 30 * time.Second
	defaultDialTimeout = 5 * time.Second
	defaultSendBuffer  = 128
)

// WebSocketConfig configures the websocket transport.
type WebSocketConfig struct {
	URL          string
	DialTimeout  time.Duration
	PingInterval time.Duration
	SendBuffer   int
	Header       http.Header
}

// WebSocketTransport streams envelopes over GET {url}/socket?id=<identity>.
type WebSocketTransport struct {
	cfg    WebSocketConfig
	dialer *websocket.Dialer
}

// NewWebSocketTransport applies defaults to cfg.
func NewWebSocketTransport(cfg WebSocketConfig) *WebSocketTransport {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingPeriod
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	return &WebSocketTransport{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
	}
}

func (t *WebSocketTransport) Name() string { return TransportWebSocket }

func (t *WebSocketTransport) Dial(ctx context.Context, identity models.Identity) (Conn, error) {
	u, err := endpoint(t.cfg.URL, "/socket", identity, nil)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()
	ws, resp, err := t.dialer.DialContext(dialCtx, u.String(), t.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	conn := &wsConn{
		ws:    ws,
		send:  make(chan []byte, t.cfg.SendBuffer),
		close: make(chan struct{}),
		done:  make(chan struct{}),
		ping:  t.cfg.PingInterval,
	}
	go conn.writeLoop()
	return conn, nil
}

// wsConn coordinates outbound writes through a buffered channel so that
// frames and pings never interleave on the socket.
type wsConn struct {
	ws    *websocket.Conn
	send  chan []byte
	once  sync.Once
	close chan struct{}
	done  chan struct{}
	ping  time.Duration
}

func (c *wsConn) Send(ctx context.Context, env models.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	select {
	case <-c.close:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	case c.send <- payload:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *wsConn) Receive(ctx context.Context) (models.Envelope, error) {
	for {
		if err := ctx.Err(); err != nil {
			return models.Envelope{}, err
		}
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.close:
				return models.Envelope{}, ErrConnClosed
			default:
			}
			return models.Envelope{}, fmt.Errorf("websocket read: %w", err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return models.Envelope{}, fmt.Errorf("decode envelope: %w", err)
		}
		return env, nil
	}
}

// Close flushes frames already queued, then closes the socket.
func (c *wsConn) Close() error {
	c.once.Do(func() {
		close(c.close)
		select {
		case <-c.done:
		case <-time.After(writeWait):
		}
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
	return nil
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(c.ping)
	defer ticker.Stop()
	defer close(c.done)

	for {
		select {
		case <-c.close:
			c.drain()
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				_ = c.ws.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				_ = c.ws.Close()
				return
			}
		}
	}
}

func (c *wsConn) drain() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) write(kind int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(kind, payload)
}
