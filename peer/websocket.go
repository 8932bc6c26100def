package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

// WebSocketDialer connects to the model's WebSocket endpoint. Audio then
// travels inside events in both directions.
type WebSocketDialer struct {
	URL    string
	Model  string
	Dialer *websocket.Dialer
	Logger *zap.Logger
}

// Endpoint maps an https realtime URL onto its wss form.
func (d *WebSocketDialer) Endpoint() (string, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return "", fmt.Errorf("invalid realtime url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	if d.Model != "" {
		q := u.Query()
		q.Set("model", d.Model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (d *WebSocketDialer) Dial(ctx context.Context, token string, h Handlers) (Transport, error) {
	endpoint, err := d.Endpoint()
	if err != nil {
		return nil, &NegotiationError{Err: err}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, &NegotiationError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		}
		return nil, &NegotiationError{Err: err}
	}

	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &wsTransport{conn: conn, handlers: h, logger: logger}
	go t.readPump()
	return t, nil
}

type wsTransport struct {
	conn     *websocket.Conn
	handlers Handlers
	logger   *zap.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

func (t *wsTransport) readPump() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			local := t.closed
			t.closed = true
			t.mu.Unlock()

			if !local {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					t.logger.Warn("realtime websocket closed unexpectedly", zap.Error(err))
				}
				_ = t.conn.Close()
				t.handlers.closed(err)
			}
			return
		}
		t.handlers.message(data)
	}
}

func (t *wsTransport) Send(data []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return errors.New("transport closed")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.writeMu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return t.conn.Close()
}
