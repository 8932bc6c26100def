package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/VoiceLedger/agent"
	"github.com/room4-2/VoiceLedger/capture"
	"github.com/room4-2/VoiceLedger/credential"
	"github.com/room4-2/VoiceLedger/peer"
	"github.com/room4-2/VoiceLedger/playback"
	"github.com/room4-2/VoiceLedger/tools"
)

type fakeIssuer struct{}

func (fakeIssuer) Issue(context.Context, string) (credential.Credential, error) {
	return credential.Credential{Value: "ek_test", ExpiresAt: time.Now().Add(time.Minute)}, nil
}

type fakeTransport struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (t *fakeTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, append([]byte(nil), data...))
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// sentOfType returns the decoded outbound events with the given type.
func (t *fakeTransport) sentOfType(typ string) []map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []map[string]any
	for _, raw := range t.sent {
		var ev map[string]any
		if sonic.Unmarshal(raw, &ev) == nil && ev["type"] == typ {
			out = append(out, ev)
		}
	}
	return out
}

type fakeDialer struct {
	mu        sync.Mutex
	handlers  peer.Handlers
	transport *fakeTransport
	dialed    chan struct{}
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan struct{}, 4)}
}

func (d *fakeDialer) Dial(_ context.Context, _ string, h peer.Handlers) (peer.Transport, error) {
	t := &fakeTransport{}
	d.mu.Lock()
	d.handlers = h
	d.transport = t
	d.mu.Unlock()
	d.dialed <- struct{}{}
	return t, nil
}

func (d *fakeDialer) emit(raw string) {
	d.mu.Lock()
	h := d.handlers
	d.mu.Unlock()
	h.OnMessage([]byte(raw))
}

func (d *fakeDialer) current() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transport
}

func (d *fakeDialer) waitDialed(t *testing.T) {
	t.Helper()
	select {
	case <-d.dialed:
	case <-time.After(5 * time.Second):
		t.Fatal("agent never dialed")
	}
}

type fakeFactory struct {
	dialer *fakeDialer

	mu     sync.Mutex
	tokens []string
}

func (f *fakeFactory) AgentConfig(token string, mic capture.Source, speaker playback.Sink) agent.Config {
	f.mu.Lock()
	f.tokens = append(f.tokens, token)
	f.mu.Unlock()
	return agent.Config{
		Issuer:       fakeIssuer{},
		Dialer:       f.dialer,
		Dispatcher:   tools.NewRegistry(nil),
		Microphone:   mic,
		Speaker:      speaker,
		Instructions: "test instructions",
	}
}

func (f *fakeFactory) seenTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens...)
}

// dialPair returns both ends of a live websocket connection.
func dialPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case server = <-conns:
	case <-time.After(5 * time.Second):
		t.Fatal("server side never upgraded")
	}
	return server, client
}

// readUntil reads JSON frames until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg map[string]any
		require.NoError(t, sonic.Unmarshal(data, &msg))
		if match(msg) {
			return msg
		}
	}
}

func isStatus(status string) func(map[string]any) bool {
	return func(m map[string]any) bool {
		p, _ := m["payload"].(map[string]any)
		return m["type"] == "status" && p["status"] == status
	}
}

func isType(typ string) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["type"] == typ }
}

func sendControl(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"control","payload":`+payload+`}`)))
}

// stallingStore blocks every write until unblock is called, like a Redis
// that has stopped answering.
type stallingStore struct {
	release chan struct{}
	once    sync.Once

	mu       sync.Mutex
	status   []string
	messages []agent.Message
}

func newStallingStore() *stallingStore {
	return &stallingStore{release: make(chan struct{})}
}

func (s *stallingStore) unblock() { s.once.Do(func() { close(s.release) }) }

func (s *stallingStore) wait(ctx context.Context) error {
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *stallingStore) SaveSession(ctx context.Context, _ Info) error { return s.wait(ctx) }

func (s *stallingStore) Touch(ctx context.Context, _, status string, _ time.Time) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.status = append(s.status, status)
	s.mu.Unlock()
	return nil
}

func (s *stallingStore) AppendMessage(ctx context.Context, _ string, m agent.Message) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.mu.Unlock()
	return nil
}

func (s *stallingStore) Messages(context.Context, string) ([]agent.Message, error) {
	return s.transcript(), nil
}

func (s *stallingStore) DeleteSession(ctx context.Context, _ string) error { return s.wait(ctx) }

func (s *stallingStore) ActiveSessions(context.Context) ([]string, error) { return nil, nil }

func (s *stallingStore) Close() error { return nil }

func (s *stallingStore) statuses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.status...)
}

func (s *stallingStore) transcript() []agent.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]agent.Message(nil), s.messages...)
}
