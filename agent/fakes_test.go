package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/room4-2/VoiceLedger/credential"
	"github.com/room4-2/VoiceLedger/peer"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []map[string]any
	err  error
}

func (s *fakeSender) Send(data []byte) error {
	if s.err != nil {
		return s.err
	}
	var ev map[string]any
	if err := sonic.Unmarshal(data, &ev); err != nil {
		return err
	}
	s.mu.Lock()
	s.sent = append(s.sent, ev)
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, ev := range s.sent {
		out = append(out, ev["type"].(string))
	}
	return out
}

func (s *fakeSender) events() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.sent...)
}

type fakePlayer struct {
	mu      sync.Mutex
	chunks  [][]byte
	playing bool
	cleared int
}

func (p *fakePlayer) AddToQueue(chunk []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunks = append(p.chunks, chunk)
	p.playing = true
	return nil
}

func (p *fakePlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *fakePlayer) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunks = nil
	p.cleared++
}

func (p *fakePlayer) setPlaying(v bool) {
	p.mu.Lock()
	p.playing = v
	p.mu.Unlock()
}

type toolCall struct {
	Name string
	Args map[string]any
}

type fakeDispatcher struct {
	mu     sync.Mutex
	calls  []toolCall
	result any
	err    error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, name string, args map[string]any) (any, error) {
	d.mu.Lock()
	d.calls = append(d.calls, toolCall{Name: name, Args: args})
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return d.result, nil
}

func (d *fakeDispatcher) snapshot() []toolCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]toolCall(nil), d.calls...)
}

type fakeIssuer struct {
	value string
	err   error
	block bool
}

func (i *fakeIssuer) Issue(ctx context.Context, _ string) (credential.Credential, error) {
	if i.block {
		<-ctx.Done()
		return credential.Credential{}, ctx.Err()
	}
	if i.err != nil {
		return credential.Credential{}, i.err
	}
	return credential.Credential{Value: i.value}, nil
}

type fakeTransport struct {
	fakeSender
	closeMu sync.Mutex
	closed  bool
}

func (t *fakeTransport) Close() error {
	t.closeMu.Lock()
	t.closed = true
	t.closeMu.Unlock()
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	return t.closed
}

// fakeMediaTransport also carries microphone audio on a media track.
type fakeMediaTransport struct {
	fakeTransport
	audioMu sync.Mutex
	written [][]byte
}

func (t *fakeMediaTransport) WriteAudio(pcm []byte) error {
	t.audioMu.Lock()
	t.written = append(t.written, pcm)
	t.audioMu.Unlock()
	return nil
}

func (t *fakeMediaTransport) audio() [][]byte {
	t.audioMu.Lock()
	defer t.audioMu.Unlock()
	return append([][]byte(nil), t.written...)
}

type fakeDialer struct {
	mu        sync.Mutex
	token     string
	handlers  peer.Handlers
	transport *fakeTransport
	media     *fakeMediaTransport
	all       []*fakeTransport
	dials     int
	err       error
	// block holds every Dial until cancelled, blockFirst only the first.
	block      bool
	blockFirst bool
	// linger delays the return of a cancelled Dial.
	linger    time.Duration
	withMedia bool
	started   chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, token string, h peer.Handlers) (peer.Transport, error) {
	d.mu.Lock()
	d.dials++
	first := d.dials == 1
	block := d.block || (d.blockFirst && first)
	d.mu.Unlock()

	if d.started != nil && first {
		close(d.started)
	}
	if block {
		<-ctx.Done()
		time.Sleep(d.linger)
		return nil, ctx.Err()
	}
	if d.err != nil {
		return nil, d.err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.token = token
	d.handlers = h
	if d.withMedia {
		d.media = &fakeMediaTransport{}
		d.transport = &d.media.fakeTransport
		d.all = append(d.all, d.transport)
		return d.media, nil
	}
	d.transport = &fakeTransport{}
	d.all = append(d.all, d.transport)
	return d.transport, nil
}

// open returns the transports that were never closed.
func (d *fakeDialer) open() []*fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*fakeTransport
	for _, t := range d.all {
		if !t.isClosed() {
			out = append(out, t)
		}
	}
	return out
}

// emit delivers a server event the way a transport would.
func (d *fakeDialer) emit(frame string) {
	d.mu.Lock()
	h := d.handlers
	d.mu.Unlock()
	h.OnMessage([]byte(frame))
}

// speak delivers decoded model speech the way a media transport would.
func (d *fakeDialer) speak(pcm []byte) {
	d.mu.Lock()
	h := d.handlers
	d.mu.Unlock()
	h.OnRemoteAudio(pcm)
}

func (d *fakeDialer) drop(err error) {
	d.mu.Lock()
	h := d.handlers
	d.mu.Unlock()
	h.OnClose(err)
}

var errBoom = errors.New("boom")
