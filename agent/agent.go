package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/room4-2/VoiceLedger/capture"
	"github.com/room4-2/VoiceLedger/credential"
	"github.com/room4-2/VoiceLedger/peer"
	"github.com/room4-2/VoiceLedger/playback"
	"github.com/room4-2/VoiceLedger/realtime"
)

const inboundDepth = 256

// Issuer mints the short-lived key that authenticates a connection.
type Issuer interface {
	Issue(ctx context.Context, voice string) (credential.Credential, error)
}

// Config holds the collaborators of an Agent.
type Config struct {
	Issuer     Issuer
	Dialer     peer.Dialer
	Dispatcher Dispatcher
	Microphone capture.Source
	Speaker    playback.Sink

	Instructions      string
	Tools             []realtime.Tool
	InterruptOnSpeech bool

	Logger *zap.Logger
}

// Agent owns at most one live voice session. Callback fields must be set
// before Connect and are invoked from the session goroutine.
type Agent struct {
	OnStateChange     func(State)
	OnMessage         func(Message)
	OnTranscriptDelta func(delta, partial string)
	OnAudio           func(chunk []byte)
	OnError           func(error)

	cfg    Config
	logger *zap.Logger

	mu            sync.Mutex
	gen           uint64
	cancelConnect context.CancelFunc
	// last is the most recent attempt. A new attempt waits for it to be
	// released before touching the shared microphone.
	last   *connection
	conn   *connection
	interp *Interpreter
	muted  bool
}

// New creates a disconnected agent.
func New(cfg Config) *Agent {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Agent{cfg: cfg, logger: logger}
	a.interp = NewInterpreter(InterpreterConfig{Logger: logger})
	return a
}

type playbackSignal int

const (
	playbackStarted playbackSignal = iota
	playbackEnded
)

// connection holds every resource allocated by one Connect.
type connection struct {
	ctx    context.Context
	cancel context.CancelFunc

	recorder *capture.Recorder
	queue    *playback.Queue

	inbound  chan []byte
	speech   chan []byte
	playback chan playbackSignal
	lost     chan error
	done     chan struct{}
	released chan struct{}

	mu        sync.Mutex
	transport peer.Transport
	closeOnce sync.Once
}

func newConnection() *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{
		ctx:      ctx,
		cancel:   cancel,
		inbound:  make(chan []byte, inboundDepth),
		speech:   make(chan []byte, inboundDepth),
		playback: make(chan playbackSignal, 16),
		lost:     make(chan error, 1),
		done:     make(chan struct{}),
		released: make(chan struct{}),
	}
}

func (c *connection) Send(data []byte) error {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return ErrNotConnected
	}
	return t.Send(data)
}

// WriteAudio sends microphone audio on the media track when the transport
// has one, and as append events otherwise.
func (c *connection) WriteAudio(pcm []byte) error {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return ErrNotConnected
	}
	if media, ok := t.(peer.MediaTransport); ok {
		return media.WriteAudio(pcm)
	}
	data, err := realtime.Encode(realtime.NewAudioAppend(pcm))
	if err != nil {
		return err
	}
	return t.Send(data)
}

// deliver hands a frame to the session goroutine without reordering.
func (c *connection) deliver(data []byte) {
	select {
	case c.inbound <- data:
	case <-c.done:
	}
}

// hear hands decoded model speech to the session goroutine.
func (c *connection) hear(pcm []byte) {
	select {
	case c.speech <- pcm:
	case <-c.done:
	}
}

func (c *connection) signal(s playbackSignal) {
	select {
	case c.playback <- s:
	case <-c.done:
	}
}

func (c *connection) release() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()

		if c.recorder != nil {
			_ = c.recorder.Stop()
		}
		c.mu.Lock()
		t := c.transport
		c.transport = nil
		c.mu.Unlock()
		if t != nil {
			_ = t.Close()
		}
		if c.queue != nil {
			c.queue.Close()
		}
		close(c.released)
	})
}

func (a *Agent) hooks() Hooks {
	return Hooks{
		OnStateChange:     a.OnStateChange,
		OnMessage:         a.OnMessage,
		OnTranscriptDelta: a.OnTranscriptDelta,
		OnAudio:           a.OnAudio,
		OnError:           a.OnError,
	}
}

// Connect tears down any existing session and opens a new one with voice.
// It returns a *CredentialError, *PermissionError or *NegotiationError when
// the matching step fails; the state is then StateError.
func (a *Agent) Connect(ctx context.Context, voice string) error {
	a.Disconnect()

	conn := newConnection()
	tools := a.cfg.Tools
	update, err := realtime.Encode(realtime.NewSessionUpdate(a.cfg.Instructions, voice, tools))
	if err != nil {
		return fmt.Errorf("encode session update: %w", err)
	}
	interp := NewInterpreter(InterpreterConfig{
		Out:               conn,
		Dispatcher:        a.cfg.Dispatcher,
		Hooks:             a.hooks(),
		Logger:            a.logger,
		SessionUpdate:     update,
		InterruptOnSpeech: a.cfg.InterruptOnSpeech,
	})

	connectCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.mu.Lock()
	if a.cancelConnect != nil {
		// a concurrent Connect got here first
		a.cancelConnect()
	}
	a.gen++
	gen := a.gen
	a.cancelConnect = cancel
	prev := a.last
	a.last = conn
	stale, staleInterp := a.conn, a.interp
	a.conn = nil
	a.interp = interp
	interp.setMuted(a.muted)
	a.mu.Unlock()

	if stale != nil {
		// a concurrent Connect went live after our Disconnect
		stale.release()
		staleInterp.close(StateIdle)
	}

	interp.setState(StateConnecting)
	a.logger.Info("connecting voice session", zap.String("voice", voice))

	if prev != nil {
		select {
		case <-prev.released:
		case <-connectCtx.Done():
			return a.fail(gen, conn, interp, connectCtx.Err())
		}
	}

	cred, err := a.cfg.Issuer.Issue(connectCtx, voice)
	if err != nil {
		var credErr *CredentialError
		if !errors.As(err, &credErr) && !a.abandoned(gen) {
			err = &CredentialError{Err: err}
		}
		return a.fail(gen, conn, interp, err)
	}
	if cred.Value == "" {
		return a.fail(gen, conn, interp, &CredentialError{Reason: "empty credential"})
	}

	if a.cfg.Speaker != nil {
		conn.queue = playback.NewQueue(a.cfg.Speaker, playback.Hooks{
			OnPlaybackStart: func() { conn.signal(playbackStarted) },
			OnPlaybackEnd:   func() { conn.signal(playbackEnded) },
		}, a.logger)
		interp.player = conn.queue
	}

	if a.cfg.Microphone != nil {
		conn.recorder = capture.NewRecorder(a.cfg.Microphone, func(chunk []byte) {
			a.sendAudio(conn, chunk)
		}, a.logger)
		if err := conn.recorder.Start(connectCtx); err != nil {
			return a.fail(gen, conn, interp, err)
		}
		if a.Muted() {
			conn.recorder.Pause()
		}
	}

	transport, err := a.cfg.Dialer.Dial(connectCtx, cred.Value, peer.Handlers{
		OnMessage:     conn.deliver,
		OnRemoteAudio: conn.hear,
		OnClose: func(err error) {
			select {
			case conn.lost <- err:
			default:
			}
		},
	})
	if err != nil {
		var negErr *NegotiationError
		if !errors.As(err, &negErr) && !a.abandoned(gen) {
			err = &NegotiationError{Err: err}
		}
		return a.fail(gen, conn, interp, err)
	}

	a.mu.Lock()
	if a.gen != gen {
		a.mu.Unlock()
		_ = transport.Close()
		conn.release()
		return ErrConnectAbandoned
	}
	conn.mu.Lock()
	conn.transport = transport
	conn.mu.Unlock()
	a.conn = conn
	a.cancelConnect = nil
	a.mu.Unlock()

	go a.run(conn, interp)

	interp.setState(StateListening)
	a.logger.Info("voice session connected")
	return nil
}

func (a *Agent) abandoned(gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gen != gen
}

// fail releases a half-built connection. The state becomes StateError
// unless Disconnect already superseded this attempt.
func (a *Agent) fail(gen uint64, conn *connection, interp *Interpreter, err error) error {
	conn.release()

	a.mu.Lock()
	current := a.gen == gen
	if current {
		a.cancelConnect = nil
	}
	a.mu.Unlock()

	if !current {
		return ErrConnectAbandoned
	}

	a.logger.Error("failed to connect voice session", zap.Error(err))
	interp.close(StateError)
	if a.OnError != nil {
		a.OnError(err)
	}
	return err
}

// Disconnect releases the microphone, transport and speaker, drops pending
// tool calls and partial text and leaves the agent idle. It abandons an
// in-flight Connect. Safe to call at any time.
func (a *Agent) Disconnect() {
	a.mu.Lock()
	a.gen++
	if a.cancelConnect != nil {
		a.cancelConnect()
		a.cancelConnect = nil
	}
	conn := a.conn
	a.conn = nil
	interp := a.interp
	a.mu.Unlock()

	if conn != nil {
		conn.release()
		a.logger.Info("voice session disconnected")
	}
	interp.close(StateIdle)
}

// run is the session goroutine. Every event and playback notification is
// applied here, one at a time.
func (a *Agent) run(conn *connection, interp *Interpreter) {
	for {
		select {
		case <-conn.done:
			return

		case raw := <-conn.inbound:
			if err := interp.Handle(conn.ctx, raw); err != nil {
				a.logEventError(err)
			}

		case pcm := <-conn.speech:
			interp.PlayRemoteAudio(pcm)

		case sig := <-conn.playback:
			switch sig {
			case playbackStarted:
				interp.PlaybackStarted()
			case playbackEnded:
				interp.PlaybackEnded()
			}

		case err := <-conn.lost:
			a.connectionLost(conn, interp, err)
			return
		}
	}
}

func (a *Agent) logEventError(err error) {
	var malformed *MalformedEventError
	var toolErr *ToolDispatchError
	switch {
	case errors.As(err, &malformed):
		a.logger.Warn("dropping malformed event", zap.Error(err))
	case errors.As(err, &toolErr):
		a.logger.Error("tool call failed", zap.String("tool", toolErr.Name), zap.String("call_id", toolErr.CallID), zap.Error(toolErr.Err))
	default:
		a.logger.Warn("event handling failed", zap.Error(err))
	}
}

func (a *Agent) connectionLost(conn *connection, interp *Interpreter, err error) {
	a.mu.Lock()
	current := a.conn == conn
	if current {
		a.conn = nil
	}
	a.mu.Unlock()

	conn.release()
	if !current {
		return
	}

	a.logger.Warn("realtime connection lost", zap.Error(err))
	interp.close(StateError)
	if a.OnError != nil {
		a.OnError(fmt.Errorf("%w: %v", ErrConnectionLost, err))
	}
}

func (a *Agent) sendAudio(conn *connection, chunk []byte) {
	if err := conn.WriteAudio(chunk); err != nil && !errors.Is(err, ErrNotConnected) {
		a.logger.Debug("failed to send microphone audio", zap.Error(err))
	}
}

// SetMuted pauses or resumes the microphone without closing it.
func (a *Agent) SetMuted(muted bool) {
	a.mu.Lock()
	a.muted = muted
	conn := a.conn
	interp := a.interp
	a.mu.Unlock()

	interp.setMuted(muted)
	if conn == nil || conn.recorder == nil {
		return
	}
	if muted {
		conn.recorder.Pause()
	} else {
		conn.recorder.Resume()
	}
}

// Muted reports the mute flag.
func (a *Agent) Muted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.muted
}

// SendText adds a typed user turn to the conversation.
func (a *Agent) SendText(text string) error {
	a.mu.Lock()
	conn := a.conn
	interp := a.interp
	a.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return interp.SendText(text)
}

// Connected reports whether a session is live.
func (a *Agent) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil
}

func (a *Agent) current() *Interpreter {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interp
}

// State returns the state of the current or most recent session.
func (a *Agent) State() State { return a.current().State() }

// Messages returns a copy of the finished turns of the current session.
func (a *Agent) Messages() []Message { return a.current().Messages() }

// PartialTranscript returns the assistant text streamed since the last
// finished turn.
func (a *Agent) PartialTranscript() string { return a.current().PartialTranscript() }

// PendingCalls returns the argument text accumulated per unfinished tool
// call, keyed by call id.
func (a *Agent) PendingCalls() map[string]string { return a.current().PendingCalls() }
