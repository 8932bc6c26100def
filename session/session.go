package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/room4-2/VoiceLedger/agent"
	"github.com/room4-2/VoiceLedger/audio"
	"github.com/room4-2/VoiceLedger/capture"
	"github.com/room4-2/VoiceLedger/messages"
	"github.com/room4-2/VoiceLedger/playback"
)

const (
	writeBufferSize = 256
	writeTimeout    = 10 * time.Second
	readLimit       = 512 * 1024
	storeTimeout    = 2 * time.Second
	persistDepth    = 64
)

// ClientSession bridges one client connection to a voice agent.
type ClientSession struct {
	ID           string
	UserID       string
	IsTwilio     bool   // Whether this is a Twilio voice call session
	StreamSid    string // Twilio stream SID (set on "start" event)
	ClientConn   *websocket.Conn
	Agent        *agent.Agent
	Mic          *capture.StreamSource
	CreatedAt    time.Time
	LastActivity time.Time

	writeChan chan any
	persist   chan persistJob
	keepAlive time.Duration

	mu        sync.RWMutex
	closed    bool
	CloseChan chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc

	voice  string
	store  Store
	logger *zap.Logger
}

// Options configures a ClientSession.
type Options struct {
	UserID string
	Token  string
	// Voice is used when a connect request names none.
	Voice string
	// MaxBufferSize bounds the microphone audio queued ahead of the agent.
	MaxBufferSize int
	// KeepAlive is the ping period on the client socket. Zero disables it.
	KeepAlive time.Duration
	Factory   AgentFactory
	Store     Store
	Logger    *zap.Logger
}

// NewClientSession creates a session for a browser client.
func NewClientSession(id string, clientConn *websocket.Conn, opts Options) *ClientSession {
	cs := newClientSession(id, clientConn, opts)
	cs.Agent = agent.New(opts.Factory.AgentConfig(opts.Token, cs.Mic, playback.PacedSink{Write: cs.sendAudio}))
	cs.setupAgentCallbacks()
	return cs
}

func newClientSession(id string, clientConn *websocket.Conn, opts Options) *ClientSession {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	depth := opts.MaxBufferSize / audio.ChunkBytes
	ctx, cancel := context.WithCancel(context.Background())

	clientConn.SetReadLimit(readLimit)

	now := time.Now()
	cs := &ClientSession{
		ID:           id,
		UserID:       opts.UserID,
		ClientConn:   clientConn,
		Mic:          capture.NewStreamSource(depth),
		CreatedAt:    now,
		LastActivity: now,
		writeChan:    make(chan any, writeBufferSize),
		persist:      make(chan persistJob, persistDepth),
		keepAlive:    opts.KeepAlive,
		CloseChan:    make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		voice:        opts.Voice,
		store:        opts.Store,
		logger:       logger.With(zap.String("session_id", id)),
	}
	if cs.store != nil {
		go cs.persistLoop()
	}
	return cs
}

// Start begins the bidirectional message handling for browser clients.
func (cs *ClientSession) Start() {
	go cs.writePump()
	cs.queueMessage(messages.NewStatusMessage(cs.ID, "ready", "Session established"))
	go cs.handleClientMessages()
}

func (cs *ClientSession) setupAgentCallbacks() {
	cs.Agent.OnStateChange = func(s agent.State) {
		cs.queueMessage(messages.NewStatusMessage(cs.ID, s.String(), ""))
		cs.persistStatus(s.String())
	}
	cs.Agent.OnMessage = func(m agent.Message) {
		cs.queueMessage(messages.NewConversationMessage(cs.ID, messages.MessagePayload{
			ID:        m.ID,
			Role:      string(m.Role),
			Text:      m.Text,
			CreatedAt: m.CreatedAt,
		}))
		cs.persistMessage(m)
	}
	cs.Agent.OnTranscriptDelta = func(delta, partial string) {
		cs.queueMessage(messages.NewTranscriptMessage(cs.ID, delta, partial))
	}
	cs.Agent.OnError = func(err error) {
		cs.logger.Warn("voice session error", zap.Error(err))
		cs.queueMessage(messages.NewErrorMessage(cs.ID, ErrorCode(err), err.Error()))
	}
}

func (cs *ClientSession) sendAudio(chunk []byte) error {
	cs.queueMessage(messages.NewAudioMessage(cs.ID, audio.EncodeBase64(chunk)))
	return nil
}

// ErrorCode maps a session error onto the code reported to clients.
func ErrorCode(err error) string {
	var (
		credErr   *agent.CredentialError
		negErr    *agent.NegotiationError
		permErr   *agent.PermissionError
		remoteErr *agent.RemoteError
	)
	switch {
	case errors.As(err, &credErr):
		return messages.ErrCodeCredentialFailed
	case errors.As(err, &negErr):
		return messages.ErrCodeNegotiationFailed
	case errors.As(err, &permErr), errors.Is(err, capture.ErrPermissionDenied):
		return messages.ErrCodeMicrophoneDenied
	case errors.As(err, &remoteErr):
		return messages.ErrCodeRealtimeError
	case errors.Is(err, agent.ErrConnectionLost):
		return messages.ErrCodeConnectionClosed
	case errors.Is(err, agent.ErrNotConnected):
		return messages.ErrCodeNotConnected
	default:
		return messages.ErrCodeSessionFailed
	}
}

// writePump handles all outgoing messages in a single goroutine
func (cs *ClientSession) writePump() {
	defer func() {
		_ = cs.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = cs.ClientConn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
	}()

	var ping <-chan time.Time
	if cs.keepAlive > 0 {
		ticker := time.NewTicker(cs.keepAlive)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-cs.CloseChan:
			return
		case <-ping:
			if err := cs.ClientConn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				cs.logger.Debug("client ping failed", zap.Error(err))
				return
			}
		case msg := <-cs.writeChan:
			if err := cs.write(msg); err != nil {
				cs.logger.Debug("client write failed", zap.Error(err))
				return
			}

			n := len(cs.writeChan)
			for i := 0; i < n; i++ {
				if err := cs.write(<-cs.writeChan); err != nil {
					return
				}
			}
		}
	}
}

func (cs *ClientSession) write(msg any) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return err
	}
	_ = cs.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return cs.ClientConn.WriteMessage(websocket.TextMessage, data)
}

// queueMessage adds a message to the write queue (non-blocking)
func (cs *ClientSession) queueMessage(msg any) {
	cs.mu.RLock()
	closed := cs.closed
	cs.mu.RUnlock()
	if closed {
		return
	}
	select {
	case cs.writeChan <- msg:
		cs.touch()
	default:
		cs.logger.Warn("write queue full, dropping message")
	}
}

func (cs *ClientSession) touch() {
	cs.mu.Lock()
	cs.LastActivity = time.Now()
	cs.mu.Unlock()
}

// IdleSince reports when the session last saw traffic.
func (cs *ClientSession) IdleSince() time.Time {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.LastActivity
}

func (cs *ClientSession) handleClientMessages() {
	defer cs.Close()

	for {
		messageType, message, err := cs.ClientConn.ReadMessage()
		if err != nil {
			if !cs.IsClosed() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cs.logger.Info("client connection lost", zap.Error(err))
			}
			return
		}
		cs.touch()

		if messageType == websocket.BinaryMessage {
			cs.pushAudio(message)
			continue
		}

		var clientMsg messages.ClientMessage
		if err := sonic.Unmarshal(message, &clientMsg); err != nil {
			cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeInvalidMessage, "Invalid message format"))
			continue
		}
		cs.processClientMessage(&clientMsg)
	}
}

// pushAudio feeds one PCM16 frame to the agent's microphone. Frames sent
// while disconnected or muted are dropped.
func (cs *ClientSession) pushAudio(pcm []byte) {
	if cs.Mic.Push(pcm) || !cs.Agent.Connected() || cs.Agent.Muted() {
		return
	}
	cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeBufferFull, "Audio buffer full, frame dropped"))
}

func (cs *ClientSession) processClientMessage(msg *messages.ClientMessage) {
	switch msg.Type {
	case messages.ClientTypeAudio:
		var payload messages.AudioPayload
		if err := sonic.Unmarshal(msg.Payload, &payload); err != nil {
			cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeInvalidMessage, "Invalid audio payload"))
			return
		}
		pcm, err := audio.DecodeBase64(payload.Data)
		if err != nil {
			cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeInvalidMessage, "Invalid base64 audio data"))
			return
		}
		cs.pushAudio(pcm)

	case messages.ClientTypeControl:
		var payload messages.ControlPayload
		if err := sonic.Unmarshal(msg.Payload, &payload); err != nil {
			cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeInvalidMessage, "Invalid control payload"))
			return
		}
		cs.handleControlMessage(&payload)

	default:
		cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeInvalidMessage, "Unknown message type: "+msg.Type))
	}
}

func (cs *ClientSession) handleControlMessage(payload *messages.ControlPayload) {
	switch payload.Action {
	case messages.ActionPing:
		cs.queueMessage(messages.NewStatusMessage(cs.ID, "pong", ""))
	case messages.ActionConnect:
		cs.connect(payload.Voice)
	case messages.ActionDisconnect:
		cs.Agent.Disconnect()
	case messages.ActionMute:
		cs.Agent.SetMuted(true)
		cs.queueMessage(messages.NewStatusMessage(cs.ID, "muted", ""))
	case messages.ActionUnmute:
		cs.Agent.SetMuted(false)
		cs.queueMessage(messages.NewStatusMessage(cs.ID, "unmuted", ""))
	case messages.ActionText:
		if err := cs.Agent.SendText(payload.Text); err != nil {
			cs.queueMessage(messages.NewErrorMessage(cs.ID, ErrorCode(err), err.Error()))
		}
	default:
		cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeInvalidMessage, "Unknown control action: "+payload.Action))
	}
}

// connect runs Connect in the background so the read loop can still
// deliver a disconnect while negotiation is in flight.
func (cs *ClientSession) connect(voice string) {
	if voice == "" {
		voice = cs.voice
	}
	go func() {
		if err := cs.Agent.Connect(cs.ctx, voice); err != nil {
			cs.logger.Info("connect failed", zap.String("voice", voice), zap.Error(err))
		}
	}()
}

// persistJob is one store write. Exactly one of status and message is set.
type persistJob struct {
	status  string
	message *agent.Message
	at      time.Time
}

// persistStatus and persistMessage hand writes to persistLoop so a slow
// store never stalls the agent's event goroutine.
func (cs *ClientSession) persistStatus(status string) {
	cs.enqueuePersist(persistJob{status: status, at: time.Now()})
}

func (cs *ClientSession) persistMessage(m agent.Message) {
	cs.enqueuePersist(persistJob{message: &m, at: time.Now()})
}

func (cs *ClientSession) enqueuePersist(job persistJob) {
	if cs.store == nil {
		return
	}
	select {
	case cs.persist <- job:
	default:
		cs.logger.Warn("persist queue full, dropping write", zap.String("status", job.status))
	}
}

// persistLoop applies store writes in order. Once the session closes it
// only flushes queued transcript lines; status writes would resurrect a
// summary the manager is about to delete.
func (cs *ClientSession) persistLoop() {
	for {
		select {
		case job := <-cs.persist:
			cs.applyPersist(job)
		case <-cs.CloseChan:
			for {
				select {
				case job := <-cs.persist:
					if job.message != nil {
						cs.applyPersist(job)
					}
				default:
					return
				}
			}
		}
	}
}

func (cs *ClientSession) applyPersist(job persistJob) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if job.message != nil {
		if err := cs.store.AppendMessage(ctx, cs.ID, *job.message); err != nil {
			cs.logger.Warn("failed to persist message", zap.String("message_id", job.message.ID), zap.Error(err))
		}
		return
	}
	if err := cs.store.Touch(ctx, cs.ID, job.status, job.at); err != nil {
		cs.logger.Warn("failed to persist session status", zap.Error(err))
	}
}

// Info summarizes the session for the store.
func (cs *ClientSession) Info() Info {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return Info{
		ID:           cs.ID,
		UserID:       cs.UserID,
		IsTwilio:     cs.IsTwilio,
		CreatedAt:    cs.CreatedAt,
		LastActivity: cs.LastActivity,
		Status:       "active",
	}
}

// IsClosed returns whether the session is closed
func (cs *ClientSession) IsClosed() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.closed
}

// Close terminates the session and cleans up resources
func (cs *ClientSession) Close() error {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return nil
	}
	cs.closed = true
	cs.mu.Unlock()

	cs.cancel()
	close(cs.CloseChan)

	if cs.Agent != nil {
		cs.Agent.Disconnect()
	}
	_ = cs.Mic.Close()

	if err := cs.ClientConn.Close(); err != nil {
		return fmt.Errorf("close client connection: %w", err)
	}
	return nil
}
