package session

import (
	"context"
	"errors"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/room4-2/VoiceLedger/agent"
	"github.com/room4-2/VoiceLedger/audio"
	"github.com/room4-2/VoiceLedger/messages"
	"github.com/room4-2/VoiceLedger/playback"
)

// NewTwilioClientSession creates a session for a Twilio Media Streams call.
// The agent connects on the stream's start event with the default voice.
func NewTwilioClientSession(id string, clientConn *websocket.Conn, opts Options) *ClientSession {
	cs := newClientSession(id, clientConn, opts)
	cs.IsTwilio = true

	// Twilio doesn't support WebSocket compression
	clientConn.EnableWriteCompression(false)

	cs.Agent = agent.New(opts.Factory.AgentConfig(opts.Token, cs.Mic, &twilioSink{cs: cs}))
	cs.setupTwilioAgentCallbacks()
	return cs
}

// StartTwilio begins the bidirectional message handling for Twilio voice calls
func (cs *ClientSession) StartTwilio() {
	go cs.writePump()
	go cs.handleClientMessagesFromTwilio()
}

func (cs *ClientSession) setupTwilioAgentCallbacks() {
	cs.Agent.OnStateChange = func(s agent.State) {
		cs.logger.Debug("call state changed", zap.Stringer("state", s))
		cs.persistStatus(s.String())
	}
	cs.Agent.OnMessage = func(m agent.Message) {
		cs.logger.Info("call turn", zap.String("role", string(m.Role)), zap.String("text", m.Text))
		cs.persistMessage(m)
	}
	cs.Agent.OnError = func(err error) {
		cs.logger.Warn("call error", zap.Error(err))
		if errors.Is(err, agent.ErrConnectionLost) {
			_ = cs.Close()
		}
	}
}

func (cs *ClientSession) streamSid() string {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.StreamSid
}

// twilioSink paces mu-law frames back onto the call. A cancelled chunk
// means playback was interrupted, so Twilio is told to drop what it holds.
type twilioSink struct {
	cs *ClientSession
}

func (s *twilioSink) Play(ctx context.Context, chunk []byte) error {
	paced := playback.PacedSink{Write: s.write}
	err := paced.Play(ctx, chunk)
	if errors.Is(err, context.Canceled) {
		if sid := s.cs.streamSid(); sid != "" {
			s.cs.queueMessage(messages.NewTwilioClear(sid))
		}
	}
	return err
}

func (s *twilioSink) write(pcm []byte) error {
	sid := s.cs.streamSid()
	if sid == "" {
		s.cs.logger.Warn("received model audio before the stream started")
		return nil
	}
	s.cs.queueMessage(messages.NewTwilioMessageBack(sid, audio.EncodeBase64(audio.PCMToMuLaw(pcm))))
	return nil
}

// handleClientMessagesFromTwilio processes Twilio WebSocket protocol messages.
// Twilio sends: connected, start, media, mark, stop events.
func (cs *ClientSession) handleClientMessagesFromTwilio() {
	defer cs.Close()

	for {
		_, message, err := cs.ClientConn.ReadMessage()
		if err != nil {
			if !cs.IsClosed() {
				cs.logger.Info("twilio connection closed", zap.Error(err))
			}
			return
		}
		cs.touch()

		var ev messages.TwilioEvent
		if err := sonic.Unmarshal(message, &ev); err != nil {
			cs.logger.Warn("failed to parse twilio message", zap.Error(err))
			continue
		}
		if done := cs.handleTwilioEvent(&ev); done {
			return
		}
	}
}

// handleTwilioEvent applies one event and reports whether the call ended.
func (cs *ClientSession) handleTwilioEvent(ev *messages.TwilioEvent) bool {
	switch ev.Event {
	case "connected":
		cs.logger.Debug("twilio stream connected")
	case "start":
		if ev.Start == nil || ev.Start.StreamSid == "" {
			cs.logger.Warn("twilio start event missing streamSid")
			return false
		}
		cs.mu.Lock()
		cs.StreamSid = ev.Start.StreamSid
		cs.mu.Unlock()
		cs.logger.Info("twilio stream started",
			zap.String("stream_sid", ev.Start.StreamSid),
			zap.String("call_sid", ev.Start.CallSid))
		cs.connect(ev.Start.CustomParameters["voice"])
	case "media":
		if ev.Media == nil {
			return false
		}
		mu, err := audio.DecodeBase64(ev.Media.Payload)
		if err != nil {
			cs.logger.Warn("failed to decode twilio audio", zap.Error(err))
			return false
		}
		cs.Mic.Push(audio.MuLawToPCM(mu))
	case "mark":
		if ev.Mark != nil {
			cs.logger.Debug("twilio mark", zap.String("name", ev.Mark.Name))
		}
	case "stop":
		cs.logger.Info("twilio stream stopped")
		return true
	default:
		cs.logger.Debug("unknown twilio event", zap.String("event", ev.Event))
	}
	return false
}
