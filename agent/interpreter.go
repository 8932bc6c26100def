package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/room4-2/VoiceLedger/audio"
	"github.com/room4-2/VoiceLedger/realtime"
)

// Dispatcher executes a tool call and returns a JSON-serializable result.
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, args map[string]any) (any, error)
}

// Sender transmits one encoded event to the model.
type Sender interface {
	Send(data []byte) error
}

// Player is the part of the playback queue the interpreter drives.
type Player interface {
	AddToQueue(chunk []byte) error
	Playing() bool
	Clear()
}

// Hooks observe session changes. They run on the interpreter's goroutine.
type Hooks struct {
	OnStateChange     func(State)
	OnMessage         func(Message)
	OnTranscriptDelta func(delta, partial string)
	OnAudio           func(chunk []byte)
	OnError           func(error)
}

// Interpreter applies server events to a Session. Handle and the playback
// notifications must be called from a single goroutine; the snapshot
// accessors may be called from anywhere.
type Interpreter struct {
	out        Sender
	player     Player
	dispatcher Dispatcher
	hooks      Hooks
	logger     *zap.Logger

	// SessionUpdate is sent once the model announces session.created.
	sessionUpdate []byte
	// InterruptOnSpeech clears queued speech when the user starts talking.
	interruptOnSpeech bool

	decodeArgs func(string) (map[string]any, error)

	mu      sync.RWMutex
	session *Session
}

// InterpreterConfig wires an Interpreter to its collaborators.
type InterpreterConfig struct {
	Out               Sender
	Player            Player
	Dispatcher        Dispatcher
	Hooks             Hooks
	Logger            *zap.Logger
	SessionUpdate     []byte
	InterruptOnSpeech bool
}

func NewInterpreter(cfg InterpreterConfig) *Interpreter {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Interpreter{
		out:               cfg.Out,
		player:            cfg.Player,
		dispatcher:        cfg.Dispatcher,
		hooks:             cfg.Hooks,
		logger:            logger,
		sessionUpdate:     cfg.SessionUpdate,
		interruptOnSpeech: cfg.InterruptOnSpeech,
		decodeArgs:        decodeArguments,
		session:           newSession(),
	}
}

func decodeArguments(raw string) (map[string]any, error) {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args, nil
	}
	if err := sonic.UnmarshalString(raw, &args); err != nil {
		return nil, err
	}
	return args, nil
}

// Handle decodes and applies one inbound frame. Malformed frames leave the
// session untouched and come back as *MalformedEventError.
func (in *Interpreter) Handle(ctx context.Context, raw []byte) error {
	ev, err := realtime.Decode(raw)
	if err != nil {
		var decErr *realtime.DecodeError
		if errors.As(err, &decErr) {
			return &MalformedEventError{Type: decErr.Type, Err: err}
		}
		return &MalformedEventError{Err: err}
	}
	return in.Apply(ctx, ev)
}

// Apply runs the transition for one decoded event.
func (in *Interpreter) Apply(ctx context.Context, ev realtime.Event) error {
	if in.isClosed() {
		return nil
	}

	switch e := ev.(type) {
	case realtime.SessionReady:
		if e.Type == realtime.TypeSessionCreated && len(in.sessionUpdate) > 0 {
			if err := in.send(in.sessionUpdate); err != nil {
				in.logger.Warn("failed to send session update", zap.Error(err))
			}
		}
		in.setState(StateListening)

	case realtime.SpeechStarted:
		in.mu.Lock()
		in.session.Partial = ""
		in.mu.Unlock()
		if in.interruptOnSpeech && in.player != nil && in.player.Playing() {
			in.logger.Debug("user barged in, clearing playback")
			in.player.Clear()
		}
		in.setState(StateListening)

	case realtime.SpeechStopped:
		in.setState(StateProcessing)

	case realtime.InputTranscriptionCompleted:
		if text := strings.TrimSpace(e.Transcript); text != "" {
			in.appendMessage(newMessage(RoleUser, text, false))
		}

	case realtime.TranscriptDelta:
		in.mu.Lock()
		in.session.Partial += e.Delta
		partial := in.session.Partial
		in.mu.Unlock()
		if in.hooks.OnTranscriptDelta != nil {
			in.hooks.OnTranscriptDelta(e.Delta, partial)
		}

	case realtime.TranscriptDone:
		in.mu.Lock()
		text := e.Transcript
		if text == "" {
			text = in.session.Partial
		}
		in.session.Partial = ""
		played := in.session.audioInResponse
		in.mu.Unlock()
		if text = strings.TrimSpace(text); text != "" {
			in.appendMessage(newMessage(RoleAssistant, text, played))
		}

	case realtime.AudioDelta:
		pcm, err := audio.DecodeBase64(e.Delta)
		if err != nil {
			return &MalformedEventError{Type: realtime.TypeAudioDelta, Err: err}
		}
		in.playAudio(pcm)

	case realtime.AudioDone:
		// speaking ends when the queue drains, not here

	case realtime.FunctionArgumentsDelta:
		in.mu.Lock()
		call, ok := in.session.Pending[e.CallID]
		if !ok {
			call = &PendingToolCall{CallID: e.CallID}
			in.session.Pending[e.CallID] = call
		}
		if call.Name == "" {
			call.Name = e.Name
		}
		call.arguments.WriteString(e.Delta)
		in.mu.Unlock()

	case realtime.FunctionArgumentsDone:
		return in.completeToolCall(ctx, e)

	case realtime.ResponseCreated:
		in.mu.Lock()
		in.session.responding = true
		in.session.audioInResponse = false
		in.mu.Unlock()

	case realtime.ResponseDone:
		in.mu.Lock()
		in.session.responding = false
		in.mu.Unlock()
		if in.player == nil || !in.player.Playing() {
			in.setState(StateListening)
		}

	case realtime.ErrorEvent:
		err := &RemoteError{Code: e.Code, Kind: e.Kind, Message: e.Message}
		in.logger.Error("realtime model reported an error", zap.Error(err))
		in.setState(StateError)
		in.mu.Lock()
		in.session.failed = true
		in.mu.Unlock()
		if in.hooks.OnError != nil {
			in.hooks.OnError(err)
		}

	case realtime.Unknown:
		in.logger.Debug("ignoring event", zap.String("type", e.Type))
	}
	return nil
}

// PlayRemoteAudio queues model speech that arrived on the media track
// rather than as audio events.
func (in *Interpreter) PlayRemoteAudio(pcm []byte) {
	if in.isClosed() {
		return
	}
	in.playAudio(pcm)
}

func (in *Interpreter) playAudio(pcm []byte) {
	if len(pcm) == 0 {
		return
	}

	in.mu.Lock()
	in.session.audioInResponse = true
	in.mu.Unlock()

	if in.player != nil {
		if err := in.player.AddToQueue(pcm); err != nil {
			in.logger.Warn("dropping audio chunk", zap.Error(err))
		}
	}
	if in.hooks.OnAudio != nil {
		in.hooks.OnAudio(pcm)
	}
	in.setState(StateSpeaking)
}

func (in *Interpreter) completeToolCall(ctx context.Context, e realtime.FunctionArgumentsDone) error {
	in.mu.Lock()
	call := in.session.Pending[e.CallID]
	delete(in.session.Pending, e.CallID)
	in.mu.Unlock()

	name := e.Name
	raw := e.Arguments
	if call != nil {
		if name == "" {
			name = call.Name
		}
		if accumulated := call.Arguments(); accumulated != "" {
			raw = accumulated
		}
	}

	args, err := in.decodeArgs(raw)
	if err != nil {
		return &ToolDispatchError{CallID: e.CallID, Name: name, Err: fmt.Errorf("invalid arguments: %w", err)}
	}
	if in.dispatcher == nil {
		return &ToolDispatchError{CallID: e.CallID, Name: name, Err: errors.New("no tool dispatcher")}
	}

	result, err := in.dispatcher.Dispatch(ctx, name, args)
	if err != nil {
		return &ToolDispatchError{CallID: e.CallID, Name: name, Err: err}
	}

	output, err := sonic.MarshalString(result)
	if err != nil {
		return &ToolDispatchError{CallID: e.CallID, Name: name, Err: fmt.Errorf("unencodable result: %w", err)}
	}
	if err := in.sendEvent(realtime.NewFunctionCallOutput(e.CallID, output)); err != nil {
		return fmt.Errorf("send function output: %w", err)
	}
	if err := in.sendEvent(realtime.NewResponseCreate()); err != nil {
		return fmt.Errorf("request response: %w", err)
	}
	return nil
}

// PlaybackStarted is called when the queue begins rendering.
func (in *Interpreter) PlaybackStarted() {
	in.setState(StateSpeaking)
}

// PlaybackEnded is called when the queue has drained. The session only
// returns to listening if no response is still being generated.
func (in *Interpreter) PlaybackEnded() {
	in.mu.RLock()
	responding := in.session.responding
	in.mu.RUnlock()
	if !responding {
		in.setState(StateListening)
	}
}

// SendText injects a typed user turn and asks for a response.
func (in *Interpreter) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("empty message")
	}
	if err := in.sendEvent(realtime.NewUserText(text)); err != nil {
		return err
	}
	if err := in.sendEvent(realtime.NewResponseCreate()); err != nil {
		return err
	}
	in.appendMessage(newMessage(RoleUser, text, false))
	return nil
}

func (in *Interpreter) sendEvent(ev any) error {
	data, err := realtime.Encode(ev)
	if err != nil {
		return err
	}
	return in.send(data)
}

func (in *Interpreter) send(data []byte) error {
	if in.out == nil {
		return ErrNotConnected
	}
	return in.out.Send(data)
}

func (in *Interpreter) setState(s State) {
	in.mu.Lock()
	if in.session.closed || in.session.State == s || in.session.failed {
		in.mu.Unlock()
		return
	}
	in.session.State = s
	in.mu.Unlock()

	in.logger.Debug("state changed", zap.Stringer("state", s))
	if in.hooks.OnStateChange != nil {
		in.hooks.OnStateChange(s)
	}
}

func (in *Interpreter) appendMessage(m Message) {
	in.mu.Lock()
	if in.session.closed {
		in.mu.Unlock()
		return
	}
	in.session.Messages = append(in.session.Messages, m)
	in.mu.Unlock()

	if in.hooks.OnMessage != nil {
		in.hooks.OnMessage(m)
	}
}

func (in *Interpreter) setMuted(muted bool) {
	in.mu.Lock()
	in.session.Muted = muted
	in.mu.Unlock()
}

func (in *Interpreter) isClosed() bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.session.closed
}

// close ends the session: pending calls and partial text are dropped, the
// state settles on final and later events are ignored.
func (in *Interpreter) close(final State) {
	in.mu.Lock()
	in.session.Pending = make(map[string]*PendingToolCall)
	in.session.Partial = ""
	in.session.responding = false
	changed := in.session.State != final
	in.session.State = final
	in.session.closed = true
	in.mu.Unlock()

	if changed && in.hooks.OnStateChange != nil {
		in.hooks.OnStateChange(final)
	}
}

// State returns the current state.
func (in *Interpreter) State() State {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.session.State
}

// Messages returns a copy of the conversation so far.
func (in *Interpreter) Messages() []Message {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return append([]Message(nil), in.session.Messages...)
}

// PartialTranscript returns the assistant text streamed since the last
// finished turn.
func (in *Interpreter) PartialTranscript() string {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.session.Partial
}

// PendingCalls returns the accumulated argument text per unfinished call.
func (in *Interpreter) PendingCalls() map[string]string {
	in.mu.RLock()
	defer in.mu.RUnlock()
	out := make(map[string]string, len(in.session.Pending))
	for id, call := range in.session.Pending {
		out[id] = call.Arguments()
	}
	return out
}
