// Package agent runs one realtime voice session: it connects to the remote
// speech model, interprets the model's event stream and drives local audio
// capture and playback.
package agent

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// State is the externally visible status of a voice session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateListening
	StateProcessing
	StateSpeaking
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one finished conversation turn. Messages are never modified
// once recorded.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	// HasAudio is set when the turn was also spoken by the model.
	HasAudio bool `json:"has_audio,omitempty"`
}

func newMessage(role Role, text string, audio bool) Message {
	return Message{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Role:      role,
		Text:      text,
		CreatedAt: time.Now(),
		HasAudio:  audio,
	}
}

// PendingToolCall accumulates argument fragments for one call id. The text
// is only parsed once the call is complete.
type PendingToolCall struct {
	CallID    string
	Name      string
	arguments strings.Builder
}

// Arguments returns the fragments received so far, concatenated.
func (p *PendingToolCall) Arguments() string {
	return p.arguments.String()
}

// Session is the mutable record of one live connection.
type Session struct {
	State    State
	Muted    bool
	Messages []Message
	Partial  string
	Pending  map[string]*PendingToolCall

	// responding is set between response.created and response.done.
	responding bool
	// audioInResponse records whether the current response produced speech.
	audioInResponse bool
	// failed pins the state at StateError after the model reports an error.
	failed bool
	closed bool
}

func newSession() *Session {
	return &Session{
		State:   StateIdle,
		Pending: make(map[string]*PendingToolCall),
	}
}
