package messages

import "encoding/json"

// Client message types
const (
	ClientTypeAudio   = "audio"
	ClientTypeControl = "control"
)

// Control actions
const (
	ActionConnect    = "connect"
	ActionDisconnect = "disconnect"
	ActionMute       = "mute"
	ActionUnmute     = "unmute"
	ActionText       = "text"
	ActionPing       = "ping"
)

// ClientMessage represents a message from frontend client
type ClientMessage struct {
	Type    string          `json:"type"` // "audio", "control"
	Payload json.RawMessage `json:"payload"`
}

// AudioPayload contains audio data from client
type AudioPayload struct {
	Data string `json:"data"` // Base64-encoded PCM16 audio at 24kHz
}

// ControlPayload contains control commands
type ControlPayload struct {
	Action string `json:"action"`
	Voice  string `json:"voice,omitempty"` // for "connect"
	Text   string `json:"text,omitempty"`  // for "text"
}

// TwilioEvent is one frame of Twilio's Media Streams protocol.
type TwilioEvent struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid,omitempty"`
	Start     *TwilioStart `json:"start,omitempty"`
	Media     *Media       `json:"media,omitempty"`
	Mark      *TwilioMark  `json:"mark,omitempty"`
}

type TwilioStart struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type TwilioMark struct {
	Name string `json:"name"`
}
