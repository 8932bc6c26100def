package messages

import (
	"time"

	"github.com/room4-2/VoiceLedger/audio"
)

// Error codes
const (
	ErrCodeInvalidMessage    = "INVALID_MESSAGE"
	ErrCodeRealtimeError     = "REALTIME_ERROR"
	ErrCodeSessionFailed     = "SESSION_FAILED"
	ErrCodeConnectionClosed  = "CONNECTION_CLOSED"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeBufferFull        = "BUFFER_FULL"
	ErrCodeCredentialFailed  = "CREDENTIAL_FAILED"
	ErrCodeNegotiationFailed = "NEGOTIATION_FAILED"
	ErrCodeMicrophoneDenied  = "MICROPHONE_DENIED"
	ErrCodeNotConnected      = "NOT_CONNECTED"
)

// Message types
const (
	TypeAudio      = "audio"
	TypeTranscript = "transcript"
	TypeMessage    = "message"
	TypeStatus     = "status"
	TypeError      = "error"
)

type Media struct {
	Payload string `json:"payload"` // Base64-encoded mu-law audio data
}

// ServerMessage represents a message sent to frontend client
type ServerMessage struct {
	Type      string      `json:"type"` // "audio", "transcript", "message", "status", "error"
	SessionID string      `json:"sessionId,omitempty"`
	Payload   interface{} `json:"payload"`
}

type TwilioMessageBack struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Media     *Media `json:"media,omitempty"`
}

// AudioResponsePayload contains audio data for client
type AudioResponsePayload struct {
	Data     string `json:"data"`     // Base64-encoded PCM audio
	MimeType string `json:"mimeType"` // "audio/pcm;rate=24000"
}

// TranscriptPayload carries streamed assistant text
type TranscriptPayload struct {
	Delta   string `json:"delta"`
	Partial string `json:"partial"`
}

// MessagePayload is one finished conversation turn
type MessagePayload struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// StatusPayload contains status updates
type StatusPayload struct {
	Status  string `json:"status"` // "ready", "pong", or a session state
	Message string `json:"message,omitempty"`
}

// ErrorPayload contains error information
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewTwilioMessageBack(streamSid string, data string) *TwilioMessageBack {
	return &TwilioMessageBack{
		Event:     "media",
		StreamSid: streamSid,
		Media:     &Media{Payload: data},
	}
}

// NewTwilioClear asks Twilio to drop audio it has not played yet.
func NewTwilioClear(streamSid string) *TwilioMessageBack {
	return &TwilioMessageBack{Event: "clear", StreamSid: streamSid}
}

// NewAudioMessage creates an audio response message
func NewAudioMessage(sessionID, data string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeAudio,
		SessionID: sessionID,
		Payload: AudioResponsePayload{
			Data:     data,
			MimeType: audio.MIMEType,
		},
	}
}

// NewTranscriptMessage creates a streamed transcript message
func NewTranscriptMessage(sessionID, delta, partial string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeTranscript,
		SessionID: sessionID,
		Payload:   TranscriptPayload{Delta: delta, Partial: partial},
	}
}

// NewConversationMessage creates a finished-turn message
func NewConversationMessage(sessionID string, m MessagePayload) *ServerMessage {
	return &ServerMessage{
		Type:      TypeMessage,
		SessionID: sessionID,
		Payload:   m,
	}
}

// NewStatusMessage creates a status message
func NewStatusMessage(sessionID, status, message string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeStatus,
		SessionID: sessionID,
		Payload: StatusPayload{
			Status:  status,
			Message: message,
		},
	}
}

// NewErrorMessage creates an error message
func NewErrorMessage(sessionID, code, message string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeError,
		SessionID: sessionID,
		Payload: ErrorPayload{
			Code:    code,
			Message: message,
		},
	}
}
