// Package realtime defines the event protocol spoken with the remote speech
// model over the data channel.
package realtime

import (
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// Inbound event type names
const (
	TypeSessionCreated              = "session.created"
	TypeSessionUpdated              = "session.updated"
	TypeSpeechStarted               = "input_audio_buffer.speech_started"
	TypeSpeechStopped               = "input_audio_buffer.speech_stopped"
	TypeInputTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	TypeTranscriptDelta             = "response.audio_transcript.delta"
	TypeTranscriptDone              = "response.audio_transcript.done"
	TypeAudioDelta                  = "response.audio.delta"
	TypeAudioDone                   = "response.audio.done"
	TypeFunctionArgumentsDelta      = "response.function_call_arguments.delta"
	TypeFunctionArgumentsDone       = "response.function_call_arguments.done"
	TypeResponseCreated             = "response.created"
	TypeResponseDone                = "response.done"
	TypeError                       = "error"
)

// newer servers name the output events differently
var aliases = map[string]string{
	"response.output_audio_transcript.delta": TypeTranscriptDelta,
	"response.output_audio_transcript.done":  TypeTranscriptDone,
	"response.output_audio.delta":            TypeAudioDelta,
	"response.output_audio.done":             TypeAudioDone,
}

// Event is one decoded server event. The variants below are the complete
// set; anything else decodes to Unknown.
type Event interface {
	EventType() string
	isEvent()
}

// SessionReady covers session.created and session.updated.
type SessionReady struct {
	Type      string
	SessionID string
}

type SpeechStarted struct{}

type SpeechStopped struct{}

// InputTranscriptionCompleted carries the final transcript of a user turn.
type InputTranscriptionCompleted struct {
	ItemID     string
	Transcript string
}

type TranscriptDelta struct {
	ResponseID string
	ItemID     string
	Delta      string
}

type TranscriptDone struct {
	ResponseID string
	ItemID     string
	Transcript string
}

// AudioDelta holds one base64 PCM16 chunk of synthesized speech.
type AudioDelta struct {
	ResponseID string
	ItemID     string
	Delta      string
}

type AudioDone struct {
	ResponseID string
}

// FunctionArgumentsDelta is one fragment of a tool call's JSON arguments.
// Name is only present on some fragments.
type FunctionArgumentsDelta struct {
	CallID string
	Name   string
	Delta  string
}

// FunctionArgumentsDone closes a tool call.
type FunctionArgumentsDone struct {
	CallID    string
	Name      string
	Arguments string
}

type ResponseCreated struct {
	ResponseID string
}

type ResponseDone struct {
	ResponseID string
	Status     string
}

// ErrorEvent is an error reported by the remote model.
type ErrorEvent struct {
	Code    string
	Kind    string
	Message string
}

// Unknown is any event type this package does not interpret.
type Unknown struct {
	Type string
}

func (e SessionReady) EventType() string              { return e.Type }
func (SpeechStarted) EventType() string               { return TypeSpeechStarted }
func (SpeechStopped) EventType() string               { return TypeSpeechStopped }
func (InputTranscriptionCompleted) EventType() string { return TypeInputTranscriptionCompleted }
func (TranscriptDelta) EventType() string             { return TypeTranscriptDelta }
func (TranscriptDone) EventType() string              { return TypeTranscriptDone }
func (AudioDelta) EventType() string                  { return TypeAudioDelta }
func (AudioDone) EventType() string                   { return TypeAudioDone }
func (FunctionArgumentsDelta) EventType() string      { return TypeFunctionArgumentsDelta }
func (FunctionArgumentsDone) EventType() string       { return TypeFunctionArgumentsDone }
func (ResponseCreated) EventType() string             { return TypeResponseCreated }
func (ResponseDone) EventType() string                { return TypeResponseDone }
func (ErrorEvent) EventType() string                  { return TypeError }
func (e Unknown) EventType() string                   { return e.Type }
func (SessionReady) isEvent()                         {}
func (SpeechStarted) isEvent()                        {}
func (SpeechStopped) isEvent()                        {}
func (InputTranscriptionCompleted) isEvent()          {}
func (TranscriptDelta) isEvent()                      {}
func (TranscriptDone) isEvent()                       {}
func (AudioDelta) isEvent()                           {}
func (AudioDone) isEvent()                            {}
func (FunctionArgumentsDelta) isEvent()               {}
func (FunctionArgumentsDone) isEvent()                {}
func (ResponseCreated) isEvent()                      {}
func (ResponseDone) isEvent()                         {}
func (ErrorEvent) isEvent()                           {}
func (Unknown) isEvent()                              {}

// DecodeError reports an inbound frame that is not a usable event.
type DecodeError struct {
	Type    string
	Message string
	Err     error
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if e.Type != "" {
		msg = fmt.Sprintf("%s: %s", e.Type, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

// wireEvent is the union of every field the interpreted events carry.
type wireEvent struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	CallID     string `json:"call_id"`
	Name       string `json:"name"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Arguments  string `json:"arguments"`
	Session    *struct {
		ID string `json:"id"`
	} `json:"session"`
	Response *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"response"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Decode parses one data channel frame.
func Decode(raw []byte) (Event, error) {
	var w wireEvent
	if err := sonic.Unmarshal(raw, &w); err != nil {
		return nil, &DecodeError{Message: "invalid JSON", Err: err}
	}

	typ := strings.TrimSpace(w.Type)
	if typ == "" {
		return nil, &DecodeError{Message: "missing type"}
	}
	if canonical, ok := aliases[typ]; ok {
		typ = canonical
	}

	switch typ {
	case TypeSessionCreated, TypeSessionUpdated:
		ev := SessionReady{Type: typ}
		if w.Session != nil {
			ev.SessionID = w.Session.ID
		}
		return ev, nil
	case TypeSpeechStarted:
		return SpeechStarted{}, nil
	case TypeSpeechStopped:
		return SpeechStopped{}, nil
	case TypeInputTranscriptionCompleted:
		return InputTranscriptionCompleted{ItemID: w.ItemID, Transcript: w.Transcript}, nil
	case TypeTranscriptDelta:
		return TranscriptDelta{ResponseID: w.ResponseID, ItemID: w.ItemID, Delta: w.Delta}, nil
	case TypeTranscriptDone:
		return TranscriptDone{ResponseID: w.ResponseID, ItemID: w.ItemID, Transcript: w.Transcript}, nil
	case TypeAudioDelta:
		if w.Delta == "" {
			return nil, &DecodeError{Type: typ, Message: "missing delta"}
		}
		return AudioDelta{ResponseID: w.ResponseID, ItemID: w.ItemID, Delta: w.Delta}, nil
	case TypeAudioDone:
		return AudioDone{ResponseID: w.ResponseID}, nil
	case TypeFunctionArgumentsDelta:
		if w.CallID == "" {
			return nil, &DecodeError{Type: typ, Message: "missing call_id"}
		}
		return FunctionArgumentsDelta{CallID: w.CallID, Name: w.Name, Delta: w.Delta}, nil
	case TypeFunctionArgumentsDone:
		if w.CallID == "" {
			return nil, &DecodeError{Type: typ, Message: "missing call_id"}
		}
		return FunctionArgumentsDone{CallID: w.CallID, Name: w.Name, Arguments: w.Arguments}, nil
	case TypeResponseCreated:
		ev := ResponseCreated{ResponseID: w.ResponseID}
		if w.Response != nil {
			ev.ResponseID = w.Response.ID
		}
		return ev, nil
	case TypeResponseDone:
		ev := ResponseDone{ResponseID: w.ResponseID}
		if w.Response != nil {
			ev.ResponseID = w.Response.ID
			ev.Status = w.Response.Status
		}
		return ev, nil
	case TypeError:
		if w.Error == nil {
			return nil, &DecodeError{Type: typ, Message: "missing error object"}
		}
		return ErrorEvent{Code: w.Error.Code, Kind: w.Error.Type, Message: w.Error.Message}, nil
	default:
		return Unknown{Type: typ}, nil
	}
}
