package agent

import (
	"errors"
	"fmt"

	"github.com/room4-2/VoiceLedger/capture"
	"github.com/room4-2/VoiceLedger/credential"
	"github.com/room4-2/VoiceLedger/peer"
)

type (
	// CredentialError means no usable session key was issued.
	CredentialError = credential.Error
	// NegotiationError means the model endpoint refused the connection.
	NegotiationError = peer.NegotiationError
	// PermissionError means microphone access was refused.
	PermissionError = capture.PermissionError
)

var (
	// ErrNotConnected is returned by operations that need a live session.
	ErrNotConnected = errors.New("voice session not connected")
	// ErrConnectAbandoned is returned by Connect when Disconnect ran first.
	ErrConnectAbandoned = errors.New("connect abandoned by disconnect")
	// ErrConnectionLost is reported when the model side hangs up.
	ErrConnectionLost = errors.New("realtime connection lost")
)

// MalformedEventError wraps an inbound frame that could not be interpreted.
// It is logged and the frame dropped.
type MalformedEventError struct {
	Type string
	Err  error
}

func (e *MalformedEventError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("malformed %s event: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("malformed event: %v", e.Err)
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// ToolDispatchError reports a tool call that failed. No output is sent to
// the model for it.
type ToolDispatchError struct {
	CallID string
	Name   string
	Err    error
}

func (e *ToolDispatchError) Error() string {
	return fmt.Sprintf("tool %s (call %s) failed: %v", e.Name, e.CallID, e.Err)
}

func (e *ToolDispatchError) Unwrap() error { return e.Err }

// RemoteError is an error event sent by the model.
type RemoteError struct {
	Code    string
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("realtime error %s: %s", e.Code, e.Message)
	}
	return "realtime error: " + e.Message
}
