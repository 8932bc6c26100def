// Package peer carries realtime events and media between this process and
// the remote speech model.
package peer

import "context"

// Handlers receive traffic from an established transport. OnMessage is
// called sequentially in arrival order.
type Handlers struct {
	OnMessage func(data []byte)
	// OnRemoteAudio receives PCM16 at audio.SampleRate decoded from the
	// model's media track, in arrival order.
	OnRemoteAudio func(pcm []byte)
	// OnClose fires once if the remote side drops the connection. It does
	// not fire for a local Close.
	OnClose func(err error)
}

func (h Handlers) message(data []byte) {
	if h.OnMessage != nil {
		h.OnMessage(data)
	}
}

func (h Handlers) audio(pcm []byte) {
	if h.OnRemoteAudio != nil {
		h.OnRemoteAudio(pcm)
	}
}

func (h Handlers) closed(err error) {
	if h.OnClose != nil {
		h.OnClose(err)
	}
}

// Transport is an established, bidirectional event channel.
type Transport interface {
	// Send transmits one JSON event.
	Send(data []byte) error
	Close() error
}

// MediaTransport also carries microphone audio on an outgoing media track.
// Audio written here must not be sent again as events.
type MediaTransport interface {
	Transport
	// WriteAudio takes PCM16 at audio.SampleRate.
	WriteAudio(pcm []byte) error
}

// Codec converts between protocol PCM and the frames of a media track. One
// Codec serves one connection.
type Codec interface {
	// Encode buffers pcm and returns every complete frame.
	Encode(pcm []byte) ([][]byte, error)
	Decode(frame []byte) ([]byte, error)
}

// Dialer establishes a Transport authenticated by a short-lived credential.
type Dialer interface {
	Dial(ctx context.Context, token string, h Handlers) (Transport, error)
}
