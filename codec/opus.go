// Package codec converts protocol PCM to and from the Opus frames carried
// on WebRTC media tracks.
package codec

import (
	"fmt"
	"time"

	"github.com/hraban/opus"

	"github.com/room4-2/VoiceLedger/audio"
)

const (
	// TrackRate is the Opus clock rate on the wire.
	TrackRate = 48000
	// FrameDuration is the length of one encoded frame.
	FrameDuration = 20 * time.Millisecond

	frameSamples = TrackRate / 50
	maxFrame     = TrackRate * 120 / 1000
	maxPacket    = 4000
	ratio        = TrackRate / audio.SampleRate
)

// Opus holds the encoder and decoder state of one connection. Encode and
// Decode may run on different goroutines, but each must not be called
// concurrently with itself.
type Opus struct {
	enc     *opus.Encoder
	dec     *opus.Decoder
	pending []int16
	decoded []int16
}

func NewOpus() (*Opus, error) {
	enc, err := opus.NewEncoder(TrackRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}
	dec, err := opus.NewDecoder(TrackRate, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}
	return &Opus{enc: enc, dec: dec, decoded: make([]int16, maxFrame)}, nil
}

// Encode resamples pcm to the track rate and returns every complete frame.
// A partial frame is kept for the next call.
func (o *Opus) Encode(pcm []byte) ([][]byte, error) {
	o.pending = append(o.pending, audio.Upsample(audio.Samples(pcm), ratio)...)

	var frames [][]byte
	consumed := 0
	for len(o.pending)-consumed >= frameSamples {
		buf := make([]byte, maxPacket)
		n, err := o.enc.Encode(o.pending[consumed:consumed+frameSamples], buf)
		if err != nil {
			return frames, fmt.Errorf("opus encode: %w", err)
		}
		frames = append(frames, buf[:n])
		consumed += frameSamples
	}
	o.pending = append(o.pending[:0], o.pending[consumed:]...)
	return frames, nil
}

// Decode turns one Opus packet into PCM16 at audio.SampleRate.
func (o *Opus) Decode(packet []byte) ([]byte, error) {
	n, err := o.dec.Decode(packet, o.decoded)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	return audio.Bytes(audio.Downsample(o.decoded[:n], ratio)), nil
}
