// Package audio holds the PCM16 wire format shared by capture, playback and
// the realtime transport, plus the phone-line mu-law bridge.
package audio

import (
	"encoding/base64"
	"fmt"
	"time"
)

const (
	// SampleRate is the fixed rate of the realtime protocol in both directions.
	SampleRate     = 24000
	Channels       = 1
	BytesPerSample = 2

	// ChunkSamples is the size of one outbound capture chunk (100ms).
	ChunkSamples = 2400
	ChunkBytes   = ChunkSamples * BytesPerSample

	// MIMEType describes PCM16 little-endian mono at SampleRate.
	MIMEType = "audio/pcm;rate=24000"

	PhoneSampleRate = 8000
	phoneRatio      = SampleRate / PhoneSampleRate
)

// Duration returns how long n bytes of PCM16 mono take to render.
func Duration(n int) time.Duration {
	samples := n / BytesPerSample
	return time.Duration(samples) * time.Second / SampleRate
}

// EncodeBase64 converts raw PCM into the transport encoding.
func EncodeBase64(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeBase64 converts a transport payload back into raw PCM.
func DecodeBase64(payload string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 audio: %w", err)
	}
	if len(data)%BytesPerSample != 0 {
		// a trailing half sample cannot be rendered
		data = data[:len(data)-1]
	}
	return data, nil
}
