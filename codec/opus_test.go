package codec

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/VoiceLedger/audio"
)

func tone(samples int) []byte {
	out := make([]int16, samples)
	for i := range out {
		out[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/audio.SampleRate))
	}
	return audio.Bytes(out)
}

func TestOpus_EncodesWholeFrames(t *testing.T) {
	o, err := NewOpus()
	require.NoError(t, err)

	frames, err := o.Encode(tone(audio.ChunkSamples))
	require.NoError(t, err)
	assert.Len(t, frames, 5, "100ms of capture is five 20ms frames")
	for _, f := range frames {
		assert.NotEmpty(t, f)
	}
}

func TestOpus_KeepsPartialFrameForNextCall(t *testing.T) {
	o, err := NewOpus()
	require.NoError(t, err)

	// 15ms at the protocol rate
	frames, err := o.Encode(tone(360))
	require.NoError(t, err)
	assert.Empty(t, frames)

	frames, err = o.Encode(tone(360))
	require.NoError(t, err)
	assert.Len(t, frames, 1)
}

func TestOpus_DecodeReturnsProtocolRate(t *testing.T) {
	o, err := NewOpus()
	require.NoError(t, err)

	frames, err := o.Encode(tone(audio.ChunkSamples))
	require.NoError(t, err)
	require.NotEmpty(t, frames)

	pcm, err := o.Decode(frames[0])
	require.NoError(t, err)
	assert.Equal(t, FrameDuration, audio.Duration(len(pcm)))
}

func TestOpus_DecodeRejectsGarbage(t *testing.T) {
	o, err := NewOpus()
	require.NoError(t, err)
	_, err = o.Decode(nil)
	assert.Error(t, err)
}
