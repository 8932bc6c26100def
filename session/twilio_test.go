package session

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/room4-2/VoiceLedger/audio"
)

func TestTwilioSession_CallFlow(t *testing.T) {
	server, client := dialPair(t)
	dialer := newFakeDialer()
	factory := &fakeFactory{dialer: dialer}
	cs := NewTwilioClientSession("call-1", server, Options{
		Token:         "service-token",
		Voice:         "alloy",
		MaxBufferSize: audio.ChunkBytes * 8,
		Factory:       factory,
		Logger:        zaptest.NewLogger(t),
	})
	t.Cleanup(func() { _ = cs.Close() })
	cs.StartTwilio()

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"event":"connected"}`)))
	require.NoError(t, client.WriteMessage(websocket.TextMessage,
		[]byte(`{"event":"start","streamSid":"MZ1","start":{"streamSid":"MZ1","callSid":"CA1"}}`)))
	dialer.waitDialed(t)
	assert.Equal(t, []string{"service-token"}, factory.seenTokens())
	assert.Equal(t, "MZ1", cs.streamSid())

	// 100ms of 8kHz mu-law is one 24kHz PCM16 chunk
	mulaw := bytes.Repeat([]byte{0xFF}, audio.ChunkBytes/6)
	media := fmt.Sprintf(`{"event":"media","streamSid":"MZ1","media":{"payload":%q}}`, audio.EncodeBase64(mulaw))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(media)))
	require.Eventually(t, func() bool {
		return len(dialer.current().sentOfType("input_audio_buffer.append")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	pcm, err := audio.DecodeBase64(dialer.current().sentOfType("input_audio_buffer.append")[0]["audio"].(string))
	require.NoError(t, err)
	assert.Len(t, pcm, audio.ChunkBytes)

	speech := bytes.Repeat([]byte{0, 8}, 240)
	dialer.emit(fmt.Sprintf(`{"type":"response.audio.delta","delta":%q}`, audio.EncodeBase64(speech)))
	msg := readUntil(t, client, func(m map[string]any) bool { return m["event"] == "media" })
	assert.Equal(t, "MZ1", msg["streamSid"])
	out, err := audio.DecodeBase64(msg["media"].(map[string]any)["payload"].(string))
	require.NoError(t, err)
	assert.Len(t, out, len(speech)/6)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"event":"stop","streamSid":"MZ1"}`)))
	require.Eventually(t, cs.IsClosed, 2*time.Second, 10*time.Millisecond)
	assert.False(t, cs.Agent.Connected())
}

func TestTwilioSession_IgnoresGarbage(t *testing.T) {
	server, client := dialPair(t)
	dialer := newFakeDialer()
	cs := NewTwilioClientSession("call-2", server, Options{
		Factory: &fakeFactory{dialer: dialer},
		Logger:  zaptest.NewLogger(t),
	})
	t.Cleanup(func() { _ = cs.Close() })
	cs.StartTwilio()

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{{{`)))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"event":"start","start":{}}`)))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"event":"media","media":{"payload":"***"}}`)))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"event":"mark","mark":{"name":"m1"}}`)))

	time.Sleep(50 * time.Millisecond)
	assert.False(t, cs.IsClosed())
	assert.Empty(t, cs.streamSid())
	assert.Nil(t, dialer.current())
}
