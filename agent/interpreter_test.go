package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/room4-2/VoiceLedger/audio"
)

type harness struct {
	in         *Interpreter
	out        *fakeSender
	player     *fakePlayer
	dispatcher *fakeDispatcher
	states     []State
	parses     []string
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		out:        &fakeSender{},
		player:     &fakePlayer{},
		dispatcher: &fakeDispatcher{result: map[string]any{"success": true}},
	}
	h.in = NewInterpreter(InterpreterConfig{
		Out:           h.out,
		Player:        h.player,
		Dispatcher:    h.dispatcher,
		Logger:        zaptest.NewLogger(t),
		SessionUpdate: []byte(`{"type":"session.update"}`),
		Hooks: Hooks{
			OnStateChange: func(s State) { h.states = append(h.states, s) },
		},
	})
	parse := h.in.decodeArgs
	h.in.decodeArgs = func(raw string) (map[string]any, error) {
		h.parses = append(h.parses, raw)
		return parse(raw)
	}
	return h
}

func (h *harness) feed(t *testing.T, frames ...string) {
	t.Helper()
	for _, f := range frames {
		require.NoError(t, h.in.Handle(context.Background(), []byte(f)), f)
	}
}

func TestInterpreter_ArgumentFragmentsConcatenatePerCall(t *testing.T) {
	h := newHarness(t)

	h.feed(t,
		`{"type":"response.function_call_arguments.delta","call_id":"a","name":"create_transaction","delta":"{\"amount\":"}`,
		`{"type":"response.function_call_arguments.delta","call_id":"b","name":"categorize_expense","delta":"{\"descr"}`,
		`{"type":"response.function_call_arguments.delta","call_id":"a","delta":"42,"}`,
		`{"type":"response.function_call_arguments.delta","call_id":"b","delta":"iption\":\"taxi\"}"}`,
		`{"type":"response.function_call_arguments.delta","call_id":"a","delta":"\"category\":\"Bills\"}"}`,
	)

	assert.Equal(t, map[string]string{
		"a": `{"amount":42,"category":"Bills"}`,
		"b": `{"description":"taxi"}`,
	}, h.in.PendingCalls())
	assert.Empty(t, h.parses, "fragments must not be parsed before done")

	h.feed(t, `{"type":"response.function_call_arguments.done","call_id":"b","name":"categorize_expense","arguments":"ignored"}`)
	h.feed(t, `{"type":"response.function_call_arguments.done","call_id":"a","name":"create_transaction","arguments":"ignored"}`)

	assert.Equal(t, []string{`{"description":"taxi"}`, `{"amount":42,"category":"Bills"}`}, h.parses)
	calls := h.dispatcher.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, "categorize_expense", calls[0].Name)
	assert.Equal(t, map[string]any{"amount": float64(42), "category": "Bills"}, calls[1].Args)
	assert.Empty(t, h.in.PendingCalls())
}

func TestInterpreter_ToolResultIsSentBack(t *testing.T) {
	h := newHarness(t)

	h.feed(t,
		`{"type":"response.function_call_arguments.delta","call_id":"call_1","name":"create_transaction","delta":"{}"}`,
		`{"type":"response.function_call_arguments.done","call_id":"call_1","name":"create_transaction"}`,
	)

	events := h.out.events()
	require.Len(t, events, 2)
	assert.Equal(t, "conversation.item.create", events[0]["type"])
	item := events[0]["item"].(map[string]any)
	assert.Equal(t, "function_call_output", item["type"])
	assert.Equal(t, "call_1", item["call_id"])
	assert.JSONEq(t, `{"success":true}`, item["output"].(string))
	assert.Equal(t, "response.create", events[1]["type"])
}

func TestInterpreter_DoneWithoutDeltasUsesEventArguments(t *testing.T) {
	h := newHarness(t)

	h.feed(t, `{"type":"response.function_call_arguments.done","call_id":"c","name":"create_transaction","arguments":"{\"amount\":3}"}`)

	calls := h.dispatcher.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]any{"amount": float64(3)}, calls[0].Args)
}

func TestInterpreter_ToolFailureDropsCallSilently(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.err = errBoom

	require.NoError(t, h.in.Handle(context.Background(),
		[]byte(`{"type":"response.function_call_arguments.delta","call_id":"x","name":"create_transaction","delta":"{}"}`)))
	err := h.in.Handle(context.Background(),
		[]byte(`{"type":"response.function_call_arguments.done","call_id":"x","name":"create_transaction"}`))

	var toolErr *ToolDispatchError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, "x", toolErr.CallID)
	assert.ErrorIs(t, err, errBoom)
	assert.Empty(t, h.in.PendingCalls())
	assert.Empty(t, h.out.events(), "no function output after a failed dispatch")
}

func TestInterpreter_InvalidArgumentsAreADispatchFailure(t *testing.T) {
	h := newHarness(t)

	h.feed(t, `{"type":"response.function_call_arguments.delta","call_id":"x","name":"create_transaction","delta":"{\"amount\":"}`)
	err := h.in.Handle(context.Background(), []byte(`{"type":"response.function_call_arguments.done","call_id":"x"}`))

	var toolErr *ToolDispatchError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, "create_transaction", toolErr.Name)
	assert.Empty(t, h.dispatcher.snapshot())
	assert.Empty(t, h.in.PendingCalls())
}

func TestInterpreter_StateTransitions(t *testing.T) {
	h := newHarness(t)
	chunk := audio.EncodeBase64([]byte{1, 0, 2, 0})

	h.feed(t, `{"type":"session.created","session":{"id":"sess_1"}}`)
	assert.Equal(t, StateListening, h.in.State())
	assert.Equal(t, []string{"session.update"}, h.out.types())

	h.feed(t, `{"type":"input_audio_buffer.speech_started"}`)
	assert.Equal(t, StateListening, h.in.State())

	h.feed(t, `{"type":"input_audio_buffer.speech_stopped"}`)
	assert.Equal(t, StateProcessing, h.in.State())

	h.feed(t, `{"type":"response.created","response":{"id":"resp_1"}}`)
	h.feed(t, `{"type":"response.audio.delta","response_id":"resp_1","delta":"`+chunk+`"}`)
	assert.Equal(t, StateSpeaking, h.in.State())
	assert.Equal(t, [][]byte{{1, 0, 2, 0}}, h.player.chunks)

	h.feed(t, `{"type":"response.audio.done","response_id":"resp_1"}`)
	assert.Equal(t, StateSpeaking, h.in.State())

	// still playing when the response completes
	h.feed(t, `{"type":"response.done","response":{"id":"resp_1","status":"completed"}}`)
	assert.Equal(t, StateSpeaking, h.in.State())

	h.player.setPlaying(false)
	h.in.PlaybackEnded()
	assert.Equal(t, StateListening, h.in.State())

	assert.Equal(t, []State{StateListening, StateProcessing, StateSpeaking, StateListening}, h.states)
}

func TestInterpreter_AudioDeltaFromListening(t *testing.T) {
	h := newHarness(t)
	h.feed(t, `{"type":"session.updated"}`)

	h.feed(t, `{"type":"response.audio.delta","delta":"`+audio.EncodeBase64([]byte{9, 9})+`"}`)
	assert.Equal(t, StateSpeaking, h.in.State())
}

func TestInterpreter_PlaybackEndWaitsForResponse(t *testing.T) {
	h := newHarness(t)
	h.feed(t,
		`{"type":"response.created","response":{"id":"r"}}`,
		`{"type":"response.audio.delta","delta":"`+audio.EncodeBase64([]byte{1, 1})+`"}`,
	)

	h.in.PlaybackEnded()
	assert.Equal(t, StateSpeaking, h.in.State(), "response still streaming")

	h.player.setPlaying(false)
	h.feed(t, `{"type":"response.done","response":{"id":"r"}}`)
	assert.Equal(t, StateListening, h.in.State())
}

func TestInterpreter_Transcripts(t *testing.T) {
	h := newHarness(t)
	var deltas []string
	h.in.hooks.OnTranscriptDelta = func(delta, partial string) { deltas = append(deltas, partial) }

	h.feed(t,
		`{"type":"conversation.item.input_audio_transcription.completed","item_id":"i1","transcript":"spent 15 dollars on lunch"}`,
		`{"type":"response.created","response":{"id":"r"}}`,
		`{"type":"response.audio.delta","delta":"`+audio.EncodeBase64([]byte{1, 1})+`"}`,
		`{"type":"response.audio_transcript.delta","delta":"Logged "}`,
		`{"type":"response.audio_transcript.delta","delta":"15 for Food."}`,
	)
	assert.Equal(t, "Logged 15 for Food.", h.in.PartialTranscript())
	assert.Equal(t, []string{"Logged ", "Logged 15 for Food."}, deltas)

	h.feed(t, `{"type":"response.audio_transcript.done","transcript":"Logged 15 for Food."}`)
	assert.Empty(t, h.in.PartialTranscript())

	msgs := h.in.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, "spent 15 dollars on lunch", msgs[0].Text)
	assert.Equal(t, RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Logged 15 for Food.", msgs[1].Text)
	assert.True(t, msgs[1].HasAudio)
	assert.NotEqual(t, msgs[0].ID, msgs[1].ID)
	assert.Less(t, msgs[0].ID, msgs[1].ID, "ids are time ordered")
}

func TestInterpreter_SpeechStartedClearsPartial(t *testing.T) {
	h := newHarness(t)
	h.feed(t, `{"type":"response.audio_transcript.delta","delta":"half a sen"}`)
	h.feed(t, `{"type":"input_audio_buffer.speech_started"}`)
	assert.Empty(t, h.in.PartialTranscript())
	assert.Zero(t, h.player.cleared, "barge-in is off by default")
}

func TestInterpreter_BargeIn(t *testing.T) {
	h := newHarness(t)
	h.in.interruptOnSpeech = true

	h.feed(t, `{"type":"response.audio.delta","delta":"`+audio.EncodeBase64([]byte{1, 1})+`"}`)
	h.feed(t, `{"type":"input_audio_buffer.speech_started"}`)

	assert.Equal(t, 1, h.player.cleared)
	assert.Equal(t, StateListening, h.in.State())
}

func TestInterpreter_MalformedEventsChangeNothing(t *testing.T) {
	h := newHarness(t)
	h.feed(t,
		`{"type":"session.updated"}`,
		`{"type":"conversation.item.input_audio_transcription.completed","transcript":"hello"}`,
	)
	before := h.in.Messages()

	frames := []string{
		`not json at all`,
		`{"no_type":true}`,
		`{"type":"response.audio.delta"}`,
		`{"type":"response.audio.delta","delta":"%%%not-base64"}`,
		`{"type":"response.function_call_arguments.delta","delta":"{}"}`,
	}
	for _, f := range frames {
		err := h.in.Handle(context.Background(), []byte(f))
		var malformed *MalformedEventError
		assert.True(t, errors.As(err, &malformed), "frame %q", f)
	}

	// recognized JSON with an unknown type is ignored without error
	h.feed(t, `{"type":"rate_limits.updated","rate_limits":[]}`)

	assert.Equal(t, StateListening, h.in.State())
	assert.Equal(t, before, h.in.Messages())
	assert.Empty(t, h.in.PendingCalls())
}

func TestInterpreter_ErrorEvent(t *testing.T) {
	h := newHarness(t)
	var reported error
	h.in.hooks.OnError = func(err error) { reported = err }

	h.feed(t, `{"type":"error","error":{"type":"invalid_request_error","code":"bad_event","message":"unknown parameter"}}`)

	assert.Equal(t, StateError, h.in.State())
	var remote *RemoteError
	require.True(t, errors.As(reported, &remote))
	assert.Equal(t, "bad_event", remote.Code)
	assert.True(t, strings.Contains(remote.Error(), "unknown parameter"))

	h.feed(t,
		`{"type":"input_audio_buffer.speech_started"}`,
		`{"type":"response.audio.delta","delta":"`+audio.EncodeBase64([]byte{1, 0})+`"}`,
		`{"type":"response.done"}`,
	)
	h.in.PlaybackEnded()
	assert.Equal(t, StateError, h.in.State(), "only a new connection leaves the error state")
	assert.Equal(t, StateError, h.states[len(h.states)-1])
}

func TestInterpreter_RemoteAudioIsQueued(t *testing.T) {
	h := newHarness(t)
	h.feed(t, `{"type":"session.created"}`)

	h.in.PlayRemoteAudio([]byte{1, 0, 2, 0})
	h.in.PlayRemoteAudio(nil)

	assert.Equal(t, [][]byte{{1, 0, 2, 0}}, h.player.chunks)
	assert.Equal(t, StateSpeaking, h.in.State())

	h.in.close(StateIdle)
	h.in.PlayRemoteAudio([]byte{3, 0})
	assert.Len(t, h.player.chunks, 1)
}

func TestInterpreter_CloseResetsSession(t *testing.T) {
	h := newHarness(t)
	h.feed(t,
		`{"type":"session.updated"}`,
		`{"type":"conversation.item.input_audio_transcription.completed","transcript":"hi"}`,
		`{"type":"response.audio_transcript.delta","delta":"par"}`,
		`{"type":"response.function_call_arguments.delta","call_id":"c","delta":"{"}`,
	)

	h.in.close(StateIdle)
	assert.Equal(t, StateIdle, h.in.State())
	assert.Empty(t, h.in.PendingCalls())
	assert.Empty(t, h.in.PartialTranscript())
	assert.Len(t, h.in.Messages(), 1, "history survives until the next connect")

	h.feed(t, `{"type":"input_audio_buffer.speech_stopped"}`)
	assert.Equal(t, StateIdle, h.in.State(), "closed sessions ignore events")
}

func TestInterpreter_SendText(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.in.SendText("add 20 for groceries"))
	assert.Equal(t, []string{"conversation.item.create", "response.create"}, h.out.types())

	item := h.out.events()[0]["item"].(map[string]any)
	assert.Equal(t, "user", item["role"])
	msgs := h.in.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "add 20 for groceries", msgs[0].Text)

	assert.Error(t, h.in.SendText("   "))
}
