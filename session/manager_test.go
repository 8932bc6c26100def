package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/room4-2/VoiceLedger/config"
)

func testConfig() *config.Config {
	return &config.Config{
		MaxSessions:    1,
		SessionTimeout: time.Minute,
		MaxBufferSize:  1024 * 1024,
		DefaultVoice:   "alloy",
		ServiceToken:   "service-token",
	}
}

func TestManager_SessionLimit(t *testing.T) {
	ctx := context.Background()
	factory := &fakeFactory{dialer: newFakeDialer()}
	m := NewManager(testConfig(), factory, nil, zaptest.NewLogger(t))
	t.Cleanup(func() { m.Shutdown(ctx) })

	first, _ := dialPair(t)
	s, err := m.CreateSession(ctx, first, "user-1", "user-token")
	require.NoError(t, err)
	assert.Equal(t, 1, m.GetActiveSessionCount())
	assert.Equal(t, []string{"user-token"}, factory.seenTokens())

	got, ok := m.GetSession(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)

	second, _ := dialPair(t)
	_, err = m.CreateTwilioSession(ctx, second)
	assert.ErrorIs(t, err, ErrTooManySessions)

	require.NoError(t, m.RemoveSession(ctx, s.ID))
	assert.True(t, s.IsClosed())
	assert.Equal(t, 0, m.GetActiveSessionCount())

	call, err := m.CreateTwilioSession(ctx, second)
	require.NoError(t, err)
	assert.True(t, call.IsTwilio)
	assert.Equal(t, "service-token", factory.seenTokens()[1])
}

func TestManager_PersistsAndCleansUp(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore(ctx, mr.Addr(), "", time.Minute)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.MaxSessions = 4
	cfg.SessionTimeout = 20 * time.Millisecond
	m := NewManager(cfg, &fakeFactory{dialer: newFakeDialer()}, store, zaptest.NewLogger(t))
	t.Cleanup(func() { m.Shutdown(ctx) })

	conn, _ := dialPair(t)
	s, err := m.CreateSession(ctx, conn, "user-7", "tok")
	require.NoError(t, err)
	assert.Equal(t, "user-7", mr.HGet("session:"+s.ID, "user_id"))
	ok, err := mr.IsMember(activeSessionsKey, s.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	m.CleanupInactiveSessions(ctx)

	assert.Equal(t, 0, m.GetActiveSessionCount())
	assert.True(t, s.IsClosed())
	assert.False(t, mr.Exists("session:"+s.ID))
}

func TestManager_ShutdownClosesEverything(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxSessions = 2
	m := NewManager(cfg, &fakeFactory{dialer: newFakeDialer()}, nil, zaptest.NewLogger(t))

	a, _ := dialPair(t)
	b, _ := dialPair(t)
	s1, err := m.CreateSession(ctx, a, "u1", "")
	require.NoError(t, err)
	s2, err := m.CreateTwilioSession(ctx, b)
	require.NoError(t, err)

	m.Shutdown(ctx)
	assert.True(t, s1.IsClosed())
	assert.True(t, s2.IsClosed())
	assert.Equal(t, 0, m.GetActiveSessionCount())
}

func TestManager_TranscriptWithoutStore(t *testing.T) {
	ctx := context.Background()
	dialer := newFakeDialer()
	m := NewManager(testConfig(), &fakeFactory{dialer: dialer}, nil, zaptest.NewLogger(t))
	t.Cleanup(func() { m.Shutdown(ctx) })

	conn, _ := dialPair(t)
	s, err := m.CreateSession(ctx, conn, "user-1", "tok")
	require.NoError(t, err)

	require.NoError(t, s.Agent.Connect(ctx, "alloy"))
	dialer.emit(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"Rent was 900"}`)
	require.Eventually(t, func() bool { return len(s.Agent.Messages()) == 1 }, 2*time.Second, 10*time.Millisecond)

	msgs, err := m.Transcript(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Rent was 900", msgs[0].Text)

	_, err = m.Transcript(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	count, err := m.StoredSessionCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
