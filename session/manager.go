package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/room4-2/VoiceLedger/agent"
	"github.com/room4-2/VoiceLedger/config"
)

var (
	// ErrTooManySessions is returned when MaxSessions are already open.
	ErrTooManySessions = errors.New("maximum sessions reached")
	// ErrSessionNotFound is returned for an id with no live session and no
	// stored transcript.
	ErrSessionNotFound = errors.New("session not found")
)

// Manager manages all client sessions
type Manager struct {
	sessions map[string]*ClientSession
	mu       sync.RWMutex
	store    Store
	factory  AgentFactory
	config   *config.Config
	logger   *zap.Logger
}

// NewManager creates a session manager. store may be nil.
func NewManager(cfg *config.Config, factory AgentFactory, store Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		sessions: make(map[string]*ClientSession),
		store:    store,
		factory:  factory,
		config:   cfg,
		logger:   logger,
	}
}

func (sm *Manager) options(userID, token string) Options {
	return Options{
		UserID:        userID,
		Token:         token,
		Voice:         sm.config.DefaultVoice,
		MaxBufferSize: sm.config.MaxBufferSize,
		KeepAlive:     sm.config.KeepAlivePeriod,
		Factory:       sm.factory,
		Store:         sm.store,
		Logger:        sm.logger,
	}
}

// CreateSession creates a new browser session. token is forwarded to the
// backend on the user's behalf.
func (sm *Manager) CreateSession(ctx context.Context, clientConn *websocket.Conn, userID, token string) (*ClientSession, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if len(sm.sessions) >= sm.config.MaxSessions {
		return nil, ErrTooManySessions
	}

	session := NewClientSession(uuid.New().String(), clientConn, sm.options(userID, token))
	sm.storeSession(ctx, session)
	return session, nil
}

// CreateTwilioSession creates a new Twilio voice call session. Calls act
// with the configured service token.
func (sm *Manager) CreateTwilioSession(ctx context.Context, clientConn *websocket.Conn) (*ClientSession, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if len(sm.sessions) >= sm.config.MaxSessions {
		return nil, ErrTooManySessions
	}

	session := NewTwilioClientSession(uuid.New().String(), clientConn, sm.options("", sm.config.ServiceToken))
	sm.storeSession(ctx, session)
	return session, nil
}

// storeSession saves a session to memory and the store
func (sm *Manager) storeSession(ctx context.Context, session *ClientSession) {
	sm.sessions[session.ID] = session

	if sm.store != nil {
		if err := sm.store.SaveSession(ctx, session.Info()); err != nil {
			sm.logger.Warn("failed to persist session", zap.String("session_id", session.ID), zap.Error(err))
		}
	}
}

// GetSession retrieves a session by ID
func (sm *Manager) GetSession(sessionID string) (*ClientSession, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	session, exists := sm.sessions[sessionID]
	return session, exists
}

// RemoveSession cleans up and removes a session
func (sm *Manager) RemoveSession(ctx context.Context, sessionID string) error {
	sm.mu.Lock()
	session, exists := sm.sessions[sessionID]
	delete(sm.sessions, sessionID)
	sm.mu.Unlock()

	if !exists {
		return nil
	}
	_ = session.Close()
	return sm.forget(ctx, sessionID)
}

func (sm *Manager) forget(ctx context.Context, sessionID string) error {
	if sm.store == nil {
		return nil
	}
	return sm.store.DeleteSession(ctx, sessionID)
}

// GetActiveSessionCount returns current session count
func (sm *Manager) GetActiveSessionCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CleanupInactiveSessions removes sessions that have been inactive
func (sm *Manager) CleanupInactiveSessions(ctx context.Context) {
	now := time.Now()

	sm.mu.Lock()
	var stale []*ClientSession
	for id, session := range sm.sessions {
		if now.Sub(session.IdleSince()) > sm.config.SessionTimeout {
			stale = append(stale, session)
			delete(sm.sessions, id)
		}
	}
	sm.mu.Unlock()

	for _, session := range stale {
		sm.logger.Info("closing inactive session", zap.String("session_id", session.ID))
		_ = session.Close()
		if err := sm.forget(ctx, session.ID); err != nil {
			sm.logger.Warn("failed to forget session", zap.String("session_id", session.ID), zap.Error(err))
		}
	}

	if sm.store != nil {
		ids, err := sm.store.ActiveSessions(ctx)
		if err != nil {
			sm.logger.Warn("failed to list stored sessions", zap.Error(err))
			return
		}
		sm.logger.Debug("stored sessions after cleanup", zap.Int("count", len(ids)))
	}
}

// StoredSessionCount reports the sessions recorded in the store across all
// processes sharing it. Without a store it is the local count.
func (sm *Manager) StoredSessionCount(ctx context.Context) (int, error) {
	if sm.store == nil {
		return sm.GetActiveSessionCount(), nil
	}
	ids, err := sm.store.ActiveSessions(ctx)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Transcript returns the finished turns of a session. The store is read
// when there is one, so transcripts stay available after the call ends.
func (sm *Manager) Transcript(ctx context.Context, sessionID string) ([]agent.Message, error) {
	live, ok := sm.GetSession(sessionID)
	if sm.store != nil {
		msgs, err := sm.store.Messages(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 || ok {
			return msgs, nil
		}
		return nil, ErrSessionNotFound
	}
	if !ok {
		return nil, ErrSessionNotFound
	}
	return live.Agent.Messages(), nil
}

// StartCleanupRoutine starts periodic cleanup of inactive sessions
func (sm *Manager) StartCleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.CleanupInactiveSessions(ctx)
		}
	}
}

// Shutdown closes all sessions
func (sm *Manager) Shutdown(ctx context.Context) {
	sm.mu.Lock()
	sessions := sm.sessions
	sm.sessions = make(map[string]*ClientSession)
	sm.mu.Unlock()

	for id, session := range sessions {
		_ = session.Close()
		if err := sm.forget(ctx, id); err != nil {
			sm.logger.Warn("failed to forget session", zap.String("session_id", id), zap.Error(err))
		}
	}

	if sm.store != nil {
		_ = sm.store.Close()
	}
}
