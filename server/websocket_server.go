package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/room4-2/VoiceLedger/auth"
	"github.com/room4-2/VoiceLedger/config"
	"github.com/room4-2/VoiceLedger/messages"
	"github.com/room4-2/VoiceLedger/session"
)

// Server accepts browser voice sessions on /ws.
type Server struct {
	echo           *echo.Echo
	upgrader       websocket.Upgrader
	sessionManager *session.Manager
	validator      *auth.Validator
	config         *config.Config
	logger         *zap.Logger
}

func NewServerWebsocket(cfg *config.Config, sessionManager *session.Manager, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		sessionManager: sessionManager,
		config:         cfg,
		logger:         logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    64 * 1024, // 64KB for audio chunks
			WriteBufferSize:   64 * 1024,
			EnableCompression: true,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				for _, allowed := range cfg.AllowedOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}
	if cfg.JWTSecret != "" {
		s.validator = auth.NewValidator(cfg.JWTSecret)
	}

	e := newEcho(logger)
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{AllowOrigins: cfg.AllowedOrigins}))
	e.GET("/ws", s.handleWebSocket)
	e.GET("/health", s.handleHealth)
	e.GET("/sessions/:id/messages", s.handleTranscript)
	s.echo = e

	return s
}

// newEcho builds an Echo instance that logs requests through zap.
func newEcho(logger *zap.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status))
			return nil
		},
	}))
	return e
}

// Handler exposes the routes, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start begins listening for connections
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	s.logger.Info("websocket server starting", zap.String("addr", addr), zap.String("endpoint", "/ws"))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down websocket server")
	return s.echo.Shutdown(ctx)
}

func (s *Server) authenticate(c echo.Context) (userID, token string, err error) {
	token = auth.TokenFromRequest(c.Request())
	if s.validator == nil {
		return "", token, nil
	}
	claims, err := s.validator.Validate(token)
	if err != nil {
		return "", "", err
	}
	return claims.UserID(), token, nil
}

func (s *Server) handleWebSocket(c echo.Context) error {
	userID, token, err := s.authenticate(c)
	if err != nil {
		s.logger.Info("rejected websocket client", zap.Error(err))
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return nil
	}

	ctx := c.Request().Context()
	clientSession, err := s.sessionManager.CreateSession(ctx, conn, userID, token)
	if err != nil {
		s.logger.Warn("failed to create session", zap.Error(err))
		errMsg := messages.NewErrorMessage("", messages.ErrCodeSessionFailed, err.Error())
		_ = conn.WriteJSON(errMsg)
		_ = conn.Close()
		return nil
	}

	s.logger.Info("session created", zap.String("session_id", clientSession.ID), zap.String("user_id", userID))
	clientSession.Start()

	<-clientSession.CloseChan

	_ = s.sessionManager.RemoveSession(context.Background(), clientSession.ID)
	s.logger.Info("session closed", zap.String("session_id", clientSession.ID))
	return nil
}

func (s *Server) handleHealth(c echo.Context) error {
	body := map[string]any{
		"status":   "ok",
		"sessions": s.sessionManager.GetActiveSessionCount(),
	}
	stored, err := s.sessionManager.StoredSessionCount(c.Request().Context())
	if err != nil {
		s.logger.Warn("failed to count stored sessions", zap.Error(err))
	} else {
		body["stored_sessions"] = stored
	}
	return c.JSON(http.StatusOK, body)
}

// handleTranscript returns the finished turns of a session. A live session
// is only visible to the user who opened it.
func (s *Server) handleTranscript(c echo.Context) error {
	userID, _, err := s.authenticate(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}

	id := c.Param("id")
	if live, ok := s.sessionManager.GetSession(id); ok && s.validator != nil && live.UserID != userID {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}

	msgs, err := s.sessionManager.Transcript(c.Request().Context(), id)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	case err != nil:
		s.logger.Warn("failed to read transcript", zap.String("session_id", id), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "transcript unavailable"})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"session_id": id,
		"messages":   msgs,
	})
}
