package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/room4-2/VoiceLedger/config"
	"github.com/room4-2/VoiceLedger/session"
)

// WebsocketTwilio serves the TwiML webhook and the Media Streams socket.
type WebsocketTwilio struct {
	echo           *echo.Echo
	addr           string
	upgrader       websocket.Upgrader
	sessionManager *session.Manager
	logger         *zap.Logger
}

func NewWebsocketTwilio(cfg *config.Config, sessionManager *session.Manager, logger *zap.Logger) *WebsocketTwilio {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &WebsocketTwilio{
		sessionManager: sessionManager,
		logger:         logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			// Twilio doesn't support WebSocket compression
			EnableCompression: false,
			// Twilio connections don't send browser Origin headers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	// standalone phone servers take the main port
	port := cfg.TwilioPort
	if cfg.ServerType == "twilio" {
		port = cfg.Port
	}
	s.addr = fmt.Sprintf(":%d", port)

	e := newEcho(logger)
	e.GET("/stream", s.handleWebsocketTwilio)
	e.Match([]string{http.MethodGet, http.MethodPost}, "/voice", s.handleVoiceCall)
	e.GET("/health", s.handleHealth)
	s.echo = e

	return s
}

// Handler exposes the routes, mainly for tests.
func (s *WebsocketTwilio) Handler() http.Handler {
	return s.echo
}

// Start begins listening for connections
func (s *WebsocketTwilio) Start() error {
	s.logger.Info("twilio server starting", zap.String("addr", s.addr))
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *WebsocketTwilio) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down twilio server")
	return s.echo.Shutdown(ctx)
}

func (s *WebsocketTwilio) handleWebsocketTwilio(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("twilio websocket upgrade failed", zap.Error(err))
		return nil
	}

	clientSession, err := s.sessionManager.CreateTwilioSession(c.Request().Context(), conn)
	if err != nil {
		s.logger.Warn("failed to create twilio session", zap.Error(err))
		_ = conn.Close()
		return nil
	}

	s.logger.Info("twilio session created", zap.String("session_id", clientSession.ID))
	clientSession.StartTwilio()

	<-clientSession.CloseChan

	_ = s.sessionManager.RemoveSession(context.Background(), clientSession.ID)
	s.logger.Info("twilio session closed", zap.String("session_id", clientSession.ID))
	return nil
}

func (s *WebsocketTwilio) handleVoiceCall(c echo.Context) error {
	wsURL := "wss://" + c.Request().Host + "/stream"

	// TwiML to connect the call to the WebSocket stream
	xmlResponse := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
	<Say>Connecting you to your bookkeeping assistant.</Say>
	<Connect>
		<Stream url="%s" />
	</Connect>
</Response>`, wsURL)

	return c.Blob(http.StatusOK, "text/xml", []byte(xmlResponse))
}

func (s *WebsocketTwilio) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "ok",
		"server":   "twilio",
		"sessions": s.sessionManager.GetActiveSessionCount(),
	})
}

// GetAddr returns the server's listen address (for logging in main)
func (s *WebsocketTwilio) GetAddr() string {
	return s.addr
}
