package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/room4-2/VoiceLedger/config"
	"github.com/room4-2/VoiceLedger/gemini"
	"github.com/room4-2/VoiceLedger/server"
	"github.com/room4-2/VoiceLedger/session"
	"github.com/room4-2/VoiceLedger/tools"
)

type runnable interface {
	Start() error
	Shutdown(ctx context.Context) error
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		bootstrap, _ := zap.NewProduction()
		bootstrap.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		logger, _ = zap.NewProduction()
		logger.Warn("invalid LOG_LEVEL, using info", zap.String("level", cfg.LogLevel))
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store session.Store
	if cfg.RedisURL != "" {
		redisStore, err := session.NewRedisStore(ctx, cfg.RedisURL, cfg.RedisPassword, cfg.SessionTimeout)
		if err != nil {
			// Redis unavailable, continue without it
			logger.Warn("session persistence disabled", zap.Error(err))
		} else {
			store = redisStore
		}
	}

	var categorizer tools.Categorizer
	if cfg.GeminiAPIKey != "" {
		c, err := gemini.NewCategorizer(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, logger)
		if err != nil {
			logger.Warn("expense categorization disabled", zap.Error(err))
		} else {
			categorizer = c
		}
	}

	factory := session.NewFactory(cfg, categorizer, logger)
	sessionManager := session.NewManager(cfg, factory, store, logger)
	go sessionManager.StartCleanupRoutine(ctx)

	var servers []runnable
	switch cfg.ServerType {
	case "websocket":
		servers = append(servers, server.NewServerWebsocket(cfg, sessionManager, logger))
	case "twilio":
		servers = append(servers, server.NewWebsocketTwilio(cfg, sessionManager, logger))
	case "both":
		servers = append(servers,
			server.NewServerWebsocket(cfg, sessionManager, logger),
			server.NewWebsocketTwilio(cfg, sessionManager, logger))
	default:
		logger.Fatal("unknown SERVER_TYPE", zap.String("server_type", cfg.ServerType))
	}

	errs := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv runnable) {
			errs <- srv.Start()
		}(srv)
	}
	logger.Info("voice ledger started",
		zap.String("server_type", cfg.ServerType),
		zap.String("transport", cfg.RealtimeTransport),
		zap.Bool("persistence", store != nil),
		zap.Bool("categorizer", categorizer != nil))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("received shutdown signal")
	case err := <-errs:
		if err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	sessionManager.Shutdown(shutdownCtx)
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown error", zap.Error(err))
		}
	}
	logger.Info("server stopped")
}
