package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-callcoord/config"
	"github.com/mossy-p/webrtc-callcoord/internal/agent"
	"github.com/mossy-p/webrtc-callcoord/internal/handlers"
	"github.com/mossy-p/webrtc-callcoord/internal/media"
	"github.com/mossy-p/webrtc-callcoord/internal/redis"
	"github.com/mossy-p/webrtc-callcoord/internal/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Load configuration
	cfg := config.Load()
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer closeStore()

	engine, err := media.NewPionEngine()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize media engine")
	}

	callAgent := agent.New(cfg.UserID, cfg.DisplayName, st, engine,
		agent.WithICE(media.ICEConfigFrom(cfg.ICE)),
		agent.WithTimeouts(cfg.Timeouts),
	)
	if err := callAgent.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start agent")
	}

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           handlers.NewRouter(cfg, callAgent),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Str("user_id", cfg.UserID).Msg("Starting call agent")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	callAgent.Close(shutdownCtx)
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if cfg.Environment != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

// openStore selects the shared signaling store. The memory backend only
// coordinates agents inside one process.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case "memory":
		log.Warn().Msg("Using in-process memory store")
		return store.NewMemory(), func() {}, nil
	default:
		rs, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("host", cfg.Redis.Host).Str("prefix", cfg.Redis.KeyPrefix).Msg("Redis connection established")
		return rs, func() { _ = rs.Close() }, nil
	}
}
