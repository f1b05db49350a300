package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mossy-p/webrtc-matchmaking/config"
	"github.com/mossy-p/webrtc-matchmaking/internal/handlers"
	"github.com/mossy-p/webrtc-matchmaking/internal/redis"
	"github.com/mossy-p/webrtc-matchmaking/internal/rendezvous"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setupLogger(cfg.LogLevel)

	ctx := context.Background()

	var topic rendezvous.Topic
	switch cfg.TopicBackend {
	case config.TopicBackendRedis:
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer client.Close()
		log.Info().Str("host", cfg.Redis.Host).Str("port", cfg.Redis.Port).Msg("Redis connection established")
		topic = redis.NewTopic(client, redis.WithPresenceTTL(cfg.Redis.PresenceTTL))
	default:
		log.Warn().Msg("Using in-memory match topic, participants on other instances will not be seen")
		topic = rendezvous.NewMemoryTopic()
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handlers.NewRouter(cfg, topic),
	}

	go func() {
		log.Info().
			Str("port", cfg.Port).
			Str("topic", cfg.MatchTopic).
			Bool("confirmation", cfg.MatchConfirmation).
			Msg("Starting matchmaking server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited")
}

func setupLogger(level string) {
	w := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	log.Logger = zerolog.New(w).With().Timestamp().Caller().Logger()

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		log.Warn().Str("level", level).Msg("Unknown log level, using info")
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
