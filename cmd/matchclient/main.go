// Command matchclient is a headless participant: it joins the shared match
// topic over Redis, negotiates a pion PeerConnection with whoever it is
// paired with and logs connection quality until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-matchmaking/config"
	"github.com/mossy-p/webrtc-matchmaking/internal/redis"
	"github.com/mossy-p/webrtc-matchmaking/internal/rendezvous"
	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	id := flag.String("id", "", "participant id (random when empty)")
	stun := flag.String("stun", "stun:stun.l.google.com:19302", "STUN server url, empty to disable")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setupLogger(cfg.LogLevel)

	if *id == "" {
		*id = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer client.Close()

	opts := []rendezvous.Option{rendezvous.WithTopicName(cfg.MatchTopic)}
	if cfg.MatchConfirmation {
		opts = append(opts, rendezvous.WithMatchConfirmation())
	}
	session := rendezvous.NewSession(redis.NewTopic(client, redis.WithPresenceTTL(cfg.Redis.PresenceTTL)), opts...)

	var iceServers []webrtc.ICEServer
	if *stun != "" {
		iceServers = []webrtc.ICEServer{{URLs: []string{*stun}}}
	}

	api, err := newAPI(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up WebRTC")
	}

	p := newParticipant(ctx, *id, api, webrtc.Configuration{ICEServers: iceServers}, session, cfg.StatsInterval)
	if err := p.run(); err != nil {
		log.Fatal().Err(err).Msg("Failed to join match topic")
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down participant...")

	leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.shutdown(leaveCtx)
}

// newAPI registers the default codecs and interceptors, which feed the
// inbound-rtp stats, and routes pion's own logging at the configured level.
func newAPI(level string) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	lf := logging.NewDefaultLoggerFactory()
	switch level {
	case "trace":
		lf.DefaultLogLevel = logging.LogLevelTrace
	case "debug":
		lf.DefaultLogLevel = logging.LogLevelDebug
	default:
		lf.DefaultLogLevel = logging.LogLevelWarn
	}

	se := webrtc.SettingEngine{LoggerFactory: lf}
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

func setupLogger(level string) {
	w := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
