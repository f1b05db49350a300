package config

import (
	"fmt"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

const defaultAllowedOrigins = "http://localhost:3000,http://localhost:5173"

// Topic backends
const (
	TopicBackendRedis  = "redis"
	TopicBackendMemory = "memory"
)

type Config struct {
	Port           string `env:"PORT,default=8080"`
	Environment    string `env:"ENVIRONMENT,default=development"`
	AllowedOrigins string `env:"ALLOWED_ORIGINS"`
	JWTSecret      string `env:"JWT_SECRET,default=change-me-in-production"`
	LogLevel       string `env:"LOG_LEVEL,default=info"`

	TopicBackend      string        `env:"TOPIC_BACKEND,default=redis"`
	MatchTopic        string        `env:"MATCH_TOPIC,default=random-match"`
	MatchConfirmation bool          `env:"MATCH_CONFIRMATION,default=false"`
	StatsInterval     time.Duration `env:"STATS_INTERVAL,default=2s"`

	Redis RedisConfig
}

type RedisConfig struct {
	Host     string `env:"REDIS_HOST,default=localhost"`
	Port     string `env:"REDIS_PORT,default=6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB,default=0"`

	// PresenceTTL bounds how long a participant of a crashed instance stays visible.
	PresenceTTL time.Duration `env:"REDIS_PRESENCE_TTL,default=30s"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if _, err := env.UnmarshalFromEnviron(&cfg.Redis); err != nil {
		return nil, fmt.Errorf("load redis config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.TopicBackend {
	case TopicBackendRedis, TopicBackendMemory:
	default:
		return fmt.Errorf("TOPIC_BACKEND must be %q or %q, got %q", TopicBackendRedis, TopicBackendMemory, c.TopicBackend)
	}
	if c.MatchTopic == "" {
		return fmt.Errorf("MATCH_TOPIC must not be empty")
	}
	if c.StatsInterval <= 0 {
		return fmt.Errorf("STATS_INTERVAL must be positive, got %s", c.StatsInterval)
	}
	return nil
}

// Origins splits the comma-separated allow list.
func (c *Config) Origins() []string {
	raw := c.AllowedOrigins
	if raw == "" {
		raw = defaultAllowedOrigins
	}

	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
