package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// Group relay backends.
const (
	RelayNone  = "none"
	RelayRedis = "redis"
	RelayNATS  = "nats"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	AppURL    string `env:"APP_URL" default:"http://localhost:8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	RedisURL   string `env:"REDIS_URL"`
	NATSURL    string `env:"NATS_URL"`
	GroupRelay string `env:"GROUP_RELAY" default:"none"`

	AuthStaticTokens string        `env:"AUTH_STATIC_TOKENS"`
	AuthRedisEnabled bool          `env:"AUTH_REDIS_ENABLED" default:"false"`
	AuthCacheTTL     time.Duration `env:"AUTH_CACHE_TTL" default:"30s"`
	IdentityTimeout  time.Duration `env:"IDENTITY_TIMEOUT" default:"3s"`

	PolicyFile         string `env:"POLICY_FILE"`
	ProtocolVersion    string `env:"PROTOCOL_VERSION" default:"1.2.0"`
	ProtocolConstraint string `env:"PROTOCOL_CONSTRAINT" default:">= 1.0.0, < 2.0.0"`

	MaxWebSocketConnections int           `env:"WS_MAX_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int           `env:"WS_MAX_PER_IP" default:"50"`
	ConnectRate             float64       `env:"WS_CONNECT_RATE" default:"10"`
	ConnectBurst            int           `env:"WS_CONNECT_BURST" default:"20"`
	MessageRate             float64       `env:"WS_MESSAGE_RATE" default:"20"`
	MessageBurst            int           `env:"WS_MESSAGE_BURST" default:"40"`
	MessageMaxWait          time.Duration `env:"WS_MESSAGE_MAX_WAIT" default:"250ms"`
	MaxMessageBytes         int64         `env:"WS_MAX_MESSAGE_BYTES" default:"65536"`
	RescopeWait             time.Duration `env:"RESCOPE_WAIT" default:"2s"`

	HTTPRateLimit float64 `env:"HTTP_RATE_LIMIT" default:"50"`
	HTTPRateBurst int     `env:"HTTP_RATE_BURST" default:"100"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg.GroupRelay = strings.ToLower(strings.TrimSpace(cfg.GroupRelay))

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// IsDevelopment reports whether the service runs outside production.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv != "production"
}

func validate(cfg *Config) error {
	switch cfg.GroupRelay {
	case RelayNone:
	case RelayRedis:
		if cfg.RedisURL == "" {
			return errors.New("REDIS_URL is required when GROUP_RELAY is redis")
		}
	case RelayNATS:
		if cfg.NATSURL == "" {
			return errors.New("NATS_URL is required when GROUP_RELAY is nats")
		}
	default:
		return fmt.Errorf("GROUP_RELAY must be one of none, redis, nats, got %q", cfg.GroupRelay)
	}

	if cfg.AuthRedisEnabled && cfg.RedisURL == "" {
		return errors.New("REDIS_URL is required when AUTH_REDIS_ENABLED is set")
	}

	positive := map[string]float64{
		"WS_MAX_CONNECTIONS":   float64(cfg.MaxWebSocketConnections),
		"WS_MAX_PER_IP":        float64(cfg.MaxConnectionsPerIP),
		"WS_CONNECT_RATE":      cfg.ConnectRate,
		"WS_CONNECT_BURST":     float64(cfg.ConnectBurst),
		"WS_MESSAGE_RATE":      cfg.MessageRate,
		"WS_MESSAGE_BURST":     float64(cfg.MessageBurst),
		"WS_MAX_MESSAGE_BYTES": float64(cfg.MaxMessageBytes),
		"HTTP_RATE_LIMIT":      cfg.HTTPRateLimit,
		"HTTP_RATE_BURST":      float64(cfg.HTTPRateBurst),
	}
	for name, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if cfg.MessageMaxWait < 0 {
		return errors.New("WS_MESSAGE_MAX_WAIT must not be negative")
	}

	return nil
}
