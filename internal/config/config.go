// Package config loads process configuration from the environment, with an
// optional .env file, and builds the shared logger.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/whisper/livechat/internal/chat"
	"github.com/whisper/livechat/internal/messaging"
	"github.com/whisper/livechat/internal/ws"
)

const (
	AuthModeSession = "session"
	AuthModeJWT     = "jwt"
)

// Config holds every setting used by the livechat binaries.
type Config struct {
	ListenAddr     string        `envconfig:"LISTEN_ADDR" default:":8080"`
	WorkerPoolSize int           `envconfig:"WORKER_POOL_SIZE" default:"256"`
	MaxConnections int           `envconfig:"MAX_CONNECTIONS" default:"100000"`
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout   time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
	SendQueueSize  int           `envconfig:"SEND_QUEUE_SIZE" default:"64"`

	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	HeartbeatTimeout  time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"10s"`

	// Empty DatabaseURL selects the in-memory store.
	DatabaseURL    string `envconfig:"DATABASE_URL"`
	MigrateOnStart bool   `envconfig:"MIGRATE_ON_START" default:"true"`

	RedisAddr   string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	NATSURL     string `envconfig:"NATS_URL" default:"nats://localhost:4222"`
	NATSEnabled bool   `envconfig:"NATS_ENABLED" default:"false"`

	AuthMode  string `envconfig:"AUTH_MODE" default:"session"`
	JWTSecret string `envconfig:"JWT_SECRET"`

	// RateLimitEnabled gates the Redis connect and message limits.
	RateLimitEnabled bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`

	PersistTimeout time.Duration `envconfig:"PERSIST_TIMEOUT" default:"5s"`
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"info"`
	ServerName     string        `envconfig:"SERVER_NAME" default:"livechat-1"`
}

// Load reads .env when present, then the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c Config) Validate() error {
	switch c.AuthMode {
	case AuthModeSession:
	case AuthModeJWT:
		if c.JWTSecret == "" {
			return fmt.Errorf("config: JWT_SECRET is required when AUTH_MODE=%s", AuthModeJWT)
		}
	default:
		return fmt.Errorf("config: unknown AUTH_MODE %q", c.AuthMode)
	}
	if c.WorkerPoolSize <= 0 || c.SendQueueSize <= 0 {
		return fmt.Errorf("config: WORKER_POOL_SIZE and SEND_QUEUE_SIZE must be positive")
	}
	return nil
}

// Server maps the config onto the WebSocket server settings.
func (c Config) Server() ws.ServerConfig {
	sc := ws.DefaultServerConfig()
	sc.ListenAddr = c.ListenAddr
	sc.WorkerPoolSize = c.WorkerPoolSize
	sc.MaxConnections = c.MaxConnections
	sc.ReadTimeout = c.ReadTimeout
	sc.WriteTimeout = c.WriteTimeout
	sc.SendQueueSize = c.SendQueueSize
	sc.Heartbeat = ws.HeartbeatConfig{
		Interval: c.HeartbeatInterval,
		Timeout:  c.HeartbeatTimeout,
	}
	return sc
}

// NATS maps the config onto the NATS client settings for the named client.
func (c Config) NATS(name string) messaging.NATSConfig {
	nc := messaging.DefaultNATSConfig()
	nc.URL = c.NATSURL
	nc.Name = name
	return nc
}

// Engine maps the config onto the routing engine settings. The limiter and
// publisher are wired by the caller.
func (c Config) Engine() chat.EngineConfig {
	ec := chat.DefaultEngineConfig()
	ec.PersistTimeout = c.PersistTimeout
	return ec
}

// NewLogger builds the JSON logger used by every component.
func NewLogger(level string) *slog.Logger {
	return newLogger(os.Stdout, level)
}

func newLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

// ParseLevel maps debug, info, warn and error to slog levels. Anything else
// is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
