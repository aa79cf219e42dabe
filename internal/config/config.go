package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Addr       string `envconfig:"API_ADDR" default:":8787"`
	JWTSecret  string `envconfig:"TASKSYNC_JWT_SECRET" default:"tasksync-dev-secret"`
	SyncToken  string `envconfig:"TASKSYNC_SYNC_TOKEN" default:"tasksync-sync-token"`
	CORSOrigin string `envconfig:"TASKSYNC_CORS_ORIGIN" default:"*"`

	// Presence
	PresenceTimeout       time.Duration `envconfig:"TASKSYNC_PRESENCE_TIMEOUT" default:"45s"`
	PresenceSweepInterval time.Duration `envconfig:"TASKSYNC_PRESENCE_SWEEP_INTERVAL" default:"10s"`

	// Connection channel
	ReadTimeout        time.Duration `envconfig:"TASKSYNC_READ_TIMEOUT" default:"60s"`
	MaxFrameBytes      int64         `envconfig:"TASKSYNC_MAX_FRAME_BYTES" default:"65536"`
	SendBuffer         int           `envconfig:"TASKSYNC_SEND_BUFFER" default:"64"`
	NotificationBuffer int           `envconfig:"TASKSYNC_NOTIFICATION_BUFFER" default:"32"`

	// Optional backends, disabled when empty
	DatabaseURL string        `envconfig:"DATABASE_URL"`
	DBMaxConns  int           `envconfig:"TASKSYNC_DB_MAX_CONNS" default:"4"`
	RedisURL    string        `envconfig:"REDIS_URL"`
	SessionTTL  time.Duration `envconfig:"TASKSYNC_SESSION_TTL" default:"2m"`

	// Logging
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("process environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.PresenceTimeout <= 0 {
		errs = append(errs, errors.New("TASKSYNC_PRESENCE_TIMEOUT must be positive"))
	}
	if c.PresenceSweepInterval <= 0 {
		errs = append(errs, errors.New("TASKSYNC_PRESENCE_SWEEP_INTERVAL must be positive"))
	} else if c.PresenceTimeout > 0 && c.PresenceSweepInterval >= c.PresenceTimeout {
		errs = append(errs, errors.New("TASKSYNC_PRESENCE_SWEEP_INTERVAL must be shorter than TASKSYNC_PRESENCE_TIMEOUT"))
	}
	if c.ReadTimeout <= 0 {
		errs = append(errs, errors.New("TASKSYNC_READ_TIMEOUT must be positive"))
	}
	if c.MaxFrameBytes <= 0 {
		errs = append(errs, errors.New("TASKSYNC_MAX_FRAME_BYTES must be positive"))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("TASKSYNC_SESSION_TTL must be positive"))
	}
	if c.SendBuffer <= 0 || c.NotificationBuffer <= 0 {
		errs = append(errs, errors.New("send and notification buffers must be positive"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("TASKSYNC_JWT_SECRET is required"))
	}
	return errors.Join(errs...)
}
