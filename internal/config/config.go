package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all runtime configuration, bound from environment variables
// with struct-tag defaults.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`

	// Pub/sub fabric. All delivery fan-out (messages, receipts, typing,
	// presence, calls, ICE) rides MQTT topics on this broker.
	MQTTBrokerURL string `env:"MQTT_BROKER_URL,required"`
	MQTTClientID  string `env:"MQTT_CLIENT_ID" envDefault:"echofabric"`
	MQTTUsername  string `env:"MQTT_USERNAME"`
	MQTTPassword  string `env:"MQTT_PASSWORD"`

	// EmbeddedBroker starts an in-process mochi-mqtt broker bound to
	// BrokerListenAddr before connecting MQTTBrokerURL to it; disable to
	// point at an externally-run broker instead.
	EmbeddedBroker   bool   `env:"MQTT_EMBEDDED_BROKER" envDefault:"true"`
	BrokerListenAddr string `env:"MQTT_BROKER_LISTEN_ADDR" envDefault:"127.0.0.1:1883"`

	// Embedded ephemeral KV store (badger) backing the offline queue,
	// presence/typing state, and the group-state cache.
	CacheDir string `env:"CACHE_DIR" envDefault:"./data/cache"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthEnabled        bool   `env:"AUTH_ENABLED" envDefault:"true"`
	AdminToken         string `env:"ADMIN_TOKEN"` // gates admin-only endpoints; per-device tokens gate everything else
	AdminTokenGenerated bool  // true when auto-generated (not from env/config)

	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"40"`
	CORSOrigins    string  `env:"CORS_ORIGINS"` // comma-separated allowed origins; empty = allow all (*)
	LogLevel       string  `env:"LOG_LEVEL" envDefault:"info"`
	MetricsEnabled bool    `env:"METRICS_ENABLED" envDefault:"true"`

	// Offline queue retention (spec: 30-day TTL per queued entry).
	OfflineQueueTTL time.Duration `env:"OFFLINE_QUEUE_TTL" envDefault:"720h"`

	// Presence/typing TTLs.
	PresenceTTL time.Duration `env:"PRESENCE_TTL" envDefault:"5m"`
	TypingTTL   time.Duration `env:"TYPING_TTL" envDefault:"10s"`

	// One-time prekey low-watermark. Not passed to the key directory, which
	// logs its low-inventory warning against the keys.LowPreKeyWatermark
	// constant (also 20); the prekey-bundle response carries no flag.
	PrekeyLowWatermark int `env:"PREKEY_LOW_WATERMARK" envDefault:"20"`

	// Call signaling.
	CallRingTimeout time.Duration `env:"CALL_RING_TIMEOUT" envDefault:"45s"`

	// Group epoch transition retry bound (optimistic-concurrency CAS loop).
	EpochCASRetries int `env:"EPOCH_CAS_RETRIES" envDefault:"5"`

	// Self-destruct sweeper cadence and batch size.
	SweepInterval  time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`
	SweepBatchSize int           `env:"SWEEP_BATCH_SIZE" envDefault:"500"`

	// Update checker (enabled by default — set UPDATE_CHECK=false to disable).
	UpdateCheck     bool   `env:"UPDATE_CHECK" envDefault:"true"`
	UpdateCheckURL  string `env:"UPDATE_CHECK_URL" envDefault:"https://updates.echofabric.dev/check"`
	RunningInDocker bool   // detected from /.dockerenv, not bound from env
}

// Validate checks configuration for internal consistency.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must be set")
	}
	if c.MQTTBrokerURL == "" {
		return fmt.Errorf("MQTT_BROKER_URL must be set")
	}
	return nil
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile       string
	HTTPAddr      string
	LogLevel      string
	DatabaseURL   string
	MQTTBrokerURL string
	CacheDir      string
}

// Load reads configuration from a .env file, environment variables, and CLI
// overrides. Priority: CLI flags > environment variables > .env file > struct
// defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.MQTTBrokerURL != "" {
		cfg.MQTTBrokerURL = overrides.MQTTBrokerURL
	}
	if overrides.CacheDir != "" {
		cfg.CacheDir = overrides.CacheDir
	}

	if !cfg.AuthEnabled {
		cfg.AdminToken = ""
	} else if cfg.AdminToken == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err == nil {
			cfg.AdminToken = base64.URLEncoding.EncodeToString(b)
			cfg.AdminTokenGenerated = true
		}
	}

	if _, err := os.Stat("/.dockerenv"); err == nil {
		cfg.RunningInDocker = true
	}

	return cfg, nil
}
