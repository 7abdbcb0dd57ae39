// Package config loads daemon settings with precedence ENV > file > defaults
// and watches the file for hot-applicable changes.
package config

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// Runtime launch modes.
const (
	RuntimeInProcess = "inprocess"
	RuntimeProcess   = "process"
	RuntimeExternal  = "external"
)

type Config struct {
	Listen   string         `yaml:"listen" validate:"required"`
	LogLevel string         `yaml:"logLevel" validate:"oneof=trace debug info warn error"`
	Store    StoreConfig    `yaml:"store"`
	Broker   BrokerConfig   `yaml:"broker"`
	Engine   EngineConfig   `yaml:"engine"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Platform PlatformConfig `yaml:"platform"`
	API      APIConfig      `yaml:"api"`
	Auth     AuthConfig     `yaml:"auth"`
}

type StoreConfig struct {
	Backend string `yaml:"backend" validate:"oneof=memory file badger sqlite postgres redis"`
	// DSN is a directory, a database path or a connection URL depending on Backend.
	// Left empty, it defaults per backend; redis falls back to the broker URL.
	DSN string `yaml:"dsn" validate:"required_unless=Backend memory"`
}

const defaultFileDSN = "geofenced-data"

// defaultStoreDSN is where backend keeps its data when no DSN was given for it.
func defaultStoreDSN(backend string, cfg Config) string {
	switch backend {
	case "file", "badger":
		return defaultFileDSN
	case "sqlite":
		return "geofenced.db"
	case "redis":
		return cfg.Broker.RedisURL
	default:
		return ""
	}
}

type BrokerConfig struct {
	// RedisURL switches event fan-out to Redis Pub/Sub. Empty keeps it in memory.
	RedisURL string `yaml:"redisUrl"`
	Channel  string `yaml:"channel" validate:"required"`
}

type EngineConfig struct {
	QueueCapacity  int           `yaml:"queueCapacity" validate:"gte=1"`
	DebounceWindow time.Duration `yaml:"debounceWindow" validate:"gt=0"`
	RetryBase      time.Duration `yaml:"retryBase" validate:"gt=0"`
	RetryCap       time.Duration `yaml:"retryCap" validate:"gtfield=RetryBase"`
	RetryIdleReset time.Duration `yaml:"retryIdleReset" validate:"gt=0"`
}

type RuntimeConfig struct {
	Mode string `yaml:"mode" validate:"oneof=inprocess process external"`
	// Command is the runtime executable and arguments for process mode.
	Command []string `yaml:"command" validate:"required_if=Mode process"`
	// PublicURL is the ws:// base the runtime dials back to.
	PublicURL string `yaml:"publicUrl" validate:"omitempty,url"`
	// WebhookURL receives events in inprocess mode. Empty only logs them.
	WebhookURL       string        `yaml:"webhookUrl" validate:"omitempty,url"`
	WebhookSecret    string        `yaml:"webhookSecret"`
	MaxStartAttempts int           `yaml:"maxStartAttempts" validate:"gte=1"`
	StartBackoff     time.Duration `yaml:"startBackoff" validate:"gt=0"`
	ReadyTimeout     time.Duration `yaml:"readyTimeout" validate:"gte=0"`
	StopGrace        time.Duration `yaml:"stopGrace" validate:"gte=0"`
}

type PlatformConfig struct {
	// Limit is the simulated per-app region limit.
	Limit              int  `yaml:"limit" validate:"gte=1"`
	BackgroundRequired bool `yaml:"backgroundRequired"`
}

type APIConfig struct {
	// EventsPerMinute rate limits trigger injection per client.
	EventsPerMinute int           `yaml:"eventsPerMinute" validate:"gte=1"`
	ReadTimeout     time.Duration `yaml:"readTimeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" validate:"gt=0"`
}

type AuthConfig struct {
	Mode       string `yaml:"mode" validate:"oneof=none token hmac"`
	Token      string `yaml:"token" validate:"required_if=Mode token"`
	HMACSecret string `yaml:"hmacSecret" validate:"required_if=Mode hmac"`
}

// Defaults returns the configuration used when neither file nor env say otherwise.
func Defaults() Config {
	return Config{
		Listen:   ":8080",
		LogLevel: "info",
		Store:    StoreConfig{Backend: "file", DSN: defaultFileDSN},
		Broker:   BrokerConfig{Channel: "geofenced:events"},
		Engine: EngineConfig{
			QueueCapacity:  50,
			DebounceWindow: 5 * time.Second,
			RetryBase:      5 * time.Second,
			RetryCap:       15 * time.Minute,
			RetryIdleReset: time.Hour,
		},
		Runtime: RuntimeConfig{
			Mode:             RuntimeInProcess,
			MaxStartAttempts: 3,
			StartBackoff:     2 * time.Second,
			ReadyTimeout:     30 * time.Second,
			StopGrace:        5 * time.Second,
		},
		Platform: PlatformConfig{Limit: 100},
		API: APIConfig{
			EventsPerMinute: 120,
			ReadTimeout:     5 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{Mode: "none"},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks cross-field and range constraints.
func Validate(cfg Config) error {
	return validate.Struct(cfg)
}
