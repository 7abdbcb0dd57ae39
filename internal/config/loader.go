package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	glog "geofenced/internal/log"
)

const envPrefix = "GEOFENCED_"

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then environment variables. The result is validated.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, fmt.Errorf("apply environment: %w", err)
	}
	resolveStoreDSN(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile decodes path over cfg. Unknown keys are rejected.
func loadFile(path string, cfg *Config) error {
	path = filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}
	// #nosec G304 -- the path comes from the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("config file contains multiple documents or trailing content")
	}
	return nil
}

type lookupFunc func(string) (string, bool)

// applyEnv overrides cfg from the environment. Besides the GEOFENCED_ names,
// the conventional PORT, DATABASE_URL and REDIS_URL are honored.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	e := envReader{lookup: lookup}

	if port, ok := e.get("PORT"); ok {
		cfg.Listen = ":" + port
	}
	e.str(envPrefix+"LISTEN", &cfg.Listen)
	e.str(envPrefix+"LOG_LEVEL", &cfg.LogLevel)

	if dsn, ok := e.get("DATABASE_URL"); ok {
		cfg.Store.Backend, cfg.Store.DSN = "postgres", dsn
	}
	e.str(envPrefix+"STORE_BACKEND", &cfg.Store.Backend)
	e.str(envPrefix+"STORE_DSN", &cfg.Store.DSN)

	e.str("REDIS_URL", &cfg.Broker.RedisURL)
	e.str(envPrefix+"BROKER_REDIS_URL", &cfg.Broker.RedisURL)
	e.str(envPrefix+"BROKER_CHANNEL", &cfg.Broker.Channel)

	e.int(envPrefix+"QUEUE_CAPACITY", &cfg.Engine.QueueCapacity)
	e.dur(envPrefix+"DEBOUNCE_WINDOW", &cfg.Engine.DebounceWindow)
	e.dur(envPrefix+"RETRY_BASE", &cfg.Engine.RetryBase)
	e.dur(envPrefix+"RETRY_CAP", &cfg.Engine.RetryCap)
	e.dur(envPrefix+"RETRY_IDLE_RESET", &cfg.Engine.RetryIdleReset)

	e.str(envPrefix+"RUNTIME_MODE", &cfg.Runtime.Mode)
	if cmd, ok := e.get(envPrefix + "RUNTIME_COMMAND"); ok {
		cfg.Runtime.Command = strings.Fields(cmd)
	}
	e.str(envPrefix+"RUNTIME_PUBLIC_URL", &cfg.Runtime.PublicURL)
	e.str(envPrefix+"WEBHOOK_URL", &cfg.Runtime.WebhookURL)
	e.str(envPrefix+"WEBHOOK_SECRET", &cfg.Runtime.WebhookSecret)
	e.int(envPrefix+"RUNTIME_MAX_START_ATTEMPTS", &cfg.Runtime.MaxStartAttempts)
	e.dur(envPrefix+"RUNTIME_START_BACKOFF", &cfg.Runtime.StartBackoff)
	e.dur(envPrefix+"RUNTIME_READY_TIMEOUT", &cfg.Runtime.ReadyTimeout)
	e.dur(envPrefix+"RUNTIME_STOP_GRACE", &cfg.Runtime.StopGrace)

	e.int(envPrefix+"PLATFORM_LIMIT", &cfg.Platform.Limit)
	e.bool(envPrefix+"PLATFORM_BACKGROUND_REQUIRED", &cfg.Platform.BackgroundRequired)

	e.int(envPrefix+"API_EVENTS_PER_MINUTE", &cfg.API.EventsPerMinute)
	e.dur(envPrefix+"API_READ_TIMEOUT", &cfg.API.ReadTimeout)
	e.dur(envPrefix+"API_SHUTDOWN_TIMEOUT", &cfg.API.ShutdownTimeout)

	e.str(envPrefix+"AUTH_MODE", &cfg.Auth.Mode)
	e.str(envPrefix+"AUTH_TOKEN", &cfg.Auth.Token)
	e.str(envPrefix+"AUTH_HMAC_SECRET", &cfg.Auth.HMACSecret)

	return errors.Join(e.errs...)
}

// resolveStoreDSN fills in the backend's own default when no DSN was given or
// the only DSN is the one inherited from the default file backend.
func resolveStoreDSN(cfg *Config) {
	inherited := cfg.Store.DSN == defaultFileDSN && defaultStoreDSN(cfg.Store.Backend, *cfg) != defaultFileDSN
	if cfg.Store.DSN == "" || inherited {
		cfg.Store.DSN = defaultStoreDSN(cfg.Store.Backend, *cfg)
	}
}

type envReader struct {
	lookup lookupFunc
	errs   []error
}

// get treats an empty variable as unset.
func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return "", false
	}
	l := glog.WithComponent("config")
	lower := strings.ToLower(key)
	if strings.Contains(lower, "url") || strings.Contains(lower, "dsn") || strings.Contains(lower, "secret") || strings.Contains(lower, "token") {
		l.Debug().Str("key", key).Bool("sensitive", true).Str("source", "environment").Msg("using environment variable")
	} else {
		l.Debug().Str("key", key).Str("value", v).Str("source", "environment").Msg("using environment variable")
	}
	return v, true
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func (e *envReader) bool(key string, dst *bool) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = b
}

func (e *envReader) dur(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}
