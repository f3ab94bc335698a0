// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/chatrelay/services/llm"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Backend names.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendBadger   = "badger"
	BackendRedis    = "redis"
	BackendNone     = "none"
)

// Config holds all configuration for the relay service.
//
// # Description
//
// Built by LoadConfig in three layers: DefaultConfig, then an optional YAML
// file, then environment variables. The defaults are for local development
// only.
type Config struct {
	// Port is the HTTP listen port.
	Port int `yaml:"port" validate:"min=1,max=65535"`

	// GinMode is "debug", "release" or "test". Empty keeps gin's default.
	GinMode string `yaml:"gin_mode" validate:"omitempty,oneof=debug release test"`

	Log      LogConfig      `yaml:"log"`
	Provider ProviderConfig `yaml:"provider"`
	LogStore LogStoreConfig `yaml:"log_store"`
	Cache    CacheConfig    `yaml:"cache"`

	// SideEffectTimeout bounds each log or cache write.
	SideEffectTimeout time.Duration `yaml:"side_effect_timeout" validate:"gt=0"`

	// OTelEndpoint is the OTLP gRPC collector. Empty disables tracing export.
	OTelEndpoint string `yaml:"otel_endpoint"`

	// EnableMetrics registers Prometheus metrics and serves /metrics.
	EnableMetrics bool `yaml:"metrics_enabled"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir"`
}

// ProviderConfig selects the completion provider.
type ProviderConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url" validate:"required,url"`
	Model   string        `yaml:"model" validate:"required"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// LogStoreConfig selects the durable chat log.
type LogStoreConfig struct {
	Backend string `yaml:"backend" validate:"oneof=postgres sqlite badger none"`

	Host     string `yaml:"host" validate:"required_if=Backend postgres"`
	Port     int    `yaml:"port" validate:"required_if=Backend postgres,max=65535"`
	Database string `yaml:"database" validate:"required_if=Backend postgres"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`

	SQLitePath string `yaml:"sqlite_path" validate:"required_if=Backend sqlite"`
	BadgerDir  string `yaml:"badger_dir" validate:"required_if=Backend badger"`
}

// CacheConfig selects the ephemeral reply cache.
type CacheConfig struct {
	Backend   string        `yaml:"backend" validate:"oneof=redis badger none"`
	RedisURL  string        `yaml:"redis_url" validate:"required_if=Backend redis"`
	BadgerDir string        `yaml:"badger_dir" validate:"required_if=Backend badger"`
	TTL       time.Duration `yaml:"ttl" validate:"gt=0"`
}

// DefaultConfig returns the local development defaults.
func DefaultConfig() Config {
	return Config{
		Port: 3000,
		Log:  LogConfig{Level: "info"},
		Provider: ProviderConfig{
			BaseURL: llm.DefaultBaseURL,
			Model:   llm.DefaultModel,
			Timeout: 2 * time.Minute,
		},
		LogStore: LogStoreConfig{
			Backend:    BackendPostgres,
			Host:       "localhost",
			Port:       5432,
			Database:   "fereelab_db",
			User:       "postgres",
			Password:   "password",
			SSLMode:    "disable",
			SQLitePath: "./data/chatrelay.db",
			BadgerDir:  "./data/chatlog",
		},
		Cache: CacheConfig{
			Backend:   BackendRedis,
			RedisURL:  "redis://localhost:6379",
			BadgerDir: "./data/cache",
			TTL:       3600 * time.Second,
		},
		SideEffectTimeout: 5 * time.Second,
		EnableMetrics:     true,
	}
}

// LoadConfig builds the configuration from defaults, the YAML file at path
// (skipped when path is empty) and the process environment.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var configValidate = validator.New()

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

// applyEnv overrides cfg with any set environment variables.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	env := envReader{lookup: lookup}

	env.int("RELAY_PORT", &cfg.Port)
	env.string("GIN_MODE", &cfg.GinMode)
	env.string("LOG_LEVEL", &cfg.Log.Level)
	env.bool("LOG_JSON", &cfg.Log.JSON)
	env.string("LOG_DIR", &cfg.Log.Dir)

	env.string("OPENROUTER_API_KEY", &cfg.Provider.APIKey)
	env.string("OPENROUTER_BASE_URL", &cfg.Provider.BaseURL)
	env.string("OPENROUTER_MODEL", &cfg.Provider.Model)
	env.duration("PROVIDER_TIMEOUT", &cfg.Provider.Timeout)

	env.string("LOG_STORE_BACKEND", &cfg.LogStore.Backend)
	env.string("DB_HOST", &cfg.LogStore.Host)
	env.int("DB_PORT", &cfg.LogStore.Port)
	env.string("DB_NAME", &cfg.LogStore.Database)
	env.string("DB_USER", &cfg.LogStore.User)
	env.string("DB_PASSWORD", &cfg.LogStore.Password)
	env.string("DB_SSLMODE", &cfg.LogStore.SSLMode)
	env.string("SQLITE_PATH", &cfg.LogStore.SQLitePath)
	env.string("BADGER_LOG_DIR", &cfg.LogStore.BadgerDir)

	env.string("CACHE_BACKEND", &cfg.Cache.Backend)
	env.string("REDIS_URL", &cfg.Cache.RedisURL)
	env.string("BADGER_CACHE_DIR", &cfg.Cache.BadgerDir)
	env.seconds("CACHE_TTL_SECONDS", &cfg.Cache.TTL)

	env.duration("SIDE_EFFECT_TIMEOUT", &cfg.SideEffectTimeout)
	env.string("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OTelEndpoint)
	env.bool("METRICS_ENABLED", &cfg.EnableMetrics)

	return env.err()
}

// envReader collects parse errors so every bad variable is reported at once.
type envReader struct {
	lookup lookupFunc
	errs   []error
}

func (e *envReader) value(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) string(key string, dst *string) {
	if v, ok := e.value(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	if v, ok := e.value(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) bool(key string, dst *bool) {
	if v, ok := e.value(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.value(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}

func (e *envReader) seconds(key string, dst *time.Duration) {
	if v, ok := e.value(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = time.Duration(n) * time.Second
	}
}

func (e *envReader) err() error {
	if len(e.errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid environment: %w", errors.Join(e.errs...))
}
