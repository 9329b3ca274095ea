// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads canaryd settings.
//
// # Description
//
// Values are layered, later layers winning:
//
//  1. Defaults (Default)
//  2. An optional YAML file: $CANARY_CONFIG, else ./canary.yaml if present
//  3. A .env file in the working directory (never overrides real env vars)
//  4. Environment variables
//
// The merged result is checked with validator/v10 struct tags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is read when CANARY_CONFIG is unset and the file exists.
const DefaultConfigFile = "canary.yaml"

var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
}

// =============================================================================
// Types
// =============================================================================

// Config is the full daemon configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Storage  StorageConfig  `yaml:"storage"`
	Alerting AlertingConfig `yaml:"alerting"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	CLI      CLIConfig      `yaml:"cli"`
}

// ServerConfig covers the HTTP listener and tracing export.
type ServerConfig struct {
	Port         int    `yaml:"port" validate:"min=1,max=65535"`
	GinMode      string `yaml:"ginMode" validate:"omitempty,oneof=debug release test"`
	OTelEndpoint string `yaml:"otelEndpoint"`
}

// LoggingConfig is passed to pkg/logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn warning error fatal"`
	Format string `yaml:"format" validate:"omitempty,oneof=auto json text"`
	Dir    string `yaml:"dir"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend     string `yaml:"backend" validate:"oneof=badger postgres"`
	DataDir     string `yaml:"dataDir" validate:"required_if=Backend badger InMemory false"`
	InMemory    bool   `yaml:"inMemory"`
	DatabaseURL string `yaml:"databaseUrl" validate:"required_if=Backend postgres"`
}

// AlertingConfig configures the alert service and its channels. A nil
// Threshold disables alerting entirely.
type AlertingConfig struct {
	Threshold *int `yaml:"threshold" validate:"omitempty,gte=0,lte=100"`
	Stdout    bool `yaml:"stdout"`

	WebhookURL        string            `yaml:"webhookUrl" validate:"omitempty,url"`
	WebhookMethod     string            `yaml:"webhookMethod" validate:"omitempty,oneof=POST PUT"`
	WebhookHeaders    map[string]string `yaml:"webhookHeaders"`
	HMACSecret        string            `yaml:"hmacSecret"`
	WebhookTimeoutMs  int               `yaml:"webhookTimeoutMs" validate:"gte=0"`
	WebhookRatePerSec float64           `yaml:"webhookRatePerSec" validate:"gte=0"`

	NATSURL     string `yaml:"natsUrl"`
	NATSSubject string `yaml:"natsSubject" validate:"required_with=NATSURL"`

	MaxAttempts     int     `yaml:"maxAttempts" validate:"min=1,max=20"`
	RetryBaseMs     int     `yaml:"retryBaseMs" validate:"gte=0"`
	RetryMultiplier float64 `yaml:"retryMultiplier" validate:"gte=1"`
}

// Enabled reports whether alerting is on.
func (a AlertingConfig) Enabled() bool {
	return a.Threshold != nil
}

// PipelineConfig configures the detection engine.
type PipelineConfig struct {
	PollEnabled     bool `yaml:"pollEnabled"`
	PollIntervalMs  int  `yaml:"pollIntervalMs" validate:"gt=0"`
	PollAllCanaries bool `yaml:"pollAllCanaries"`
	Sync            bool `yaml:"sync"`
}

// PollInterval returns PollIntervalMs as a duration.
func (p PipelineConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMs) * time.Millisecond
}

// CLIConfig holds canaryctl settings.
type CLIConfig struct {
	APIURL                string `yaml:"apiUrl" validate:"omitempty,url"`
	PurgeConfirmThreshold int    `yaml:"purgeConfirmThreshold" validate:"gte=0"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server:  ServerConfig{Port: 3000},
		Logging: LoggingConfig{Level: "info", Format: "auto"},
		Storage: StorageConfig{Backend: "badger", DataDir: "./data/canary"},
		Alerting: AlertingConfig{
			Stdout:            true,
			WebhookMethod:     "POST",
			WebhookTimeoutMs:  10000,
			MaxAttempts:       3,
			RetryBaseMs:       250,
			RetryMultiplier:   2,
			WebhookRatePerSec: 0,
		},
		Pipeline: PipelineConfig{PollIntervalMs: 5000},
		CLI:      CLIConfig{APIURL: "http://localhost:3000", PurgeConfirmThreshold: 50},
	}
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// =============================================================================
// Loading
// =============================================================================

// Load builds the configuration from all layers.
//
// # Inputs
//
//   - path: YAML file to read. Empty resolves CANARY_CONFIG, then
//     DefaultConfigFile if it exists.
//
// # Outputs
//
//   - *Config: The validated configuration.
//   - error: File read or parse failure, a malformed env value, or a
//     validation failure.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CANARY_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			path = DefaultConfigFile
		}
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// lookupFunc matches os.LookupEnv.
type lookupFunc func(key string) (string, bool)

// applyEnv overlays environment variables onto cfg. Empty values are
// treated as unset.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	e := envReader{lookup: lookup}

	e.int("PORT", &cfg.Server.Port)
	e.str("GIN_MODE", &cfg.Server.GinMode)
	e.str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Server.OTelEndpoint)

	e.str("LOG_LEVEL", &cfg.Logging.Level)
	if v, ok := e.get("LOG_JSON"); ok {
		if truthy(v) {
			cfg.Logging.Format = "json"
		} else {
			cfg.Logging.Format = "text"
		}
	}
	e.str("LOG_DIR", &cfg.Logging.Dir)

	e.str("CANARY_STORE", &cfg.Storage.Backend)
	e.str("CANARY_DATA_DIR", &cfg.Storage.DataDir)
	e.bool("CANARY_IN_MEMORY", &cfg.Storage.InMemory)
	e.str("DATABASE_URL", &cfg.Storage.DatabaseURL)

	// A non-numeric threshold disables alerting, as an unset one does.
	if v, ok := e.get("ALERT_THRESHOLD"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.Alerting.Threshold = &n
		} else {
			cfg.Alerting.Threshold = nil
		}
	}
	if v, ok := e.get("ALERT_STDOUT"); ok {
		cfg.Alerting.Stdout = v != "0" && !strings.EqualFold(v, "false")
	}
	e.str("ALERT_WEBHOOK_URL", &cfg.Alerting.WebhookURL)
	e.str("ALERT_WEBHOOK_METHOD", &cfg.Alerting.WebhookMethod)
	e.str("ALERT_SIGNING_KEY", &cfg.Alerting.HMACSecret)
	e.str("ALERT_HMAC_SECRET", &cfg.Alerting.HMACSecret)
	e.int("ALERT_WEBHOOK_TIMEOUT_MS", &cfg.Alerting.WebhookTimeoutMs)
	e.float("ALERT_WEBHOOK_RATE", &cfg.Alerting.WebhookRatePerSec)
	e.str("ALERT_NATS_URL", &cfg.Alerting.NATSURL)
	e.str("ALERT_NATS_SUBJECT", &cfg.Alerting.NATSSubject)
	e.int("ALERT_MAX_ATTEMPTS", &cfg.Alerting.MaxAttempts)
	e.int("ALERT_RETRY_BASE_MS", &cfg.Alerting.RetryBaseMs)
	e.float("ALERT_RETRY_MULTIPLIER", &cfg.Alerting.RetryMultiplier)

	e.bool("ENABLE_POLL_LOOP", &cfg.Pipeline.PollEnabled)
	e.int("CLOUDTRAIL_POLL_INTERVAL_MS", &cfg.Pipeline.PollIntervalMs)
	e.bool("POLL_ALL_CANARIES", &cfg.Pipeline.PollAllCanaries)
	e.bool("CANARY_SYNC_PIPELINE", &cfg.Pipeline.Sync)

	e.str("CANARY_API", &cfg.CLI.APIURL)
	e.int("PURGE_CONFIRM_THRESHOLD", &cfg.CLI.PurgeConfirmThreshold)

	return errors.Join(e.errs...)
}

type envReader struct {
	lookup lookupFunc
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %q is not an integer", key, v))
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.get(key); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %q is not a number", key, v))
			return
		}
		*dst = f
	}
}

func (e *envReader) bool(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		*dst = truthy(v)
	}
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
