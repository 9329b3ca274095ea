// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapLookup(m map[string]string) lookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.Alerting.Enabled())
	assert.Equal(t, 5*time.Second, cfg.Pipeline.PollInterval())
	assert.Equal(t, 50, cfg.CLI.PurgeConfirmThreshold)
}

func TestApplyEnv_Overrides(t *testing.T) {
	cfg := Default()
	err := applyEnv(&cfg, mapLookup(map[string]string{
		"PORT":                        "8080",
		"LOG_JSON":                    "1",
		"CANARY_STORE":                "postgres",
		"DATABASE_URL":                "postgres://u:p@localhost/canary",
		"ALERT_THRESHOLD":             "70",
		"ALERT_STDOUT":                "0",
		"ALERT_WEBHOOK_URL":           "https://hooks.example.com/canary",
		"ALERT_SIGNING_KEY":           "legacy",
		"ALERT_HMAC_SECRET":           "preferred",
		"ALERT_NATS_URL":              "nats://localhost:4222",
		"ALERT_NATS_SUBJECT":          "canary.alerts",
		"ALERT_MAX_ATTEMPTS":          "5",
		"ALERT_RETRY_MULTIPLIER":      "1.5",
		"ENABLE_POLL_LOOP":            "true",
		"CLOUDTRAIL_POLL_INTERVAL_MS": "250",
		"CANARY_SYNC_PIPELINE":        "1",
		"PURGE_CONFIRM_THRESHOLD":     "10",
	}))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "postgres", cfg.Storage.Backend)
	require.True(t, cfg.Alerting.Enabled())
	assert.Equal(t, 70, *cfg.Alerting.Threshold)
	assert.False(t, cfg.Alerting.Stdout)
	assert.Equal(t, "preferred", cfg.Alerting.HMACSecret)
	assert.Equal(t, 5, cfg.Alerting.MaxAttempts)
	assert.Equal(t, 1.5, cfg.Alerting.RetryMultiplier)
	assert.True(t, cfg.Pipeline.PollEnabled)
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.PollInterval())
	assert.True(t, cfg.Pipeline.Sync)
	assert.Equal(t, 10, cfg.CLI.PurgeConfirmThreshold)
}

func TestApplyEnv_NonNumericThresholdDisables(t *testing.T) {
	cfg := Default()
	seventy := 70
	cfg.Alerting.Threshold = &seventy

	require.NoError(t, applyEnv(&cfg, mapLookup(map[string]string{"ALERT_THRESHOLD": "high"})))
	assert.False(t, cfg.Alerting.Enabled())
}

func TestApplyEnv_MalformedNumbers(t *testing.T) {
	cfg := Default()
	err := applyEnv(&cfg, mapLookup(map[string]string{
		"PORT":                   "eighty",
		"ALERT_RETRY_MULTIPLIER": "x",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT")
	assert.Contains(t, err.Error(), "ALERT_RETRY_MULTIPLIER")
}

func TestApplyEnv_EmptyValuesIgnored(t *testing.T) {
	cfg := Default()
	require.NoError(t, applyEnv(&cfg, mapLookup(map[string]string{"PORT": "", "CANARY_STORE": ""})))
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "badger", cfg.Storage.Backend)
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = "postgres" }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "sqlite" }},
		{"badger without dir", func(c *Config) { c.Storage.DataDir = "" }},
		{"nats without subject", func(c *Config) { c.Alerting.NATSURL = "nats://x:4222" }},
		{"threshold out of range", func(c *Config) { n := 101; c.Alerting.Threshold = &n }},
		{"zero poll interval", func(c *Config) { c.Pipeline.PollIntervalMs = 0 }},
		{"bad webhook url", func(c *Config) { c.Alerting.WebhookURL = "not a url" }},
		{"zero attempts", func(c *Config) { c.Alerting.MaxAttempts = 0 }},
		{"bad gin mode", func(c *Config) { c.Server.GinMode = "turbo" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_InMemoryBadgerNeedsNoDir(t *testing.T) {
	cfg := Default()
	cfg.Storage.DataDir = ""
	cfg.Storage.InMemory = true
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 4000
alerting:
  threshold: 55
  webhookHeaders:
    X-Team: security
pipeline:
  pollIntervalMs: 1000
`), 0600))

	t.Setenv("CANARY_CONFIG", path)
	t.Setenv("CLOUDTRAIL_POLL_INTERVAL_MS", "2000")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4000, cfg.Server.Port)
	require.NotNil(t, cfg.Alerting.Threshold)
	assert.Equal(t, 55, *cfg.Alerting.Threshold)
	assert.Equal(t, "security", cfg.Alerting.WebhookHeaders["X-Team"])
	assert.Equal(t, 2000, cfg.Pipeline.PollIntervalMs)
	assert.Equal(t, 3, cfg.Alerting.MaxAttempts, "defaults survive a partial file")
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("ALERT_NATS_SUBJECT=from.dotenv\n"), 0600))
	t.Setenv("CANARY_CONFIG", "")
	t.Setenv("ALERT_NATS_SUBJECT", "")
	require.NoError(t, os.Unsetenv("ALERT_NATS_SUBJECT"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from.dotenv", cfg.Alerting.NATSSubject)
}

func TestLoad_DefaultFileInWorkingDir(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("CANARY_CONFIG", "")
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte("server:\n  port: 4321\n"), 0600))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4321, cfg.Server.Port)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "read config file")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("server: [oops"), 0600))
	_, err = Load(bad)
	assert.ErrorContains(t, err, "parse config file")

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("storage:\n  backend: postgres\n"), 0600))
	t.Setenv("DATABASE_URL", "")
	_, err = Load(invalid)
	assert.ErrorContains(t, err, "invalid configuration")
}
