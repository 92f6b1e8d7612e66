package config

import (
	"testing"
	"time"
)

var allEnvVars = []string{
	"REDLINE_DATABASE_URL", "REDLINE_HTTP_ADDR", "REDLINE_NATS_URL",
	"REDLINE_HEARTBEAT_INTERVAL", "REDLINE_HEARTBEAT_GRACE", "REDLINE_SWEEP_INTERVAL",
	"REDLINE_HEARTBEAT_PERSIST_EVERY", "REDLINE_RECONNECT_BASE",
	"REDLINE_RECONNECT_MAX_DELAY", "REDLINE_RECONNECT_MAX_ATTEMPTS",
	"REDLINE_ARCHIVE_INTERVAL", "REDLINE_ARCHIVE_S3_BUCKET",
	"REDLINE_ARCHIVE_S3_ENDPOINT", "REDLINE_ARCHIVE_S3_REGION", "REDLINE_ARCHIVE_S3_PREFIX",
}

func clearAllEnv(t *testing.T) {
	t.Helper()
	for _, key := range allEnvVars {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearAllEnv(t)

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", c.HTTPAddr)
	}
	if c.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 30s", c.HeartbeatInterval)
	}
	if c.HeartbeatGrace != 15*time.Second {
		t.Errorf("HeartbeatGrace = %v, want 15s", c.HeartbeatGrace)
	}
	if c.SweepInterval != 10*time.Second {
		t.Errorf("SweepInterval = %v, want 10s", c.SweepInterval)
	}
	if c.PersistEvery != 4 {
		t.Errorf("PersistEvery = %d, want 4", c.PersistEvery)
	}
	if c.ReconnectBase != 500*time.Millisecond {
		t.Errorf("ReconnectBase = %v, want 500ms", c.ReconnectBase)
	}
	if c.ReconnectMaxAttempts != 10 {
		t.Errorf("ReconnectMaxAttempts = %d, want 10", c.ReconnectMaxAttempts)
	}
}

func TestLoad_Custom(t *testing.T) {
	clearAllEnv(t)
	t.Setenv("REDLINE_DATABASE_URL", "postgres://db:5432/redline")
	t.Setenv("REDLINE_HTTP_ADDR", ":3000")
	t.Setenv("REDLINE_NATS_URL", "nats://localhost:4222")
	t.Setenv("REDLINE_HEARTBEAT_INTERVAL", "5s")
	t.Setenv("REDLINE_HEARTBEAT_GRACE", "2s")
	t.Setenv("REDLINE_HEARTBEAT_PERSIST_EVERY", "2")

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.DatabaseURL != "postgres://db:5432/redline" {
		t.Errorf("DatabaseURL = %q", c.DatabaseURL)
	}
	if c.HTTPAddr != ":3000" {
		t.Errorf("HTTPAddr = %q", c.HTTPAddr)
	}
	if c.NATSURL != "nats://localhost:4222" {
		t.Errorf("NATSURL = %q", c.NATSURL)
	}
	if c.HeartbeatInterval != 5*time.Second || c.HeartbeatGrace != 2*time.Second {
		t.Errorf("heartbeat = %v/%v", c.HeartbeatInterval, c.HeartbeatGrace)
	}
	if c.PersistEvery != 2 {
		t.Errorf("PersistEvery = %d", c.PersistEvery)
	}
}

func TestLoad_Invalid(t *testing.T) {
	for name, env := range map[string]map[string]string{
		"BadDuration":      {"REDLINE_HEARTBEAT_INTERVAL": "soon"},
		"ZeroInterval":     {"REDLINE_HEARTBEAT_INTERVAL": "0s"},
		"ZeroSweep":        {"REDLINE_SWEEP_INTERVAL": "0s"},
		"ZeroPersistEvery": {"REDLINE_HEARTBEAT_PERSIST_EVERY": "0"},
		"BadInt":           {"REDLINE_RECONNECT_MAX_ATTEMPTS": "many"},
	} {
		t.Run(name, func(t *testing.T) {
			clearAllEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
