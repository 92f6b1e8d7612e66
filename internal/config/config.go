package config

import (
	"fmt"
	"os"
	"time"
)

// Config holds all externally tunable settings, loaded from REDLINE_*
// environment variables.
type Config struct {
	DatabaseURL string // REDLINE_DATABASE_URL (optional; empty = in-memory store, dev only)
	HTTPAddr    string // REDLINE_HTTP_ADDR (default ":8080")
	NATSURL     string // REDLINE_NATS_URL (optional, empty = single-process mode)
	AuthTokens  string // REDLINE_AUTH_TOKENS ("user:token,..." pairs)

	// Liveness protocol
	HeartbeatInterval time.Duration // REDLINE_HEARTBEAT_INTERVAL (default 30s)
	HeartbeatGrace    time.Duration // REDLINE_HEARTBEAT_GRACE (default 15s)
	SweepInterval     time.Duration // REDLINE_SWEEP_INTERVAL (default 10s)
	PersistEvery      int           // REDLINE_HEARTBEAT_PERSIST_EVERY (default 4; store write-through rate)

	// Client reconnect policy
	ReconnectBase        time.Duration // REDLINE_RECONNECT_BASE (default 500ms)
	ReconnectMaxDelay    time.Duration // REDLINE_RECONNECT_MAX_DELAY (default 30s)
	ReconnectMaxAttempts int           // REDLINE_RECONNECT_MAX_ATTEMPTS (default 10)

	// Session archival
	ArchiveInterval   time.Duration // REDLINE_ARCHIVE_INTERVAL (default 5m; 0 = disabled)
	ArchiveS3Bucket   string        // REDLINE_ARCHIVE_S3_BUCKET (enables S3 when set)
	ArchiveS3Endpoint string        // REDLINE_ARCHIVE_S3_ENDPOINT (custom endpoint for MinIO)
	ArchiveS3Region   string        // REDLINE_ARCHIVE_S3_REGION (default "us-east-1")
	ArchiveS3Prefix   string        // REDLINE_ARCHIVE_S3_PREFIX (default "presence/")
}

func Load() (*Config, error) {
	c := &Config{
		DatabaseURL:       os.Getenv("REDLINE_DATABASE_URL"),
		HTTPAddr:          envOrDefault("REDLINE_HTTP_ADDR", ":8080"),
		NATSURL:           os.Getenv("REDLINE_NATS_URL"),
		AuthTokens:        os.Getenv("REDLINE_AUTH_TOKENS"),
		ArchiveS3Bucket:   os.Getenv("REDLINE_ARCHIVE_S3_BUCKET"),
		ArchiveS3Endpoint: os.Getenv("REDLINE_ARCHIVE_S3_ENDPOINT"),
		ArchiveS3Region:   envOrDefault("REDLINE_ARCHIVE_S3_REGION", "us-east-1"),
		ArchiveS3Prefix:   envOrDefault("REDLINE_ARCHIVE_S3_PREFIX", "presence/"),
	}

	var err error
	if c.HeartbeatInterval, err = envDuration("REDLINE_HEARTBEAT_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if c.HeartbeatGrace, err = envDuration("REDLINE_HEARTBEAT_GRACE", 15*time.Second); err != nil {
		return nil, err
	}
	if c.SweepInterval, err = envDuration("REDLINE_SWEEP_INTERVAL", 10*time.Second); err != nil {
		return nil, err
	}
	if c.ReconnectBase, err = envDuration("REDLINE_RECONNECT_BASE", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if c.ReconnectMaxDelay, err = envDuration("REDLINE_RECONNECT_MAX_DELAY", 30*time.Second); err != nil {
		return nil, err
	}
	if c.ArchiveInterval, err = envDuration("REDLINE_ARCHIVE_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if c.PersistEvery, err = envInt("REDLINE_HEARTBEAT_PERSIST_EVERY", 4); err != nil {
		return nil, err
	}
	if c.ReconnectMaxAttempts, err = envInt("REDLINE_RECONNECT_MAX_ATTEMPTS", 10); err != nil {
		return nil, err
	}

	if c.HeartbeatInterval <= 0 {
		return nil, fmt.Errorf("REDLINE_HEARTBEAT_INTERVAL must be positive")
	}
	if c.SweepInterval <= 0 {
		return nil, fmt.Errorf("REDLINE_SWEEP_INTERVAL must be positive")
	}
	if c.PersistEvery < 1 {
		return nil, fmt.Errorf("REDLINE_HEARTBEAT_PERSIST_EVERY must be at least 1")
	}

	return c, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
