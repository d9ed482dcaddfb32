// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Storage settings.
	DataDir     string // Root directory for run logs and artifacts.
	CatalogPath string // SQLite run index; defaults to <DataDir>/catalog.db.

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// API key auth. When the hash is empty, the server runs open.
	APIKeyHash string // Argon2id hash in "salt$hash" base64 form.

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64 // Maximum request body size in bytes.
}

// Load reads configuration from environment variables with sensible
// defaults. Malformed values are collected and reported together rather
// than one at a time.
func Load() (Config, error) {
	var errs []error
	collectInt := func(key string, def int) int {
		v, err := envInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	collectBool := func(key string, def bool) bool {
		v, err := envBool(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	collectDuration := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := Config{
		Port:                collectInt("KIROKU_PORT", 8080),
		ReadTimeout:         collectDuration("KIROKU_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        collectDuration("KIROKU_WRITE_TIMEOUT", 30*time.Second),
		DataDir:             envStr("KIROKU_DATA_DIR", "./data"),
		CatalogPath:         envStr("KIROKU_CATALOG_PATH", ""),
		JWTPrivateKeyPath:   envStr("KIROKU_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:    envStr("KIROKU_JWT_PUBLIC_KEY", ""),
		JWTExpiration:       collectDuration("KIROKU_JWT_EXPIRATION", 24*time.Hour),
		APIKeyHash:          envStr("KIROKU_API_KEY_HASH", ""),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        collectBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "kiroku"),
		LogLevel:            envStr("KIROKU_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(collectInt("KIROKU_MAX_REQUEST_BODY_BYTES", 4*1024*1024)),
	}
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	if cfg.CatalogPath == "" {
		cfg.CatalogPath = filepath.Join(cfg.DataDir, "catalog.db")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: KIROKU_PORT must be a valid port number")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: KIROKU_DATA_DIR is required")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: KIROKU_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.JWTExpiration <= 0 {
		return fmt.Errorf("config: KIROKU_JWT_EXPIRATION must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
