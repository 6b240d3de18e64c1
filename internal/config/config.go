// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string

	// Auth
	JWTSecret          string
	AccessPassword     string
	AccessPasswordHash string // optional bcrypt hash; takes precedence over AccessPassword
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration

	// Credential encryption at rest
	CredentialsKey string

	// Listing
	MaxListFiles int
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:         envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:        envOr("METRICS_ADDR", ":9090"),
		LogLevel:           envOr("LOG_LEVEL", "info"),
		LogFormat:          envOr("LOG_FORMAT", "json"),
		DatabaseURL:        envOr("DATABASE_URL", ""),
		JWTSecret:          envOr("JWT_SECRET", ""),
		AccessPassword:     envOr("ACCESS_PASSWORD", ""),
		AccessPasswordHash: envOr("ACCESS_PASSWORD_HASH", ""),
		AccessTokenTTL:     envDuration("ACCESS_TOKEN_TTL", time.Hour),
		RefreshTokenTTL:    envDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour),
		CredentialsKey:     envOr("CREDENTIALS_KEY", ""),
		MaxListFiles:       envInt("MAX_LIST_FILES", 1000),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.AccessPassword == "" && cfg.AccessPasswordHash == "" {
		return nil, fmt.Errorf("ACCESS_PASSWORD or ACCESS_PASSWORD_HASH is required")
	}
	if cfg.CredentialsKey == "" {
		return nil, fmt.Errorf("CREDENTIALS_KEY is required")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
