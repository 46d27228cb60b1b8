// Package config loads edge server configuration from environment variables.
//
// Backend selection:
//   - CACHE_BACKEND: "postgres" (default) or "grpc".
//   - DATABASE_URL: PostgreSQL connection string, required for postgres.
//   - RUN_MIGRATIONS: apply embedded migrations on startup (default false).
//   - CACHE_TIER_ADDR: gRPC cache tier address, required for grpc.
//   - CACHE_TIER_TOKEN: optional bearer token for the gRPC cache tier.
//
// Tuning (all optional, must be > 0 unless noted):
//   - CACHE_FETCH_TIMEOUT: per-fetch deadline (default "5s").
//   - FETCH_POOL_SIZE, LISTEN_POOL_SIZE, UPDATE_POOL_SIZE: worker pool sizes.
//   - STREAMED_MAXIMUM_ENVIRONMENTS: environments held by the stream fanout.
//   - SSE_DROP_AFTER: recycle event streams after this long ("0s" disables).
//   - SSE_HEARTBEAT_INTERVAL: heartbeat period ("0s", the default, disables).
//   - INVALID_KEY_RATE_LIMIT: invalid-key requests per minute per IP.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Cache backends.
const (
	BackendPostgres = "postgres"
	BackendGRPC     = "grpc"
)

const (
	defaultHTTPAddr             = ":8080"
	defaultGRPCAddr             = ":9090"
	defaultTSStateDir           = "tsnet-state"
	defaultFetchTimeout         = 5 * time.Second
	defaultFetchPoolSize        = 32
	defaultListenPoolSize       = 10
	defaultUpdatePoolSize       = 10
	defaultMaximumEnvironments  = 5000
	defaultSSEDropAfter         = 30 * time.Second
	defaultInvalidKeyRateLimit  = 10
	defaultLogLevel             = "info"
	defaultLogFormat            = "json"
	defaultSSEHeartbeatInterval = time.Duration(0)
)

// Config holds the runtime configuration for the edge server.
type Config struct {
	HTTPAddr             string
	GRPCAddr             string
	CacheBackend         string
	DatabaseURL          string
	RunMigrations        bool
	CacheTierAddr        string
	CacheTierToken       string
	FetchTimeout         time.Duration
	FetchPoolSize        int
	ListenPoolSize       int
	UpdatePoolSize       int
	MaximumEnvironments  int
	SSEDropAfter         time.Duration
	SSEHeartbeatInterval time.Duration
	InvalidKeyRateLimit  int
	LogLevel             string
	LogFormat            string
	AdminHostname        string
	TSAuthKey            string
	TSStateDir           string
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// optional values fail validation.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:       envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		GRPCAddr:       envOrDefault("GRPC_ADDR", defaultGRPCAddr),
		CacheBackend:   strings.ToLower(envOrDefault("CACHE_BACKEND", BackendPostgres)),
		DatabaseURL:    strings.TrimSpace(os.Getenv("DATABASE_URL")),
		CacheTierAddr:  strings.TrimSpace(os.Getenv("CACHE_TIER_ADDR")),
		CacheTierToken: strings.TrimSpace(os.Getenv("CACHE_TIER_TOKEN")),
		LogLevel:       envOrDefault("LOG_LEVEL", defaultLogLevel),
		LogFormat:      strings.ToLower(envOrDefault("LOG_FORMAT", defaultLogFormat)),
		AdminHostname:  strings.TrimSpace(os.Getenv("ADMIN_HOSTNAME")),
		TSAuthKey:      os.Getenv("TS_AUTH_KEY"),
		TSStateDir:     envOrDefault("TS_STATE_DIR", defaultTSStateDir),
	}

	switch cfg.CacheBackend {
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, errors.New("DATABASE_URL is required when CACHE_BACKEND is postgres")
		}
	case BackendGRPC:
		if cfg.CacheTierAddr == "" {
			return Config{}, errors.New("CACHE_TIER_ADDR is required when CACHE_BACKEND is grpc")
		}
	default:
		return Config{}, fmt.Errorf("CACHE_BACKEND must be %q or %q, got %q", BackendPostgres, BackendGRPC, cfg.CacheBackend)
	}

	switch cfg.LogFormat {
	case "json", "text":
	default:
		return Config{}, fmt.Errorf("LOG_FORMAT must be json or text, got %q", cfg.LogFormat)
	}

	var err error
	if cfg.RunMigrations, err = boolEnv("RUN_MIGRATIONS", false); err != nil {
		return Config{}, err
	}
	if cfg.FetchTimeout, err = durationEnv("CACHE_FETCH_TIMEOUT", defaultFetchTimeout, false); err != nil {
		return Config{}, err
	}
	if cfg.SSEDropAfter, err = durationEnv("SSE_DROP_AFTER", defaultSSEDropAfter, true); err != nil {
		return Config{}, err
	}
	if cfg.SSEHeartbeatInterval, err = durationEnv("SSE_HEARTBEAT_INTERVAL", defaultSSEHeartbeatInterval, true); err != nil {
		return Config{}, err
	}
	if cfg.FetchPoolSize, err = positiveIntEnv("FETCH_POOL_SIZE", defaultFetchPoolSize); err != nil {
		return Config{}, err
	}
	if cfg.ListenPoolSize, err = positiveIntEnv("LISTEN_POOL_SIZE", defaultListenPoolSize); err != nil {
		return Config{}, err
	}
	if cfg.UpdatePoolSize, err = positiveIntEnv("UPDATE_POOL_SIZE", defaultUpdatePoolSize); err != nil {
		return Config{}, err
	}
	if cfg.MaximumEnvironments, err = positiveIntEnv("STREAMED_MAXIMUM_ENVIRONMENTS", defaultMaximumEnvironments); err != nil {
		return Config{}, err
	}
	if cfg.InvalidKeyRateLimit, err = positiveIntEnv("INVALID_KEY_RATE_LIMIT", defaultInvalidKeyRateLimit); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func positiveIntEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return n, nil
}

// durationEnv parses key as a duration. Zero is only accepted when allowZero
// is set; negative values are always rejected.
func durationEnv(key string, fallback time.Duration, allowZero bool) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed < 0 || (parsed == 0 && !allowZero) {
		if allowZero {
			return 0, fmt.Errorf("%s must be >= 0", key)
		}
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func boolEnv(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return b, nil
}
