package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Store backends.
const (
	BackendFile     = "file"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	API       APIConfig
	Store     StoreConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	Refresh   RefreshConfig
	Transport TransportConfig

	// MetricsFile, when set, receives the run's metrics in the prometheus
	// text format on exit.
	MetricsFile string
}

// APIConfig describes the tenant backend.
type APIConfig struct {
	URL         string
	ClientName  string
	HTTPTimeout time.Duration
}

// StoreConfig selects the credential store backend and its encryption key.
type StoreConfig struct {
	Backend    string
	Dir        string
	Key        string //nolint:gosec // G117: base64 vault key config
	Passphrase string //nolint:gosec // G117: vault passphrase config
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string //nolint:gosec // G117: Redis connection config
	DB       int
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	DSN      string
	MaxConns int
}

// RefreshConfig tunes the token refresh protocol.
type RefreshConfig struct {
	AccessTokenBuffer   time.Duration
	Timeout             time.Duration
	PurgeOnNetworkError bool
}

// TransportConfig tunes tenant-bound HTTP pipelines.
type TransportConfig struct {
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RateLimitRPS     float64
	RateLimitBurst   int
	CacheSize        int
	CacheTTL         time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	httpTimeout, err := getEnvDuration("TENANTAUTH_HTTP_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	redisDB, err := getEnvInt("TENANTAUTH_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	dbMaxConns, err := getEnvInt("TENANTAUTH_DB_MAX_CONNS", 4)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	accessBuffer, err := getEnvDuration("TENANTAUTH_ACCESS_TOKEN_BUFFER", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	refreshTimeout, err := getEnvDuration("TENANTAUTH_REFRESH_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	purge, err := getEnvBool("TENANTAUTH_PURGE_ON_NETWORK_ERROR", false)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	retryAttempts, err := getEnvInt("TENANTAUTH_RETRY_MAX_ATTEMPTS", 3)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	retryDelay, err := getEnvDuration("TENANTAUTH_RETRY_BASE_DELAY", 200*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	rps, err := getEnvFloat("TENANTAUTH_RATE_LIMIT_RPS", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	burst, err := getEnvInt("TENANTAUTH_RATE_LIMIT_BURST", 10)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	cacheSize, err := getEnvInt("TENANTAUTH_CACHE_SIZE", 256)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	cacheTTL, err := getEnvDuration("TENANTAUTH_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	cfg := &Config{
		API: APIConfig{
			URL:         strings.TrimRight(getEnv("TENANTAUTH_API_URL", ""), "/"),
			ClientName:  getEnv("TENANTAUTH_CLIENT_NAME", "tenantauth-cli"),
			HTTPTimeout: httpTimeout,
		},
		Store: StoreConfig{
			Backend:    getEnv("TENANTAUTH_STORE_BACKEND", BackendFile),
			Dir:        getEnv("TENANTAUTH_STORE_DIR", defaultStoreDir()),
			Key:        getEnv("TENANTAUTH_STORE_KEY", ""),
			Passphrase: getEnv("TENANTAUTH_STORE_PASSPHRASE", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("TENANTAUTH_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("TENANTAUTH_REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Database: DatabaseConfig{
			DSN:      getEnv("TENANTAUTH_DB_DSN", ""),
			MaxConns: dbMaxConns,
		},
		Refresh: RefreshConfig{
			AccessTokenBuffer:   accessBuffer,
			Timeout:             refreshTimeout,
			PurgeOnNetworkError: purge,
		},
		Transport: TransportConfig{
			RetryMaxAttempts: retryAttempts,
			RetryBaseDelay:   retryDelay,
			RateLimitRPS:     rps,
			RateLimitBurst:   burst,
			CacheSize:        cacheSize,
			CacheTTL:         cacheTTL,
		},
		MetricsFile: getEnv("TENANTAUTH_METRICS_FILE", ""),
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	if c.API.URL == "" {
		return errors.New("TENANTAUTH_API_URL is required")
	}
	u, err := url.Parse(c.API.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("TENANTAUTH_API_URL must be an absolute http(s) URL, got %q", c.API.URL)
	}
	if u.Scheme == "http" && u.Hostname() != "localhost" && u.Hostname() != "127.0.0.1" {
		log.Warn().Str("api_url", c.API.URL).Msg("TENANTAUTH_API_URL uses plain http; tokens will travel unencrypted")
	}
	if c.API.ClientName == "" {
		return errors.New("TENANTAUTH_CLIENT_NAME must not be empty")
	}
	if c.API.HTTPTimeout <= 0 {
		return fmt.Errorf("TENANTAUTH_HTTP_TIMEOUT must be positive, got %s", c.API.HTTPTimeout)
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Store.Dir == "" {
			return errors.New("TENANTAUTH_STORE_DIR is required for the file backend")
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return errors.New("TENANTAUTH_REDIS_ADDR is required for the redis backend")
		}
	case BackendPostgres:
		if c.Database.DSN == "" {
			return errors.New("TENANTAUTH_DB_DSN is required for the postgres backend")
		}
		if c.Database.MaxConns < 1 {
			return fmt.Errorf("TENANTAUTH_DB_MAX_CONNS must be >= 1, got %d", c.Database.MaxConns)
		}
	default:
		return fmt.Errorf("TENANTAUTH_STORE_BACKEND must be one of file, memory, redis, postgres, got %q", c.Store.Backend)
	}
	if c.Store.Backend != BackendMemory && c.Store.Key == "" && c.Store.Passphrase == "" {
		return errors.New("TENANTAUTH_STORE_KEY or TENANTAUTH_STORE_PASSPHRASE is required for a persistent store")
	}

	if c.Refresh.AccessTokenBuffer < 0 {
		return fmt.Errorf("TENANTAUTH_ACCESS_TOKEN_BUFFER must not be negative, got %s", c.Refresh.AccessTokenBuffer)
	}
	if c.Refresh.Timeout <= 0 {
		return fmt.Errorf("TENANTAUTH_REFRESH_TIMEOUT must be positive, got %s", c.Refresh.Timeout)
	}
	if c.Transport.RetryMaxAttempts < 1 {
		return fmt.Errorf("TENANTAUTH_RETRY_MAX_ATTEMPTS must be >= 1, got %d", c.Transport.RetryMaxAttempts)
	}
	if c.Transport.RetryBaseDelay <= 0 {
		return fmt.Errorf("TENANTAUTH_RETRY_BASE_DELAY must be positive, got %s", c.Transport.RetryBaseDelay)
	}
	if c.Transport.RateLimitRPS < 0 {
		return fmt.Errorf("TENANTAUTH_RATE_LIMIT_RPS must not be negative, got %g", c.Transport.RateLimitRPS)
	}
	if c.Transport.RateLimitBurst < 1 {
		return fmt.Errorf("TENANTAUTH_RATE_LIMIT_BURST must be >= 1, got %d", c.Transport.RateLimitBurst)
	}
	if c.Transport.CacheSize < 1 {
		return fmt.Errorf("TENANTAUTH_CACHE_SIZE must be >= 1, got %d", c.Transport.CacheSize)
	}
	if c.Transport.CacheTTL <= 0 {
		return fmt.Errorf("TENANTAUTH_CACHE_TTL must be positive, got %s", c.Transport.CacheTTL)
	}

	return nil
}

func defaultStoreDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".tenantauth"
	}
	return filepath.Join(dir, "tenantauth")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as float: %w", key, v, err)
	}
	return f, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q as bool: %w", key, v, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}
