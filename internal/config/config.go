// Package config loads the sync core configuration from the
// environment, with an optional .env file for development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/kyawswar/orderpad/internal/models"
)

// Config holds every recognized option of the sync core.
type Config struct {
	Queue     QueueConfig
	Retry     RetryConfig
	Security  SecurityConfig
	RateLimit RateLimitConfig
	Conflict  ConflictConfig
	Access    AccessConfig
	HTTP      HTTPConfig
	Logging   LoggingConfig
	DataDir   string
}

type QueueConfig struct {
	MaxQueueSize    int
	BatchSize       int
	SyncInterval    time.Duration
	CleanupInterval time.Duration
	MaxQueueAgeDays int
}

type RetryConfig struct {
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

type SecurityConfig struct {
	EnableEncryption  bool
	EnableCompression bool
	EnableAuditLog    bool
	AuditLogCapacity  int
}

type RateLimitConfig struct {
	Enabled              bool
	MaxRequestsPerMinute int
	MaxRequestsPerHour   int
}

type ConflictConfig struct {
	// Overrides maps entity types to a resolution strategy, replacing
	// the per-type defaults. Parsed from a comma-separated
	// "entity=strategy" list.
	Overrides map[models.EntityType]models.ConflictStrategy
}

type AccessConfig struct {
	CacheTTL      time.Duration
	SweepInterval time.Duration
	JWTSecret     string
}

type HTTPConfig struct {
	BaseURL string
	Timeout time.Duration
}

type LoggingConfig struct {
	Level string
}

// Load reads configuration from the environment. Missing values fall
// back to defaults suitable for a single POS device.
func Load() (*Config, error) {
	godotenv.Load()

	syncInterval, err := getEnvDuration("SYNC_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, err
	}
	cleanupInterval, err := getEnvDuration("CLEANUP_INTERVAL", 10*time.Minute)
	if err != nil {
		return nil, err
	}
	baseDelay, err := getEnvDuration("RETRY_BASE_DELAY", time.Second)
	if err != nil {
		return nil, err
	}
	maxDelay, err := getEnvDuration("RETRY_MAX_DELAY", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	cacheTTL, err := getEnvDuration("ACCESS_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	sweepInterval, err := getEnvDuration("ACCESS_SWEEP_INTERVAL", time.Minute)
	if err != nil {
		return nil, err
	}
	httpTimeout, err := getEnvDuration("HTTP_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}

	overrides, err := parseConflictOverrides(getEnv("CONFLICT_RESOLUTION_OVERRIDES", ""))
	if err != nil {
		return nil, err
	}

	return &Config{
		Queue: QueueConfig{
			MaxQueueSize:    getEnvInt("MAX_QUEUE_SIZE", 500),
			BatchSize:       getEnvInt("SYNC_BATCH_SIZE", 10),
			SyncInterval:    syncInterval,
			CleanupInterval: cleanupInterval,
			MaxQueueAgeDays: getEnvInt("MAX_QUEUE_AGE_DAYS", 7),
		},
		Retry: RetryConfig{
			MaxRetries:     getEnvInt("MAX_RETRIES", 3),
			RetryBaseDelay: baseDelay,
			RetryMaxDelay:  maxDelay,
		},
		Security: SecurityConfig{
			EnableEncryption:  getEnvBool("ENABLE_ENCRYPTION", true),
			EnableCompression: getEnvBool("ENABLE_COMPRESSION", false),
			EnableAuditLog:    getEnvBool("ENABLE_AUDIT_LOG", true),
			AuditLogCapacity:  getEnvInt("AUDIT_LOG_CAPACITY", 1000),
		},
		RateLimit: RateLimitConfig{
			Enabled:              getEnvBool("RATE_LIMIT_ENABLED", true),
			MaxRequestsPerMinute: getEnvInt("MAX_REQUESTS_PER_MINUTE", 120),
			MaxRequestsPerHour:   getEnvInt("MAX_REQUESTS_PER_HOUR", 2000),
		},
		Conflict: ConflictConfig{Overrides: overrides},
		Access: AccessConfig{
			CacheTTL:      cacheTTL,
			SweepInterval: sweepInterval,
			JWTSecret:     getEnv("JWT_SECRET", ""),
		},
		HTTP: HTTPConfig{
			BaseURL: getEnv("API_BASE_URL", ""),
			Timeout: httpTimeout,
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		DataDir: getEnv("DATA_DIR", defaultDataDir()),
	}, nil
}

// MaxQueueAge converts the configured age in days to a duration.
func (c *Config) MaxQueueAge() time.Duration {
	return time.Duration(c.Queue.MaxQueueAgeDays) * 24 * time.Hour
}

func parseConflictOverrides(raw string) (map[models.EntityType]models.ConflictStrategy, error) {
	overrides := make(map[models.EntityType]models.ConflictStrategy)
	if raw == "" {
		return overrides, nil
	}

	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid CONFLICT_RESOLUTION_OVERRIDES entry: %q", pair)
		}
		entity := models.EntityType(strings.TrimSpace(parts[0]))
		strategy := models.ConflictStrategy(strings.TrimSpace(parts[1]))
		if !entity.Valid() {
			return nil, fmt.Errorf("unknown entity type in overrides: %q", parts[0])
		}
		if !strategy.Valid() {
			return nil, fmt.Errorf("unknown conflict strategy in overrides: %q", parts[1])
		}
		overrides[entity] = strategy
	}
	return overrides, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".orderpad"
	}
	return home + "/.orderpad"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
