package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr     string
	LogLevel string

	// Quota
	QuotaPeriodTokens int
	QuotaResetHours   int
	QuotaStore        string
	RedisURL          string
	DatabaseURL       string
	SQLitePath        string

	// Identity
	JWTSecret  string
	AdminClaim string

	// Search engine
	SearchBaseURL  string
	SearchAPIToken string

	// Models and credentials
	ModelCatalog   string
	SecretsBackend string
	SecretsPrefix  string
	AWSRegion      string
	SNSTopicARN    string

	OTelEnabled  bool
	OTLPEndpoint string

	StreamFlushInterval time.Duration
	DebugAllowed        bool

	// Requests per minute per user; 0 disables
	RateLimitRPM int

	// Cap on the in-memory usage ledger used when DATABASE_URL is unset
	UsageMaxRecords int

	// Upstream circuit breaker; a threshold <= 0 disables it
	BreakerFailures int
	BreakerTimeout  time.Duration

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Load reads the configuration from the environment. Malformed numbers and
// durations are reported together.
func Load() (*Config, error) {
	var errs []error

	cfg := &Config{
		Addr:                ":" + getEnv("PORT", "8080"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		QuotaPeriodTokens:   getIntEnv("QUOTA_PERIOD_TOKENS", -1, &errs),
		QuotaResetHours:     getIntEnv("QUOTA_RESET_HOURS", 24, &errs),
		QuotaStore:          getEnv("QUOTA_STORE", StoreMemory),
		RedisURL:            getEnv("REDIS_URL", ""),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		SQLitePath:          getEnv("SQLITE_PATH", "data/quota.db"),
		JWTSecret:           getEnv("JWT_SECRET", ""),
		AdminClaim:          getEnv("ADMIN_CLAIM", "admin"),
		SearchBaseURL:       getEnv("SEARCH_BASE_URL", ""),
		SearchAPIToken:      getEnv("SEARCH_API_TOKEN", ""),
		ModelCatalog:        getEnv("MODEL_CATALOG", ""),
		SecretsBackend:      getEnv("SECRETS_BACKEND", "env"),
		SecretsPrefix:       getEnv("SECRETS_PREFIX", "rag-gateway/"),
		AWSRegion:           getEnv("AWS_REGION", ""),
		SNSTopicARN:         getEnv("SNS_TOPIC_ARN", ""),
		OTelEnabled:         getEnv("OTEL_ENABLED", "false") == "true",
		OTLPEndpoint:        getEnv("OTEL_ENDPOINT", ""),
		StreamFlushInterval: getDurationEnv("STREAM_FLUSH_INTERVAL", 500*time.Millisecond, &errs),
		DebugAllowed:        getEnv("DEBUG_ALLOWED", "false") == "true",
		RateLimitRPM:        getIntEnv("RATE_LIMIT_RPM", 0, &errs),
		UsageMaxRecords:     getIntEnv("USAGE_MAX_RECORDS", 100000, &errs),
		BreakerFailures:     getIntEnv("BREAKER_FAILURES", 5, &errs),
		BreakerTimeout:      getDurationEnv("BREAKER_TIMEOUT", 30*time.Second, &errs),
		ReadTimeout:         getDurationEnv("READ_TIMEOUT", 30*time.Second, &errs),
		WriteTimeout:        getDurationEnv("WRITE_TIMEOUT", 5*time.Minute, &errs),
		ShutdownTimeout:     getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second, &errs),
	}

	if cfg.QuotaResetHours <= 0 {
		errs = append(errs, fmt.Errorf("QUOTA_RESET_HOURS must be positive, got %d", cfg.QuotaResetHours))
	}
	switch cfg.QuotaStore {
	case StoreMemory, StoreSQLite:
	case StoreRedis:
		if cfg.RedisURL == "" {
			errs = append(errs, errors.New("QUOTA_STORE=redis requires REDIS_URL"))
		}
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			errs = append(errs, errors.New("QUOTA_STORE=postgres requires DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown QUOTA_STORE %q", cfg.QuotaStore))
	}
	switch cfg.SecretsBackend {
	case "env", "aws":
	default:
		errs = append(errs, fmt.Errorf("unknown SECRETS_BACKEND %q", cfg.SecretsBackend))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int, errs *[]error) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid integer %q", key, value))
		return defaultValue
	}
	return n
}

// getDurationEnv accepts Go durations ("500ms") and bare seconds ("30").
func getDurationEnv(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid duration %q", key, value))
		return defaultValue
	}
	return d
}
