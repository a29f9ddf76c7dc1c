package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds configuration for the gateway.
type Config struct {
	HTTPPort      string
	EncryptionKey string // hex-encoded 32-byte key for the credential vault
	Redis         RedisConfig
	Relay         RelayConfig
	Quota         QuotaConfig
	Usage         UsageConfig
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RelayConfig holds relay engine settings
type RelayConfig struct {
	UpstreamTimeout time.Duration // bound on one outbound relay call
	TestTimeout     time.Duration // bound on one connectivity probe
}

// QuotaConfig holds quota reset scheduler settings
type QuotaConfig struct {
	Timezone          string // IANA zone the reset day boundary is computed in
	DefaultDailyLimit float64
	CheckInterval     time.Duration
}

// UsageConfig holds usage metering and archive settings
type UsageConfig struct {
	DatabaseURL     string // Postgres DSN; archive disabled when empty
	ArchiveInterval time.Duration
	RetentionDays   int
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return intVal
}

func getEnvFloat(key string, defaultValue float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	floatVal, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultValue
	}
	return floatVal
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}
	return duration
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

// Load reads configuration from a .env file (when present) and environment
// variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	encryptionKey := os.Getenv("ENCRYPTION_KEY")
	if encryptionKey == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if len(encryptionKey) != 64 {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be 64 hex characters (32 bytes)")
	}

	cfg := &Config{
		HTTPPort:      getEnvString("HTTP_PORT", "8080"),
		EncryptionKey: encryptionKey,
		Redis: RedisConfig{
			Address:      getEnvString("REDIS_ADDRESS", "localhost:6379"),
			Password:     getEnvString("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Relay: RelayConfig{
			UpstreamTimeout: getEnvDuration("RELAY_UPSTREAM_TIMEOUT", 60*time.Second),
			TestTimeout:     getEnvDuration("RELAY_TEST_TIMEOUT", 10*time.Second),
		},
		Quota: QuotaConfig{
			Timezone:          getEnvString("QUOTA_RESET_TIMEZONE", "UTC"),
			DefaultDailyLimit: getEnvFloat("QUOTA_DEFAULT_DAILY_LIMIT", 50),
			CheckInterval:     getEnvDuration("QUOTA_CHECK_INTERVAL", 60*time.Second),
		},
		Usage: UsageConfig{
			DatabaseURL:     getEnvString("DATABASE_URL", ""),
			ArchiveInterval: getEnvDuration("USAGE_ARCHIVE_INTERVAL", 15*time.Minute),
			RetentionDays:   getEnvInt("USAGE_RETENTION_DAYS", 32),
		},
	}

	return cfg, nil
}
