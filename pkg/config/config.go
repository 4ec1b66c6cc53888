package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the toolkit configuration
type Config struct {
	Session SessionConfig `json:"session"`
	Health  HealthConfig  `json:"health"`
	Queue   QueueConfig   `json:"queue"`
	Store   StoreConfig   `json:"store"`
	Redis   RedisConfig   `json:"redis"`
	Logging LoggingConfig `json:"logging"`
}

// SessionConfig contains session lifecycle configuration
type SessionConfig struct {
	MonitorInterval  time.Duration `json:"monitor_interval"`
	RefreshThreshold time.Duration `json:"refresh_threshold"`
	RefreshAttempts  int           `json:"refresh_attempts"`
	IdleTimeout      time.Duration `json:"idle_timeout"`
	LockTTL          time.Duration `json:"lock_ttl"`
	LockHeartbeat    time.Duration `json:"lock_heartbeat"`
}

// HealthConfig contains connectivity probing configuration
type HealthConfig struct {
	ProbeInterval  time.Duration `json:"probe_interval"`
	ProbeTimeout   time.Duration `json:"probe_timeout"`
	BackoffInitial time.Duration `json:"backoff_initial"`
	BackoffMax     time.Duration `json:"backoff_max"`
	BackoffFactor  float64       `json:"backoff_factor"`
	Jitter         bool          `json:"jitter"`
}

// QueueConfig contains offline queue configuration
type QueueConfig struct {
	MaxRetries          int           `json:"max_retries"`
	BatchSize           int           `json:"batch_size"`
	RetryBackoffInitial time.Duration `json:"retry_backoff_initial"`
	RetryBackoffMax     time.Duration `json:"retry_backoff_max"`
	OperationTimeout    time.Duration `json:"operation_timeout"`
}

// StoreConfig contains persisted state configuration
type StoreConfig struct {
	DefaultTTL       time.Duration `json:"default_ttl"`
	StaleWindow      time.Duration `json:"stale_window"`
	AutoSaveInterval time.Duration `json:"auto_save_interval"`
	KeyPrefix        string        `json:"key_prefix"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// Load loads configuration from environment variables with sensible defaults.
// A .env file in the working directory is honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	config := &Config{
		Session: SessionConfig{
			MonitorInterval:  getEnvDuration("SESSION_MONITOR_INTERVAL", 30*time.Second),
			RefreshThreshold: getEnvDuration("SESSION_REFRESH_THRESHOLD", 5*time.Minute),
			RefreshAttempts:  getEnvInt("SESSION_REFRESH_ATTEMPTS", 3),
			IdleTimeout:      getEnvDuration("SESSION_IDLE_TIMEOUT", 0),
			LockTTL:          getEnvDuration("SESSION_LOCK_TTL", 10*time.Second),
			LockHeartbeat:    getEnvDuration("SESSION_LOCK_HEARTBEAT", 3*time.Second),
		},
		Health: HealthConfig{
			ProbeInterval:  getEnvDuration("HEALTH_PROBE_INTERVAL", 30*time.Second),
			ProbeTimeout:   getEnvDuration("HEALTH_PROBE_TIMEOUT", 5*time.Second),
			BackoffInitial: getEnvDuration("HEALTH_BACKOFF_INITIAL", 1*time.Second),
			BackoffMax:     getEnvDuration("HEALTH_BACKOFF_MAX", 30*time.Second),
			BackoffFactor:  getEnvFloat("HEALTH_BACKOFF_FACTOR", 2.0),
			Jitter:         getEnvBool("HEALTH_BACKOFF_JITTER", true),
		},
		Queue: QueueConfig{
			MaxRetries:          getEnvInt("QUEUE_MAX_RETRIES", 3),
			BatchSize:           getEnvInt("QUEUE_BATCH_SIZE", 10),
			RetryBackoffInitial: getEnvDuration("QUEUE_RETRY_BACKOFF_INITIAL", 1*time.Second),
			RetryBackoffMax:     getEnvDuration("QUEUE_RETRY_BACKOFF_MAX", 30*time.Second),
			OperationTimeout:    getEnvDuration("QUEUE_OPERATION_TIMEOUT", 30*time.Second),
		},
		Store: StoreConfig{
			DefaultTTL:       getEnvDuration("STORE_DEFAULT_TTL", 1*time.Hour),
			StaleWindow:      getEnvDuration("STORE_STALE_WINDOW", 24*time.Hour),
			AutoSaveInterval: getEnvDuration("STORE_AUTOSAVE_INTERVAL", 30*time.Second),
			KeyPrefix:        getEnvString("STORE_KEY_PREFIX", "offlinekit"),
		},
		Redis: RedisConfig{
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Session.MonitorInterval <= 0 {
		return fmt.Errorf("session monitor interval must be positive")
	}
	if c.Session.RefreshThreshold <= 0 {
		return fmt.Errorf("session refresh threshold must be positive")
	}
	if c.Session.LockHeartbeat >= c.Session.LockTTL {
		return fmt.Errorf("lock heartbeat must be shorter than lock TTL")
	}
	if c.Health.BackoffFactor < 1.0 {
		return fmt.Errorf("backoff factor must be at least 1.0")
	}
	if c.Health.BackoffInitial > c.Health.BackoffMax {
		return fmt.Errorf("initial backoff cannot exceed backoff cap")
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue max retries cannot be negative")
	}
	if c.Queue.RetryBackoffInitial > c.Queue.RetryBackoffMax {
		return fmt.Errorf("initial replay backoff cannot exceed its cap")
	}
	if c.Store.StaleWindow < c.Store.DefaultTTL {
		return fmt.Errorf("stale window must be at least the default TTL")
	}
	return nil
}

// RedisURL returns the Redis connection URL
func (c *Config) RedisURL() string {
	if c.Redis.Password != "" {
		return fmt.Sprintf("redis://:%s@%s:%d/%d",
			c.Redis.Password,
			c.Redis.Host,
			c.Redis.Port,
			c.Redis.DB,
		)
	}
	return fmt.Sprintf("redis://%s:%d/%d",
		c.Redis.Host,
		c.Redis.Port,
		c.Redis.DB,
	)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
