package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server Configuration
	Server ServerConfig `json:"server"`

	// Database Configuration
	Database DatabaseConfig `json:"database"`

	// Terminal Session Configuration
	Terminal TerminalConfig `json:"terminal"`

	// Bulk Collector Configuration
	Collector CollectorConfig `json:"collector"`

	// Fan-out Configuration
	Fanout FanoutConfig `json:"fanout"`

	// Logging Configuration
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig holds HTTP/WebSocket server configuration
type ServerConfig struct {
	Port         string        `json:"port"`
	Host         string        `json:"host"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// DatabaseConfig holds persistence backend configuration
type DatabaseConfig struct {
	RedisURL    string `json:"redis_url"`
	PostgresURL string `json:"postgres_url"`
	SQLitePath  string `json:"sqlite_path"`
}

// TerminalConfig holds terminal binding configuration
type TerminalConfig struct {
	BridgeScript string        `json:"bridge_script"`
	LoginTimeout time.Duration `json:"login_timeout"`
	AckTimeout   time.Duration `json:"ack_timeout"`
	PumpInterval time.Duration `json:"pump_interval"`
	FieldMask    string        `json:"field_mask"`
}

// CollectorConfig holds bulk collection tuning. The retry/backoff/interval
// defaults are empirically tuned against the terminal's undocumented hourly
// request quota and are deliberately configurable.
type CollectorConfig struct {
	RequestTimeout  time.Duration `json:"request_timeout"`
	RequestInterval time.Duration `json:"request_interval"`
	RetryBackoff    time.Duration `json:"retry_backoff"`
	RequestAttempts int           `json:"request_attempts"`
	FlushBatchSize  int           `json:"flush_batch_size"`
	CacheFile       string        `json:"cache_file"`
	CacheValidity   time.Duration `json:"cache_validity"`
	PublishChannel  string        `json:"publish_channel"`
}

// FanoutConfig holds live tick delivery configuration
type FanoutConfig struct {
	QueueSize        int `json:"queue_size"`
	SubscriberBuffer int `json:"subscriber_buffer"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
	MaxAge int    `json:"max_age"` // days
}

// Load loads configuration from environment variables and files
func Load() (*Config, error) {
	// Try to load .env files in order of preference
	envFiles := []string{
		"configs/production.env",
		"configs/gateway.env",
		".env",
	}

	for _, envFile := range envFiles {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err == nil {
				break // Successfully loaded
			}
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:         getEnvOrDefault("GATEWAY_PORT", "8000"),
			Host:         getEnvOrDefault("HOST", "0.0.0.0"),
			ReadTimeout:  getDurationOrDefault("READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getDurationOrDefault("WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getDurationOrDefault("IDLE_TIMEOUT", 120*time.Second),
		},
		Database: DatabaseConfig{
			RedisURL:    getEnvOrDefault("REDIS_URL", "redis://localhost:6379/0"),
			PostgresURL: getEnvOrDefault("POSTGRES_URL", ""),
			SQLitePath:  getEnvOrDefault("STOCK_DB", "configs/stocks.db"),
		},
		Terminal: TerminalConfig{
			BridgeScript: getEnvOrDefault("TERMINAL_BRIDGE", "scripts/terminal_bridge.py"),
			LoginTimeout: getDurationOrDefault("TERMINAL_LOGIN_TIMEOUT", 120*time.Second),
			AckTimeout:   getDurationOrDefault("TERMINAL_ACK_TIMEOUT", 5*time.Second),
			PumpInterval: getDurationOrDefault("TERMINAL_PUMP_INTERVAL", 10*time.Millisecond),
			FieldMask:    getEnvOrDefault("TERMINAL_FIELD_MASK", "10;11;12;15"),
		},
		Collector: CollectorConfig{
			RequestTimeout:  getDurationOrDefault("REQUEST_TIMEOUT", 20*time.Second),
			RequestInterval: getDurationOrDefault("REQUEST_INTERVAL", 3600*time.Millisecond),
			RetryBackoff:    getDurationOrDefault("RETRY_BACKOFF", 1*time.Second),
			RequestAttempts: getIntOrDefault("REQUEST_ATTEMPTS", 3),
			FlushBatchSize:  getIntOrDefault("FLUSH_BATCH_SIZE", 200),
			CacheFile:       getEnvOrDefault("CACHE_FILE", "configs/companies_cache.json"),
			CacheValidity:   getDurationOrDefault("CACHE_VALIDITY", 3*time.Hour),
			PublishChannel:  getEnvOrDefault("REALTIME_CHANNEL", "stock_realtime_data"),
		},
		Fanout: FanoutConfig{
			QueueSize:        getIntOrDefault("FANOUT_QUEUE_SIZE", 4096),
			SubscriberBuffer: getIntOrDefault("FANOUT_SUBSCRIBER_BUFFER", 256),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
			Output: getEnvOrDefault("LOG_OUTPUT", "stdout"),
			MaxAge: getIntOrDefault("LOG_MAX_AGE", 28),
		},
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	if c.Database.SQLitePath == "" {
		return fmt.Errorf("SQLite path is required")
	}

	if c.Terminal.BridgeScript == "" {
		return fmt.Errorf("terminal bridge script path is required")
	}

	if c.Collector.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}

	if c.Collector.RequestInterval <= 0 {
		return fmt.Errorf("request interval must be positive")
	}

	if c.Collector.RequestAttempts < 1 {
		return fmt.Errorf("request attempts must be at least 1")
	}

	if c.Collector.FlushBatchSize < 1 {
		return fmt.Errorf("flush batch size must be at least 1")
	}

	if c.Collector.CacheFile == "" {
		return fmt.Errorf("cache file path is required")
	}

	if c.Fanout.QueueSize < 1 || c.Fanout.SubscriberBuffer < 1 {
		return fmt.Errorf("fan-out buffer sizes must be at least 1")
	}

	return nil
}

// Helper functions for environment variable parsing

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
