// Package config loads runtime configuration from environment
// variables, with local-development defaults.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds pipeline configuration.
type Config struct {
	LogLevel string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	HistoryDBPath string
	DatabaseURL   string

	SignalQueue   string
	AgentChannel  string
	LiveStateTTL  time.Duration
	PopTimeout    time.Duration
	DirectoryPath string

	OTLPEndpoint string
	OTLPEnabled  bool
	Environment  string
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		LogLevel:      getenv("LOG_LEVEL", "INFO"),
		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getenvInt("REDIS_DB", 0),
		HistoryDBPath: getenv("HISTORY_DB_PATH", "voltmesh.db"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		SignalQueue:   getenv("SIGNAL_QUEUE", "signal_events"),
		AgentChannel:  getenv("AGENT_CHANNEL", "agent_events"),
		LiveStateTTL:  getenvDuration("LIVE_STATE_TTL", 24*time.Hour),
		PopTimeout:    getenvDuration("POP_TIMEOUT", time.Second),
		DirectoryPath: os.Getenv("DIRECTORY_PATH"),
		OTLPEndpoint:  getenv("OTLP_ENDPOINT", "localhost:4317"),
		OTLPEnabled:   os.Getenv("OTLP_ENABLED") == "true",
		Environment:   getenv("ENVIRONMENT", "development"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
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
