// Package config provides configuration loading for the flowtest service.
package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the flowtest service.
type Config struct {
	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration
	CORSOrigins   []string

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// Event log configuration
	EventLogType string // "memory" or "redis"
	EventLogTTL  time.Duration
	EventMaxLen  int64

	// Flow store configuration
	FlowStoreType string // "memory" or "redis"

	// Engine configuration
	MaxParallelism int
	NodeTimeout    time.Duration

	// Criteria configuration
	JudgeTimeout time.Duration

	// Model provider configuration
	ProviderName    string
	ProviderBaseURL string
	ProviderAPIKey  string
	ProviderModel   string
	ProviderTimeout time.Duration
	ProviderRPS     float64
	ProviderBurst   int

	// Artifact offload configuration
	ArtifactBackend        string // "none", "memory" or "s3"
	ArtifactThresholdBytes int
	S3Endpoint             string
	S3Bucket               string
	S3Region               string
	S3AccessKeyID          string
	S3SecretAccessKey      string
	S3UseSSL               bool
	S3PathPrefix           string

	// Tracing
	OTelEnabled    bool
	OTelEndpoint   string
	OTelSampleRate float64

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		// Server
		Port:          getEnv("PORT", "7070"),
		ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:  getDuration("WRITE_TIMEOUT", 0), // SSE streams are long-lived
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),
		CORSOrigins:   getStringSlice("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		// Event log
		EventLogType: getEnv("EVENTLOG_TYPE", "memory"),
		EventLogTTL:  getDuration("EVENTLOG_TTL", 7*24*time.Hour),
		EventMaxLen:  getInt64("EVENT_MAX_LEN", 5000),

		// Flow store
		FlowStoreType: getEnv("FLOWSTORE_TYPE", "memory"),

		// Engine
		MaxParallelism: getInt("ENGINE_MAX_PARALLELISM", 0), // 0 = unlimited
		NodeTimeout:    getDuration("NODE_TIMEOUT", 5*time.Minute),

		// Criteria
		JudgeTimeout: getDuration("CRITERIA_JUDGE_TIMEOUT", 30*time.Second),

		// Provider
		ProviderName:    getEnv("PROVIDER_NAME", "openai"),
		ProviderBaseURL: getEnv("PROVIDER_BASE_URL", "https://api.openai.com/v1"),
		ProviderAPIKey:  getEnv("PROVIDER_API_KEY", ""),
		ProviderModel:   getEnv("PROVIDER_MODEL", ""),
		ProviderTimeout: getDuration("PROVIDER_TIMEOUT", 60*time.Second),
		ProviderRPS:     getFloat("PROVIDER_RPS", 10.0),
		ProviderBurst:   getInt("PROVIDER_BURST", 20),

		// Artifacts
		ArtifactBackend:        getEnv("ARTIFACT_BACKEND", "none"),
		ArtifactThresholdBytes: getInt("ARTIFACT_THRESHOLD_BYTES", 256*1024),
		S3Endpoint:             getEnv("S3_ENDPOINT", ""),
		S3Bucket:               getEnv("S3_BUCKET", "flowtest-artifacts"),
		S3Region:               getEnv("S3_REGION", "us-east-1"),
		S3AccessKeyID:          getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey:      getEnv("S3_SECRET_ACCESS_KEY", ""),
		S3UseSSL:               getBool("S3_USE_SSL", true),
		S3PathPrefix:           getEnv("S3_PATH_PREFIX", ""),

		// Tracing
		OTelEnabled:    getBool("OTEL_ENABLED", false),
		OTelEndpoint:   getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OTelSampleRate: getFloat("OTEL_SAMPLE_RATE", 1.0),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// NewLogger builds the process logger from LogLevel and LogFormat.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		return strings.Split(val, ",")
	}
	return defaultVal
}
