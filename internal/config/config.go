package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the transcript gateway service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Durable store (Postgres DSN)
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`

	// Deepgram live transcription (upstream media-stream provider)
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" required:"true"`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"` // nova-2, enhanced, base
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`  // Language code (en, es, fr, etc.)

	// Reorder/dedupe buffer
	ReorderWindowMs   int `envconfig:"REORDER_WINDOW_MS" default:"2500"`  // Window measured against segment start offsets
	BufferMaxSegments int `envconfig:"BUFFER_MAX_SEGMENTS" default:"512"` // Per-meeting cap before eager flush
	BufferSweepMs     int `envconfig:"BUFFER_SWEEP_MS" default:"250"`     // Window-expiry timer period
	EventQueueSize    int `envconfig:"EVENT_QUEUE_SIZE" default:"256"`    // Stream client -> pipeline channel depth

	// Batch persistence writer
	BatchMaxSegments       int `envconfig:"BATCH_MAX_SEGMENTS" default:"100"`      // Size threshold per flush
	BatchFlushIntervalMs   int `envconfig:"BATCH_FLUSH_INTERVAL_MS" default:"250"` // Time threshold per flush
	WriteTimeoutMs         int `envconfig:"WRITE_TIMEOUT_MS" default:"5000"`       // Per durable-store call
	WriterRetryMaxAttempts int `envconfig:"WRITER_RETRY_MAX_ATTEMPTS" default:"5"`
	WriterRetryBackoffMs   int `envconfig:"WRITER_RETRY_BACKOFF_MS" default:"200"`
	WriterHoldMaxBatches   int `envconfig:"WRITER_HOLD_MAX_BATCHES" default:"32"` // Failed batches held in memory before dropping oldest

	// Stream client resilience
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`
	ReconnectBackoffMs         int `envconfig:"RECONNECT_BACKOFF_MS" default:"1000"`
	ReconnectMaxBackoffMs      int `envconfig:"RECONNECT_MAX_BACKOFF_MS" default:"30000"`
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery

	// Broadcast hub
	ViewerQueueSize      int `envconfig:"VIEWER_QUEUE_SIZE" default:"64"` // Bounded per-viewer outbound queue
	ViewerWriteTimeoutMs int `envconfig:"VIEWER_WRITE_TIMEOUT_MS" default:"10000"`
	ViewerPingIntervalMs int `envconfig:"VIEWER_PING_INTERVAL_MS" default:"25000"`
	ViewerPongTimeoutMs  int `envconfig:"VIEWER_PONG_TIMEOUT_MS" default:"60000"` // Must exceed ping interval

	// Meeting lifecycle
	DrainTimeoutMs int `envconfig:"DRAIN_TIMEOUT_MS" default:"10000"` // Hard deadline for stop-signal flush

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.DeepgramAPIKey == "" {
		return nil, fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if cfg.ViewerPongTimeoutMs <= cfg.ViewerPingIntervalMs {
		return nil, fmt.Errorf("VIEWER_PONG_TIMEOUT_MS must be greater than VIEWER_PING_INTERVAL_MS")
	}

	return &cfg, nil
}

// ReorderWindow returns the reorder window as a duration.
func (c *Config) ReorderWindow() time.Duration {
	return time.Duration(c.ReorderWindowMs) * time.Millisecond
}

// BatchFlushInterval returns the writer time threshold as a duration.
func (c *Config) BatchFlushInterval() time.Duration {
	return time.Duration(c.BatchFlushIntervalMs) * time.Millisecond
}

// DrainTimeout returns the stop-signal flush deadline as a duration.
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutMs) * time.Millisecond
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
