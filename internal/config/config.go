// Package config loads and validates gateway configuration from the
// environment, following the same env-tag convention the rest of the
// platform uses.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"
	LogFormatPretty LogFormat = "pretty"
)

type OverflowStrategy string

const (
	OverflowDropOldest      OverflowStrategy = "drop_oldest"
	OverflowDropNewest      OverflowStrategy = "drop_newest"
	OverflowDropLowPriority OverflowStrategy = "drop_low_priority"
)

type BatchStrategy string

const (
	BatchTimeBased BatchStrategy = "time_based"
	BatchSizeBased BatchStrategy = "size_based"
	BatchHybrid    BatchStrategy = "hybrid"
	BatchAdaptive  BatchStrategy = "adaptive"
)

// Config is the complete set of tunables for the gateway process.
type Config struct {
	Addr string `env:"GATEWAY_ADDR" envDefault:":8080"`

	LogLevel  LogLevel  `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat LogFormat `env:"LOG_FORMAT" envDefault:"json"`

	// Auth
	JWTSecret      string        `env:"JWT_SECRET,required"`
	TokenCacheSize int           `env:"TOKEN_CACHE_SIZE" envDefault:"10000"`
	TokenCacheTTL  time.Duration `env:"TOKEN_CACHE_TTL" envDefault:"60s"`

	// Connection registry
	MaxConnectionsPerUser int           `env:"MAX_CONNECTIONS_PER_USER" envDefault:"10"`
	MaxConnectionsTotal   int           `env:"MAX_CONNECTIONS_TOTAL" envDefault:"50000"`
	ConnRateLimitPerSec   float64       `env:"CONN_RATE_LIMIT_PER_SEC" envDefault:"50"`
	ConnRateLimitBurst    int           `env:"CONN_RATE_LIMIT_BURST" envDefault:"100"`
	PerConnMsgRatePerSec  float64       `env:"PER_CONN_MSG_RATE_PER_SEC" envDefault:"20"`
	PerConnMsgBurst       int           `env:"PER_CONN_MSG_BURST" envDefault:"40"`
	ConnectTimeout        time.Duration `env:"CONNECT_TIMEOUT" envDefault:"5s"`

	// Heartbeat
	PingInterval time.Duration `env:"PING_INTERVAL" envDefault:"20s"`
	PingTimeout  time.Duration `env:"PING_TIMEOUT" envDefault:"10s"`
	DeadAfter    time.Duration `env:"DEAD_AFTER" envDefault:"45s"`

	// Per-user buffer
	MaxBufferSizePerUser int              `env:"MAX_BUFFER_SIZE_PER_USER" envDefault:"200"`
	MaxBufferSizeGlobal  int              `env:"MAX_BUFFER_SIZE_GLOBAL" envDefault:"20000"`
	MaxMessageSizeBytes  int              `env:"MAX_MESSAGE_SIZE_BYTES" envDefault:"32768"`
	BufferTimeout        time.Duration    `env:"BUFFER_TIMEOUT" envDefault:"120s"`
	OverflowStrategy     OverflowStrategy `env:"OVERFLOW_STRATEGY" envDefault:"drop_low_priority"`

	// Retry scheduler
	RetryIntervals    []time.Duration `env:"RETRY_INTERVALS" envSeparator:"," envDefault:"500ms,1s,2s,5s"`
	MaxRetryAttempts  int             `env:"MAX_RETRY_ATTEMPTS" envDefault:"4"`

	// Per-user buffer recovery: how long a message may sit SENDING
	// without a terminal ack/nack before it reverts to PENDING.
	SendingRecoveryDeadline time.Duration `env:"SENDING_RECOVERY_DEADLINE" envDefault:"30s"`

	// Batcher
	BatchStrategy      BatchStrategy `env:"BATCH_STRATEGY" envDefault:"hybrid"`
	BatchMaxDelay      time.Duration `env:"BATCH_MAX_DELAY" envDefault:"50ms"`
	BatchMaxSize       int           `env:"BATCH_MAX_SIZE" envDefault:"50"`
	AdaptiveBatchMin   int           `env:"ADAPTIVE_BATCH_MIN" envDefault:"10"`
	AdaptiveBatchMax   int           `env:"ADAPTIVE_BATCH_MAX" envDefault:"200"`

	// Broadcast
	BroadcastChunkSize          int           `env:"BROADCAST_CHUNK_SIZE" envDefault:"256"`
	BroadcastPerConnTimeout     time.Duration `env:"BROADCAST_PER_CONN_TIMEOUT" envDefault:"2s"`
	DisconnectThresholdFailures int           `env:"DISCONNECT_THRESHOLD_FAILURES" envDefault:"5"`

	// State store / reconnection
	StateSnapshotCacheSize int           `env:"STATE_SNAPSHOT_CACHE_SIZE" envDefault:"20000"`
	DisconnectSnapshotTTL  time.Duration `env:"DISCONNECT_SNAPSHOT_TTL" envDefault:"5m"`
	MinReconnectInterval   time.Duration `env:"MIN_RECONNECT_INTERVAL" envDefault:"1s"`
	MaxReconnectionAttempts int          `env:"MAX_RECONNECTION_ATTEMPTS" envDefault:"5"`

	// NATS router
	NATSURL string `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`

	// Worker pool
	WorkerCount   int `env:"WORKER_COUNT" envDefault:"0"` // 0 = 2*GOMAXPROCS
	WorkerQueueSize int `env:"WORKER_QUEUE_SIZE" envDefault:"4096"`

	// Resource guard
	MaxCPUPercent    float64 `env:"MAX_CPU_PERCENT" envDefault:"85"`
	MaxMemoryPercent float64 `env:"MAX_MEMORY_PERCENT" envDefault:"85"`

	ShutdownGracePeriod time.Duration `env:"SHUTDOWN_GRACE_PERIOD" envDefault:"30s"`
	DrainDeadline       time.Duration `env:"DRAIN_DEADLINE" envDefault:"5s"`
}

// Load reads a .env file (if present) then parses the environment into a Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return cfg, nil
}

// Validate enforces range and enum invariants that env tags alone cannot express.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET must not be empty")
	}
	if c.MaxConnectionsPerUser <= 0 {
		return fmt.Errorf("MAX_CONNECTIONS_PER_USER must be positive")
	}
	if c.MaxBufferSizePerUser <= 0 || c.MaxBufferSizeGlobal <= 0 {
		return fmt.Errorf("buffer sizes must be positive")
	}
	if c.MaxBufferSizePerUser > c.MaxBufferSizeGlobal {
		return fmt.Errorf("MAX_BUFFER_SIZE_PER_USER cannot exceed MAX_BUFFER_SIZE_GLOBAL")
	}
	switch c.OverflowStrategy {
	case OverflowDropOldest, OverflowDropNewest, OverflowDropLowPriority:
	default:
		return fmt.Errorf("invalid OVERFLOW_STRATEGY %q", c.OverflowStrategy)
	}
	switch c.BatchStrategy {
	case BatchTimeBased, BatchSizeBased, BatchHybrid, BatchAdaptive:
	default:
		return fmt.Errorf("invalid BATCH_STRATEGY %q", c.BatchStrategy)
	}
	if c.AdaptiveBatchMin <= 0 || c.AdaptiveBatchMax < c.AdaptiveBatchMin {
		return fmt.Errorf("invalid adaptive batch bounds")
	}
	if len(c.RetryIntervals) == 0 {
		return fmt.Errorf("RETRY_INTERVALS must not be empty")
	}
	if c.MaxRetryAttempts <= 0 {
		return fmt.Errorf("MAX_RETRY_ATTEMPTS must be positive")
	}
	if c.DisconnectThresholdFailures <= 0 {
		return fmt.Errorf("DISCONNECT_THRESHOLD_FAILURES must be positive")
	}
	if c.MaxReconnectionAttempts <= 0 {
		return fmt.Errorf("MAX_RECONNECTION_ATTEMPTS must be positive")
	}
	return nil
}

// LogConfig writes the resolved configuration to the structured logger at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Str("log_level", string(c.LogLevel)).
		Int("max_connections_total", c.MaxConnectionsTotal).
		Int("max_buffer_size_per_user", c.MaxBufferSizePerUser).
		Str("overflow_strategy", string(c.OverflowStrategy)).
		Str("batch_strategy", string(c.BatchStrategy)).
		Str("nats_url", c.NATSURL).
		Msg("configuration loaded")
}
