// Package config loads server configuration from the environment, with
// an optional .env file for development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every recognized setting. Priority: environment variables
// over .env file over defaults.
type Config struct {
	// Transport
	Addr        string `env:"PARLEY_ADDR" envDefault:":8080"`
	TLSCert     string `env:"PARLEY_TLS_CERT"`
	TLSKey      string `env:"PARLEY_TLS_KEY"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Auth
	TokenSecret    string `env:"AUTH_TOKEN_SECRET"`
	TokenAlgorithm string `env:"AUTH_TOKEN_ALGORITHM" envDefault:"HS256"`

	// Rate limits
	MaxConnsPerIP   int           `env:"RL_MAX_CONNS_PER_IP" envDefault:"2"`
	MaxConnsPerUser int           `env:"RL_MAX_CONNS_PER_USER" envDefault:"5"`
	MessagesPerSec  int           `env:"RL_MESSAGES_PER_SEC" envDefault:"5"`
	MessagesPerMin  int           `env:"RL_MESSAGES_PER_MIN" envDefault:"60"`
	MessagesPerHour int           `env:"RL_MESSAGES_PER_HOUR" envDefault:"1000"`
	MessagesPerDay  int           `env:"RL_MESSAGES_PER_DAY" envDefault:"10000"`
	ConnectTimeout  time.Duration `env:"CONNECT_TIMEOUT" envDefault:"10s"`
	MessageTimeout  time.Duration `env:"MESSAGE_TIMEOUT" envDefault:"30s"`

	// History
	HistoryMax       int           `env:"HISTORY_MAX" envDefault:"100"`
	HistoryRetention time.Duration `env:"HISTORY_RETENTION" envDefault:"720h"`

	// Upstream model
	LLMEndpoint     string  `env:"LLM_ENDPOINT" envDefault:"https://api.anthropic.com/v1/messages"`
	LLMAPIKey       string  `env:"LLM_API_KEY"`
	LLMModel        string  `env:"LLM_MODEL" envDefault:"claude-3-sonnet-20240229"`
	LLMTemperature  float64 `env:"LLM_TEMPERATURE" envDefault:"0.7"`
	LLMMaxTokens    int     `env:"LLM_MAX_TOKENS" envDefault:"4000"`
	LLMCacheEnabled bool    `env:"LLM_CACHE_ENABLED" envDefault:"true"`

	// KV store
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPoolSize int    `env:"REDIS_POOL_SIZE" envDefault:"10"`

	// Message persistence bus. Empty URL disables persistence.
	NATSURL           string `env:"NATS_URL"`
	NATSSubjectPrefix string `env:"NATS_SUBJECT_PREFIX" envDefault:"parley.messages"`

	// Session plumbing
	OutboxSize      int           `env:"OUTBOX_SIZE" envDefault:"64"`
	MaxMessageBytes int           `env:"MAX_MESSAGE_BYTES" envDefault:"65536"`
	ShutdownGrace   time.Duration `env:"SHUTDOWN_GRACE" envDefault:"30s"`

	// Admission guard
	MemoryLimit           int64   `env:"MEMORY_LIMIT" envDefault:"536870912"`
	MemoryRejectThreshold float64 `env:"MEMORY_REJECT_THRESHOLD" envDefault:"90.0"`

	// Worker pool. Zero workers means 2 x GOMAXPROCS.
	WorkerPoolSize  int `env:"WORKER_POOL_SIZE" envDefault:"0"`
	WorkerQueueSize int `env:"WORKER_QUEUE_SIZE" envDefault:"1024"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads the optional .env file, parses the environment and
// validates the result.
func Load() (*Config, error) {
	// Missing .env is fine; production supplies real env vars.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges, enums and cross-field requirements.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("PARLEY_ADDR is required")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("PARLEY_TLS_CERT and PARLEY_TLS_KEY must be set together")
	}
	if c.TokenSecret == "" {
		return fmt.Errorf("AUTH_TOKEN_SECRET is required")
	}
	if c.TokenAlgorithm != "HS256" {
		return fmt.Errorf("AUTH_TOKEN_ALGORITHM must be HS256, got %q", c.TokenAlgorithm)
	}

	positives := map[string]int{
		"RL_MAX_CONNS_PER_IP":   c.MaxConnsPerIP,
		"RL_MAX_CONNS_PER_USER": c.MaxConnsPerUser,
		"RL_MESSAGES_PER_SEC":   c.MessagesPerSec,
		"RL_MESSAGES_PER_MIN":   c.MessagesPerMin,
		"RL_MESSAGES_PER_HOUR":  c.MessagesPerHour,
		"RL_MESSAGES_PER_DAY":   c.MessagesPerDay,
		"HISTORY_MAX":           c.HistoryMax,
		"OUTBOX_SIZE":           c.OutboxSize,
		"MAX_MESSAGE_BYTES":     c.MaxMessageBytes,
		"LLM_MAX_TOKENS":        c.LLMMaxTokens,
		"REDIS_POOL_SIZE":       c.RedisPoolSize,
		"WORKER_QUEUE_SIZE":     c.WorkerQueueSize,
	}
	for name, v := range positives {
		if v < 1 {
			return fmt.Errorf("%s must be > 0, got %d", name, v)
		}
	}

	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("CONNECT_TIMEOUT must be > 0, got %s", c.ConnectTimeout)
	}
	if c.MessageTimeout <= 0 {
		return fmt.Errorf("MESSAGE_TIMEOUT must be > 0, got %s", c.MessageTimeout)
	}
	if c.LLMTemperature < 0 || c.LLMTemperature > 2 {
		return fmt.Errorf("LLM_TEMPERATURE must be in [0, 2], got %g", c.LLMTemperature)
	}
	if c.MemoryRejectThreshold < 0 || c.MemoryRejectThreshold > 100 {
		return fmt.Errorf("MEMORY_REJECT_THRESHOLD must be 0-100, got %.1f", c.MemoryRejectThreshold)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got %q)", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "pretty":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or pretty (got %q)", c.LogFormat)
	}
	return nil
}

// LogConfig emits the effective configuration. Secrets are reported by
// presence only.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Bool("tls", c.TLSCert != "").
		Int("max_conns_per_ip", c.MaxConnsPerIP).
		Int("max_conns_per_user", c.MaxConnsPerUser).
		Int("messages_per_sec", c.MessagesPerSec).
		Int("messages_per_min", c.MessagesPerMin).
		Int("messages_per_hour", c.MessagesPerHour).
		Int("messages_per_day", c.MessagesPerDay).
		Dur("connect_timeout", c.ConnectTimeout).
		Dur("message_timeout", c.MessageTimeout).
		Int("history_max", c.HistoryMax).
		Str("llm_model", c.LLMModel).
		Float64("llm_temperature", c.LLMTemperature).
		Int("llm_max_tokens", c.LLMMaxTokens).
		Bool("llm_cache_enabled", c.LLMCacheEnabled).
		Bool("llm_api_key_set", c.LLMAPIKey != "").
		Str("redis_addr", c.RedisAddr).
		Int("redis_pool_size", c.RedisPoolSize).
		Bool("nats_enabled", c.NATSURL != "").
		Int("outbox_size", c.OutboxSize).
		Int("max_message_bytes", c.MaxMessageBytes).
		Dur("shutdown_grace", c.ShutdownGrace).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
