// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	SessionTTL  time.Duration

	Buffer    BufferConfig
	Agents    AgentConfig
	Coverage  CoverageConfig
	Stream    StreamConfig
	RateLimit RateLimitConfig
}

// BufferConfig controls transcript chunk readiness rules.
type BufferConfig struct {
	WordThreshold int           // chunk emits once this many words accumulate
	MaxChunkAge   time.Duration // chunk emits once the oldest fragment is this old
	StaleInterval time.Duration // how often the stale-flush sweep runs
}

// AgentConfig controls LLM agent invocations.
type AgentConfig struct {
	ProviderURL string
	APIKey      string
	Model       string
	Timeout     time.Duration // per-invocation; expiry counts as agent failure
	TurnWindow  int           // recent turns passed to each agent
}

// CoverageConfig controls the topic coverage merge rule.
// HighWaterMark is the score at or above which coverage never silently
// downgrades; the exact value is deliberately configurable.
type CoverageConfig struct {
	BrieflyAt     int
	HighWaterMark int
}

// StreamConfig controls the SSE event transport.
type StreamConfig struct {
	KeepaliveInterval time.Duration
	IdleTimeout       time.Duration // connection reaped after this much inactivity
	MaxLifetime       time.Duration // connection closed regardless of activity
	SweepInterval     time.Duration
	ReplayQueueSize   int
	RetryDelay        time.Duration
}

// RateLimitConfig throttles transcript submissions per session.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/certflow.db"),
		SessionTTL:  getEnvDuration("SESSION_TTL", 60*time.Minute),
		Buffer: BufferConfig{
			WordThreshold: getEnvInt("BUFFER_WORD_THRESHOLD", 12),
			MaxChunkAge:   getEnvDuration("BUFFER_MAX_CHUNK_AGE", 6*time.Second),
			StaleInterval: getEnvDuration("BUFFER_STALE_INTERVAL", time.Second),
		},
		Agents: AgentConfig{
			ProviderURL: getEnv("LLM_PROVIDER_URL", "http://localhost:11434/v1"),
			APIKey:      getEnv("LLM_API_KEY", ""),
			Model:       getEnv("LLM_MODEL", "gpt-4o-mini"),
			Timeout:     getEnvDuration("AGENT_TIMEOUT", 20*time.Second),
			TurnWindow:  getEnvInt("AGENT_TURN_WINDOW", 8),
		},
		Coverage: CoverageConfig{
			BrieflyAt:     getEnvInt("COVERAGE_BRIEFLY_AT", 30),
			HighWaterMark: getEnvInt("COVERAGE_HIGH_WATER_MARK", 80),
		},
		Stream: StreamConfig{
			KeepaliveInterval: getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			IdleTimeout:       getEnvDuration("SSE_IDLE_TIMEOUT", 5*time.Minute),
			MaxLifetime:       getEnvDuration("SSE_MAX_LIFETIME", 60*time.Minute),
			SweepInterval:     getEnvDuration("SSE_SWEEP_INTERVAL", time.Minute),
			ReplayQueueSize:   getEnvInt("SSE_REPLAY_QUEUE_SIZE", 100),
			RetryDelay:        getEnvDuration("SSE_RETRY_DELAY", 5*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 60),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set and sane.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Buffer.WordThreshold <= 0 {
		return fmt.Errorf("BUFFER_WORD_THRESHOLD must be > 0")
	}
	if c.Buffer.MaxChunkAge <= 0 {
		return fmt.Errorf("BUFFER_MAX_CHUNK_AGE must be > 0")
	}
	if c.Agents.Timeout <= 0 {
		return fmt.Errorf("AGENT_TIMEOUT must be > 0")
	}
	if c.Coverage.HighWaterMark <= 0 || c.Coverage.HighWaterMark > 100 {
		return fmt.Errorf("COVERAGE_HIGH_WATER_MARK must be in 1..100")
	}
	if c.Coverage.BrieflyAt < 0 || c.Coverage.BrieflyAt >= c.Coverage.HighWaterMark {
		return fmt.Errorf("COVERAGE_BRIEFLY_AT must be in 0..%d", c.Coverage.HighWaterMark-1)
	}
	if c.Stream.ReplayQueueSize <= 0 {
		return fmt.Errorf("SSE_REPLAY_QUEUE_SIZE must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
