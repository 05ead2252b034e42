package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the askgate gateway.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Auth      AuthConfig
	Models    ModelConfig
	Loop      LoopConfig
	Plan      PlanConfig
	Retry     RetryConfig
	Breaker   BreakerConfig
	Stream    StreamConfig
	Scope     ScopeConfig
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
	MetricsAddr  string // Prometheus /metrics listener; empty disables it
}

type AuthConfig struct {
	APIKeyHeader string
	APIKeys      []string // accepted keys; empty disables key auth
}

// ModelConfig selects the LLM driver and model used by the loop.
type ModelConfig struct {
	Provider    string // anthropic | openai | ollama
	Model       string
	ScopeModel  string // cheaper model for module-scope narrowing
	Endpoint    string // override base URL (ollama, proxies)
	APIKey      string
	MaxTokens   int
	CallTimeout time.Duration
}

// LoopConfig bounds one orchestration turn.
type LoopConfig struct {
	MaxDepth       int           // recursion guard ceiling
	MaxToolCalls   int           // per-turn tool call budget
	MaxNudges      int           // per-turn nudge budget
	TurnTimeout    time.Duration // wall-clock budget for a whole turn
	MaxResultBytes int           // compactor size bound
	MaxResultRows  int           // compactor array truncation length
}

// PlanConfig bounds what a validated query plan may ask for.
type PlanConfig struct {
	RowLimitCeiling  int
	MaxTimeRangeDays int
	MaxJoins         int // 0 disables drilldowns entirely
}

// RetryConfig bounds the retry policy around external calls.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// BreakerConfig tunes the shared circuit breaker registry.
type BreakerConfig struct {
	Window        int           // rolling sample window size
	MinThroughput int           // samples required before the ratio can trip
	FailureRatio  float64       // open when failures/window exceeds this
	BreakDuration time.Duration // how long an open circuit rejects calls
	HalfOpenMax   int           // trial calls allowed while half-open
}

// StreamConfig tunes the chat stream channel.
type StreamConfig struct {
	Capacity         int
	CoalesceBytes    int
	CoalesceInterval time.Duration
	DropOldestDeltas bool
}

// ScopeConfig tunes the module scope resolver.
type ScopeConfig struct {
	MinConfidence float64
	CallTimeout   time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("ASKGATE_PORT", 8080),
		Version: envStr("ASKGATE_VERSION", "0.4.0"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "askgate"),
			MetricsAddr:  envStr("ASKGATE_METRICS_ADDR", ""),
		},
		Auth: AuthConfig{
			APIKeyHeader: envStr("AUTH_API_KEY_HEADER", "Authorization"),
			APIKeys:      envList("ASKGATE_API_KEYS"),
		},
		Models: ModelConfig{
			Provider:    envStr("ASKGATE_MODEL_PROVIDER", "anthropic"),
			Model:       envStr("ASKGATE_MODEL", "claude-sonnet-4-20250514"),
			ScopeModel:  envStr("ASKGATE_SCOPE_MODEL", "claude-3-5-haiku-20241022"),
			Endpoint:    envStr("ASKGATE_MODEL_ENDPOINT", ""),
			APIKey:      envStr("ASKGATE_MODEL_API_KEY", ""),
			MaxTokens:   envInt("ASKGATE_MODEL_MAX_TOKENS", 4096),
			CallTimeout: envDur("ASKGATE_MODEL_TIMEOUT", 120*time.Second),
		},
		Loop: LoopConfig{
			MaxDepth:       envInt("LOOP_MAX_DEPTH", 8),
			MaxToolCalls:   envInt("LOOP_MAX_TOOL_CALLS", 12),
			MaxNudges:      envInt("LOOP_MAX_NUDGES", 2),
			TurnTimeout:    envDur("LOOP_TURN_TIMEOUT", 3*time.Minute),
			MaxResultBytes: envInt("LOOP_MAX_RESULT_BYTES", 32*1024),
			MaxResultRows:  envInt("LOOP_MAX_RESULT_ROWS", 50),
		},
		Plan: PlanConfig{
			RowLimitCeiling:  envInt("PLAN_ROW_LIMIT", 2000),
			MaxTimeRangeDays: envInt("PLAN_MAX_RANGE_DAYS", 366),
			MaxJoins:         envInt("PLAN_MAX_JOINS", 1),
		},
		Retry: RetryConfig{
			MaxAttempts:  envInt("RETRY_MAX_ATTEMPTS", 3),
			InitialDelay: envDur("RETRY_INITIAL_DELAY", 200*time.Millisecond),
			MaxDelay:     envDur("RETRY_MAX_DELAY", 10*time.Second),
		},
		Breaker: BreakerConfig{
			Window:        envInt("CB_WINDOW", 20),
			MinThroughput: envInt("CB_MIN_THROUGHPUT", 2),
			FailureRatio:  envFloat("CB_FAILURE_RATIO", 0.5),
			BreakDuration: envDur("CB_BREAK_DURATION", 30*time.Second),
			HalfOpenMax:   envInt("CB_HALF_OPEN_MAX", 1),
		},
		Stream: StreamConfig{
			Capacity:         envInt("STREAM_CAPACITY", 64),
			CoalesceBytes:    envInt("STREAM_COALESCE_BYTES", 512),
			CoalesceInterval: envDur("STREAM_COALESCE_INTERVAL", 150*time.Millisecond),
			DropOldestDeltas: envBool("STREAM_DROP_OLDEST_DELTAS", true),
		},
		Scope: ScopeConfig{
			MinConfidence: envFloat("SCOPE_MIN_CONFIDENCE", 0.0),
			CallTimeout:   envDur("SCOPE_CALL_TIMEOUT", 10*time.Second),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
