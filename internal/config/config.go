package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the OmniBridge daemon.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	LM        LMConfig
	Loop      LoopConfig
	Registry  RegistryConfig
}

type DatabaseConfig struct {
	// URL is the persistence endpoint for audit records. Empty selects the
	// in-memory store (dev, tests).
	URL            string
	MaxConnections int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// LMConfig configures the upstream language model provider.
type LMConfig struct {
	APIKey    string
	Endpoint  string
	Model     string
	MaxTokens int

	// Per-million-token USD prices used for cost estimates.
	PriceInput  float64
	PriceOutput float64
	PriceCached float64
}

// LoopConfig bounds the agentic loop and its caches.
type LoopConfig struct {
	MaxIterations      int
	RequestTimeout     time.Duration
	ThreadMaxMessages  int
	ThreadTTL          time.Duration
	ToolCacheTTL       time.Duration
	PermissionCacheTTL time.Duration
	AuditQueueSize     int
}

// RegistryConfig points at the two reloadable registry files.
type RegistryConfig struct {
	MCPPath  string
	UserPath string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("OMNIBRIDGE_PORT", 8000),
		Version: envStr("OMNIBRIDGE_VERSION", "0.4.0"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 10),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "omnibridge"),
		},
		LM: LMConfig{
			APIKey:      envStr("ANTHROPIC_API_KEY", ""),
			Endpoint:    envStr("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
			Model:       envStr("ANTHROPIC_MODEL", "claude-3-5-haiku-20241022"),
			MaxTokens:   envInt("OMNIBRIDGE_MAX_TOKENS", 4096),
			PriceInput:  envFloat("OMNIBRIDGE_PRICE_INPUT", 0.80),
			PriceOutput: envFloat("OMNIBRIDGE_PRICE_OUTPUT", 4.00),
			PriceCached: envFloat("OMNIBRIDGE_PRICE_CACHED", 0.08),
		},
		Loop: LoopConfig{
			MaxIterations:      envInt("OMNIBRIDGE_MAX_ITERATIONS", 10),
			RequestTimeout:     envDuration("OMNIBRIDGE_REQUEST_TIMEOUT", 120*time.Second),
			ThreadMaxMessages:  envInt("OMNIBRIDGE_THREAD_MAX_MESSAGES", 3),
			ThreadTTL:          envDuration("OMNIBRIDGE_THREAD_TTL", 24*time.Hour),
			ToolCacheTTL:       envDuration("OMNIBRIDGE_TOOL_CACHE_TTL", 5*time.Minute),
			PermissionCacheTTL: envDuration("OMNIBRIDGE_PERMISSION_CACHE_TTL", 5*time.Minute),
			AuditQueueSize:     envInt("OMNIBRIDGE_AUDIT_QUEUE", 256),
		},
		Registry: RegistryConfig{
			MCPPath:  envStr("OMNIBRIDGE_MCP_REGISTRY", "config/mcps.yaml"),
			UserPath: envStr("OMNIBRIDGE_USER_REGISTRY", "config/users.yaml"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
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

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
