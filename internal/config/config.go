// Package config provides configuration loading and management for the application.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds all application configuration
type Config struct {
	// HTTP server port
	Port string

	// Base URLs for the data providers
	BullxURL       string
	GmgnURL        string
	DexscreenerURL string

	// Discovery endpoint for trending tokens
	DiscoveryURL string

	// API keys / header blobs per provider
	APIKeys map[string]string

	// Worker pool size for token processing
	MaxConcurrency int

	// Daily schedule in "HH:MM" UTC; empty disables the scheduler
	ScheduleCron string

	// Per-source fetch settings
	PerSourceTimeout time.Duration
	PerSourceRetries int
	SourceRateLimit  float64

	// Verdict thresholds: score < Reject -> reject, < Flag -> flag, else pass
	RiskFlagThreshold   float64
	RiskRejectThreshold float64

	// Optional YAML rule file overriding the built-in rule set
	RulesFile string

	// Postgres DSN; empty selects the in-memory store
	DatabaseURL string

	// Redis address for the source result cache; empty disables caching
	RedisAddr string
	CacheTTL  time.Duration

	// Webhook endpoint for evaluation export; empty disables export
	WebhookURL string

	// OpenTelemetry endpoint for observability
	OtelEndpoint string
}

// Load creates a new Config from the environment, reading a local .env file
// first when present.
func Load() Config {
	if err := godotenv.Load(); err == nil {
		logrus.Debug("Loaded configuration from .env")
	}

	apiKeys := map[string]string{}
	for _, provider := range []string{"bullx", "gmgn", "dexscreener"} {
		key := strings.ToUpper(provider) + "_API_KEY"
		if v := os.Getenv(key); v != "" {
			apiKeys[provider] = v
		}
	}

	return Config{
		Port:                GetEnvOrDefault("PORT", "8080"),
		BullxURL:            GetEnvOrDefault("BULLX_URL", "https://api-neo.bullx.io/v2/api"),
		GmgnURL:             GetEnvOrDefault("GMGN_URL", "https://gmgn.ai"),
		DexscreenerURL:      GetEnvOrDefault("DEXSCREENER_URL", "https://api.dexscreener.com"),
		DiscoveryURL:        GetEnvOrDefault("DISCOVERY_URL", "https://www.defined.fi/api"),
		APIKeys:             apiKeys,
		MaxConcurrency:      GetEnvAsInt("MAX_CONCURRENCY", 7),
		ScheduleCron:        GetEnvOrDefault("SCHEDULE_CRON", "03:00"),
		PerSourceTimeout:    GetEnvAsDuration("PER_SOURCE_TIMEOUT", 20*time.Second),
		PerSourceRetries:    GetEnvAsInt("PER_SOURCE_RETRIES", 3),
		SourceRateLimit:     GetEnvAsFloat("SOURCE_RATE_LIMIT", 4.0),
		RiskFlagThreshold:   GetEnvAsFloat("RISK_FLAG_THRESHOLD", 20.0),
		RiskRejectThreshold: GetEnvAsFloat("RISK_REJECT_THRESHOLD", 0.0),
		RulesFile:           GetEnvOrDefault("RULES_FILE", ""),
		DatabaseURL:         GetEnvOrDefault("DATABASE_URL", ""),
		RedisAddr:           GetEnvOrDefault("REDIS_ADDR", ""),
		CacheTTL:            GetEnvAsDuration("CACHE_TTL", 10*time.Minute),
		WebhookURL:          GetEnvOrDefault("WEBHOOK_URL", ""),
		OtelEndpoint:        GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}

// ParseDailySchedule parses a "HH:MM" daily schedule specification.
func ParseDailySchedule(spec string) (hour, minute int, err error) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid schedule %q: want HH:MM", spec)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid schedule hour in %q", spec)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid schedule minute in %q", spec)
	}
	return hour, minute, nil
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
