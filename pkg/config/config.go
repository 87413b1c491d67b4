package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port              string
	LogLevel          string
	DatabasePath      string
	KeystorePath      string
	RedisAddr         string
	ScoringProvider   string
	PolicyBundlePath  string
	HandshakeTimeout  time.Duration
	RateLimitCap      int
	RateLimitRefill   float64
	RateLimitLowWater float64
	OTLPEndpoint      string
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("TRUSTPLANE_PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("TRUSTPLANE_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbPath := os.Getenv("TRUSTPLANE_DB_PATH")
	if dbPath == "" {
		dbPath = "trustplane.db"
	}

	keystorePath := os.Getenv("TRUSTPLANE_KEYSTORE_PATH")
	if keystorePath == "" {
		keystorePath = "keystore.json"
	}

	provider := os.Getenv("TRUSTPLANE_SCORING_PROVIDER")
	if provider == "" {
		provider = "full"
	}

	timeout := 30 * time.Second
	if raw := os.Getenv("TRUSTPLANE_HANDSHAKE_TIMEOUT_SECONDS"); raw != "" {
		if secs, err := strconv.ParseFloat(raw, 64); err == nil && secs > 0 {
			timeout = time.Duration(secs * float64(time.Second))
		}
	}

	return &Config{
		Port:              port,
		LogLevel:          logLevel,
		DatabasePath:      dbPath,
		KeystorePath:      keystorePath,
		RedisAddr:         os.Getenv("TRUSTPLANE_REDIS_ADDR"),
		ScoringProvider:   provider,
		PolicyBundlePath:  os.Getenv("TRUSTPLANE_POLICY_BUNDLE"),
		HandshakeTimeout:  timeout,
		RateLimitCap:      intEnv("TRUSTPLANE_RATELIMIT_CAPACITY", 20),
		RateLimitRefill:   floatEnv("TRUSTPLANE_RATELIMIT_REFILL_PER_SEC", 1),
		RateLimitLowWater: floatEnv("TRUSTPLANE_RATELIMIT_LOW_WATER", 5),
		OTLPEndpoint:      os.Getenv("TRUSTPLANE_OTLP_ENDPOINT"),
	}
}

func intEnv(key string, fallback int) int {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return fallback
}

func floatEnv(key string, fallback float64) float64 {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
			return v
		}
	}
	return fallback
}
