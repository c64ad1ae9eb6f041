package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds runtime configuration.
type Config struct {
	CapsuleRoot      string
	LogLevel         string
	BreakerThreshold int
	BreakerCooldown  time.Duration
	RateLimit        float64
	RateBurst        int
	AuditSecret      string
	OTLPEndpoint     string
	OTelEnabled      bool
}

// Load loads configuration from environment variables. Malformed
// numeric values fall back to the default rather than aborting boot.
func Load() *Config {
	root := os.Getenv("CAPSULE_ROOT")
	if root == "" {
		root = "./capsules"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	threshold := intEnv("CAPSULE_BREAKER_THRESHOLD", 5)

	cooldown := 5 * time.Minute
	if raw := os.Getenv("CAPSULE_BREAKER_COOLDOWN"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cooldown = d
		}
	}

	rateLimit := 0.0
	if raw := os.Getenv("CAPSULE_RATE_LIMIT"); raw != "" {
		if f, err := strconv.ParseFloat(raw, 64); err == nil && f > 0 {
			rateLimit = f
		}
	}

	otlp := os.Getenv("OTLP_ENDPOINT")
	if otlp == "" {
		otlp = "localhost:4317"
	}

	return &Config{
		CapsuleRoot:      root,
		LogLevel:         logLevel,
		BreakerThreshold: threshold,
		BreakerCooldown:  cooldown,
		RateLimit:        rateLimit,
		RateBurst:        intEnv("CAPSULE_RATE_BURST", 1),
		AuditSecret:      os.Getenv("CAPSULE_AUDIT_SECRET"),
		OTLPEndpoint:     otlp,
		OTelEnabled:      os.Getenv("OTEL_ENABLED") == "true",
	}
}

func intEnv(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
