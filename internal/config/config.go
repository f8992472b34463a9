// Package config loads server configuration from environment variables.
//
// Required variables:
//   - DATABASE_URL: PostgreSQL connection string.
//
// Optional variables:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - LOG_LEVEL: TRACE, DEBUG, INFO, WARN, ERROR or FATAL (default "info").
//   - ERROR_SAMPLE_RATE: log 1 of every N warnings and errors (default "1").
//   - OTEL_ENABLED: "true" sends logs through the OpenTelemetry bridge.
//   - OTEL_SERVICE_NAME: service name for logs and traces (default "socialrules").
//   - RULES_FILE: YAML or JSON rule document loaded next to stored rules.
//   - THX_POOL_ADDRESS: token reward pool address.
//   - THX_API_URL: reward API endpoint (default: the THX wallet rewards API).
//   - SMTP_ADDR: host:port of the mail relay; mail is disabled when unset.
//   - SMTP_FROM: sender address, required when SMTP_ADDR is set.
//   - SMTP_USERNAME, SMTP_PASSWORD: PLAIN auth credentials.
//   - ACTION_TIMEOUT: deadline for a single action (default "30s", "0s" disables).
//   - COUNT_CACHE_TTL: content count cache lifetime (default "0s" = no cache).
//   - SHUTDOWN_TIMEOUT: graceful shutdown deadline (default "15s", must be > 0).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr              = ":8080"
	defaultServiceName           = "socialrules"
	defaultRewardAPI             = "https://us-central1-thx-wallet-dev.cloudfunctions.net/api/rewards"
	defaultActionTimeout         = 30 * time.Second
	defaultShutdownTimeout       = 15 * time.Second
	defaultMaxJSONBodySize int64 = 1 << 20 // 1MB
)

// Config holds the runtime configuration for the rules server.
type Config struct {
	DatabaseURL     string
	HTTPAddr        string
	LogLevel        string
	ErrorSampleRate int
	OTELEnabled     bool
	ServiceName     string
	RulesFile       string
	PoolAddress     string
	RewardAPIURL    string
	SMTP            SMTP
	ActionTimeout   time.Duration
	CountCacheTTL   time.Duration
	ShutdownTimeout time.Duration
	MaxJSONBodySize int64
}

// SMTP holds mail relay settings. Enabled reports whether a relay is configured.
type SMTP struct {
	Addr     string
	From     string
	Username string
	Password string
}

// Enabled reports whether mail delivery is configured
func (s SMTP) Enabled() bool { return s.Addr != "" }

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// optional values fail validation.
func Load() (Config, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	sampleRate := 1
	if v := strings.TrimSpace(os.Getenv("ERROR_SAMPLE_RATE")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, errors.New("ERROR_SAMPLE_RATE must be a positive integer")
		}
		sampleRate = n
	}

	actionTimeout, err := durationFromEnv("ACTION_TIMEOUT", defaultActionTimeout, true)
	if err != nil {
		return Config{}, err
	}
	countCacheTTL, err := durationFromEnv("COUNT_CACHE_TTL", 0, true)
	if err != nil {
		return Config{}, err
	}
	shutdownTimeout, err := durationFromEnv("SHUTDOWN_TIMEOUT", defaultShutdownTimeout, false)
	if err != nil {
		return Config{}, err
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	smtp := SMTP{
		Addr:     strings.TrimSpace(os.Getenv("SMTP_ADDR")),
		From:     strings.TrimSpace(os.Getenv("SMTP_FROM")),
		Username: strings.TrimSpace(os.Getenv("SMTP_USERNAME")),
		Password: os.Getenv("SMTP_PASSWORD"),
	}
	if smtp.Enabled() && smtp.From == "" {
		return Config{}, errors.New("SMTP_FROM is required when SMTP_ADDR is set")
	}
	if smtp.Username != "" && smtp.Password == "" {
		return Config{}, errors.New("SMTP_PASSWORD is required when SMTP_USERNAME is set")
	}

	return Config{
		DatabaseURL:     databaseURL,
		HTTPAddr:        envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		ErrorSampleRate: sampleRate,
		OTELEnabled:     strings.EqualFold(strings.TrimSpace(os.Getenv("OTEL_ENABLED")), "true"),
		ServiceName:     envOrDefault("OTEL_SERVICE_NAME", defaultServiceName),
		RulesFile:       strings.TrimSpace(os.Getenv("RULES_FILE")),
		PoolAddress:     strings.TrimSpace(os.Getenv("THX_POOL_ADDRESS")),
		RewardAPIURL:    envOrDefault("THX_API_URL", defaultRewardAPI),
		SMTP:            smtp,
		ActionTimeout:   actionTimeout,
		CountCacheTTL:   countCacheTTL,
		ShutdownTimeout: shutdownTimeout,
		MaxJSONBodySize: maxJSONBodySize,
	}, nil
}

// durationFromEnv parses key as a time.Duration. Zero is accepted only when allowZero.
func durationFromEnv(key string, fallback time.Duration, allowZero bool) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed < 0 {
		return 0, fmt.Errorf("%s must be >= 0", key)
	}
	if parsed == 0 && !allowZero {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
