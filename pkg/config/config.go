// Package config handles application configuration loading from environment variables.
//
// Configuration follows the same patterns as other Open Cloud Ops modules,
// using VANGUARD_* prefixed environment variables with sensible defaults for
// local development. Database and Redis configuration uses the shared
// POSTGRES_* and REDIS_* prefixes. A .env file in the working directory is
// loaded first when present.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all configuration values for the Vanguard Remediation Engine.
type Config struct {
	// Port is the HTTP port the API server listens on.
	Port string

	// LogLevel controls the verbosity of log output (debug, info, warn, error).
	LogLevel string

	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string

	// RedisURL is the Redis connection address.
	RedisURL string

	// SimulatedPlatforms runs all platform adapters in simulated mode.
	// Useful for local development without real infrastructure.
	SimulatedPlatforms bool

	// SnapshotTTLHours is how long a pre-rollout snapshot stays usable
	// for rollback before it is marked expired.
	SnapshotTTLHours int

	// MaxPlanDurationMin is the default execution ceiling for a deployment
	// plan. Exceeding it aborts the current stage and triggers rollback.
	MaxPlanDurationMin int

	// BusinessHoursStart and BusinessHoursEnd bound the cautious deployment
	// window (24h clock, inclusive start, exclusive end).
	BusinessHoursStart int
	BusinessHoursEnd   int

	// BusinessDays lists the weekdays considered business days
	// (0=Sunday .. 6=Saturday).
	BusinessDays []int

	// AllowedOrigins defines the CORS allowed origins for the API.
	AllowedOrigins []string
}

// Load reads configuration from environment variables and returns a Config.
// A .env file is loaded first if present; real environment variables win.
func Load() (*Config, error) {
	// Missing .env is the normal case in production.
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.Port = getEnvOrDefault("VANGUARD_PORT", "8083")
	cfg.LogLevel = getEnvOrDefault("VANGUARD_LOG_LEVEL", "info")
	cfg.SimulatedPlatforms = getEnvOrDefault("VANGUARD_SIMULATED_PLATFORMS", "false") == "true"

	var err error
	if cfg.SnapshotTTLHours, err = getEnvInt("VANGUARD_SNAPSHOT_TTL_HOURS", 24); err != nil {
		return nil, err
	}
	if cfg.MaxPlanDurationMin, err = getEnvInt("VANGUARD_MAX_PLAN_DURATION_MIN", 120); err != nil {
		return nil, err
	}
	if cfg.BusinessHoursStart, err = getEnvInt("VANGUARD_BUSINESS_HOURS_START", 9); err != nil {
		return nil, err
	}
	if cfg.BusinessHoursEnd, err = getEnvInt("VANGUARD_BUSINESS_HOURS_END", 17); err != nil {
		return nil, err
	}

	daysStr := getEnvOrDefault("VANGUARD_BUSINESS_DAYS", "1,2,3,4,5")
	for _, d := range strings.Split(daysStr, ",") {
		day, convErr := strconv.Atoi(strings.TrimSpace(d))
		if convErr != nil || day < 0 || day > 6 {
			return nil, fmt.Errorf("config: invalid VANGUARD_BUSINESS_DAYS entry %q", d)
		}
		cfg.BusinessDays = append(cfg.BusinessDays, day)
	}

	// Build PostgreSQL connection URL from individual components
	pgHost := getEnvOrDefault("POSTGRES_HOST", "localhost")
	pgPort := getEnvOrDefault("POSTGRES_PORT", "5432")
	pgDB := getEnvOrDefault("POSTGRES_DB", "vanguard")
	pgUser := getEnvOrDefault("POSTGRES_USER", "vanguard")
	pgPassword := os.Getenv("POSTGRES_PASSWORD")
	pgSSLMode := getEnvOrDefault("POSTGRES_SSLMODE", "require")

	// Use url.UserPassword to properly percent-encode credentials that may
	// contain reserved URI characters (@, :, /, etc.).
	dsn := &url.URL{
		Scheme:   "postgres",
		Host:     fmt.Sprintf("%s:%s", pgHost, pgPort),
		Path:     pgDB,
		RawQuery: fmt.Sprintf("sslmode=%s", pgSSLMode),
	}
	if pgPassword == "" {
		dsn.User = url.User(pgUser)
	} else {
		dsn.User = url.UserPassword(pgUser, pgPassword)
	}
	cfg.DatabaseURL = dsn.String()

	// Allow overriding with a full DATABASE_URL if provided
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.DatabaseURL = dbURL
	}

	// Build Redis URL
	redisHost := getEnvOrDefault("REDIS_HOST", "localhost")
	redisPort := getEnvOrDefault("REDIS_PORT", "6379")
	cfg.RedisURL = fmt.Sprintf("%s:%s", redisHost, redisPort)

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.RedisURL = redisURL
	}

	// CORS allowed origins
	originsStr := getEnvOrDefault("VANGUARD_ALLOWED_ORIGINS", "http://localhost:3000")
	cfg.AllowedOrigins = strings.Split(originsStr, ",")
	for i, origin := range cfg.AllowedOrigins {
		cfg.AllowedOrigins[i] = strings.TrimSpace(origin)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set and valid.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("config: VANGUARD_PORT is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: database URL could not be constructed")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("config: Redis URL could not be constructed")
	}
	if c.SnapshotTTLHours <= 0 {
		return fmt.Errorf("config: VANGUARD_SNAPSHOT_TTL_HOURS must be positive")
	}
	if c.MaxPlanDurationMin <= 0 {
		return fmt.Errorf("config: VANGUARD_MAX_PLAN_DURATION_MIN must be positive")
	}
	if c.BusinessHoursStart < 0 || c.BusinessHoursStart > 23 ||
		c.BusinessHoursEnd < 0 || c.BusinessHoursEnd > 24 ||
		c.BusinessHoursStart >= c.BusinessHoursEnd {
		return fmt.Errorf("config: business hours window %d-%d is invalid", c.BusinessHoursStart, c.BusinessHoursEnd)
	}
	if len(c.BusinessDays) == 0 {
		return fmt.Errorf("config: VANGUARD_BUSINESS_DAYS must list at least one day")
	}
	return nil
}

// getEnvOrDefault returns the value of the environment variable named by key,
// or the defaultValue if the variable is not set or empty.
func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

// getEnvInt parses an integer environment variable with a default.
func getEnvInt(key string, defaultValue int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s value %q: %w", key, val, err)
	}
	return n, nil
}
