package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultSecret = "CHANGE_THIS_TO_A_STRONG_RANDOM_SECRET_MINIMUM_32_CHARS"

// Config holds all configuration for the chat server.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	SQLitePath  string
	RedisURL    string

	// JWT validation. Issuance happens elsewhere; we only need the secrets.
	JWTSecretCurrent  string
	JWTSecretPrevious string
	UseRotatedJWT     bool
	JWTClockTolerance time.Duration

	CORSOrigins []string

	// raw values kept so Validate can report them
	rawTolerance string
}

// Load reads configuration from environment variables.
// A .env file in the working directory is loaded first if present.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		Env:               getEnv("ENV", "development"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		SQLitePath:        getEnv("SQLITE_PATH", "./data/roomchat.db"),
		RedisURL:          os.Getenv("REDIS_URL"),
		JWTSecretCurrent:  os.Getenv("JWT_SECRET_CURRENT"),
		JWTSecretPrevious: os.Getenv("JWT_SECRET_PREVIOUS"),
		UseRotatedJWT:     getEnv("USE_ROTATED_JWT", "false") == "true",
		rawTolerance:      getEnv("JWT_CLOCK_TOLERANCE", "60"),
	}

	// Legacy single-secret deployments
	if cfg.JWTSecretCurrent == "" {
		cfg.JWTSecretCurrent = os.Getenv("JWT_SECRET")
	}

	if secs, err := strconv.Atoi(cfg.rawTolerance); err == nil && secs >= 0 {
		cfg.JWTClockTolerance = time.Duration(secs) * time.Second
	}

	for _, origin := range strings.Split(os.Getenv("CORS_ORIGIN"), ",") {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, origin)
		}
	}

	return cfg
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	switch {
	case c.JWTSecretCurrent == "":
		errs = append(errs, errors.New("JWT_SECRET_CURRENT or JWT_SECRET is required"))
	case c.JWTSecretCurrent == defaultSecret:
		errs = append(errs, errors.New("JWT secret must be changed from default value"))
	case len(c.JWTSecretCurrent) < 32:
		errs = append(errs, errors.New("JWT secret must be at least 32 characters"))
	}

	if c.UseRotatedJWT && c.JWTSecretPrevious == "" {
		errs = append(errs, errors.New("USE_ROTATED_JWT requires JWT_SECRET_PREVIOUS"))
	}

	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be a valid port number (1-65535), got %q", c.Port))
	}

	if secs, err := strconv.Atoi(c.rawTolerance); c.rawTolerance != "" && (err != nil || secs < 0) {
		errs = append(errs, fmt.Errorf("JWT_CLOCK_TOLERANCE must be a non-negative number, got %q", c.rawTolerance))
	}

	if c.IsProduction() {
		for _, origin := range c.CORSOrigins {
			if origin == "*" {
				errs = append(errs, errors.New(`CORS_ORIGIN cannot be "*" in production`))
			}
		}
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required in production"))
		}
	}

	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + c.Port
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
