// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Money settings
	Currency    string // Single fixed currency, e.g. "ZAR"
	SeedBalance string // Balance credited to a wallet on first access (decimal string)

	// Escrow settings
	PlatformFeeBps  int64 // Platform fee in basis points (250 = 2.5%)
	EscrowFeeBps    int64 // Escrow service fee in basis points (100 = 1%)
	AutoReleaseDays int64 // Default days before a funded escrow auto-releases

	// Security
	RateLimitRPM int
	AdminSecret  string // Admin API secret

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultCurrency        = "ZAR"
	DefaultSeedBalance     = "1000.00"
	DefaultPlatformFeeBps  = 250
	DefaultEscrowFeeBps    = 100
	DefaultAutoReleaseDays = 7
	DefaultRateLimitRPM    = 300
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:     os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		Currency:        getEnv("CURRENCY", DefaultCurrency),
		SeedBalance:     getEnv("SEED_BALANCE", DefaultSeedBalance),
		PlatformFeeBps:  getEnvInt64("PLATFORM_FEE_BPS", DefaultPlatformFeeBps),
		EscrowFeeBps:    getEnvInt64("ESCROW_FEE_BPS", DefaultEscrowFeeBps),
		AutoReleaseDays: getEnvInt64("AUTO_RELEASE_DAYS", DefaultAutoReleaseDays),
		RateLimitRPM:    int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		AdminSecret:     os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PlatformFeeBps < 0 || c.PlatformFeeBps > 10000 {
		return fmt.Errorf("PLATFORM_FEE_BPS must be between 0 and 10000")
	}
	if c.EscrowFeeBps < 0 || c.EscrowFeeBps > 10000 {
		return fmt.Errorf("ESCROW_FEE_BPS must be between 0 and 10000")
	}
	if c.AutoReleaseDays <= 0 {
		return fmt.Errorf("AUTO_RELEASE_DAYS must be positive")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}
