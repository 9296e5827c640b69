// Package config provides configuration management functionality.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	Port         string
	DatabasePath string
	JWTSecret    string
	DevMode      bool

	// Initial vault parameters, decimal wad strings.
	SeniorTrancheRate   string
	ReserveRatio        string
	MinimumDiscountRate string
	MinimumLoanDuration time.Duration
}

// Load reads configuration from environment variables
func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	return &Config{
		Port:                getEnv("PORT", "8080"),
		DatabasePath:        getEnv("DATABASE_PATH", "vault.db"),
		JWTSecret:           getEnv("JWT_SECRET", "vault-secret-key"),
		DevMode:             getEnvAsBool("DEV_MODE", os.Getenv("ENV") != "production"),
		SeniorTrancheRate:   getEnv("SENIOR_TRANCHE_RATE", "0.05"),
		ReserveRatio:        getEnv("RESERVE_RATIO", "0.10"),
		MinimumDiscountRate: getEnv("MINIMUM_DISCOUNT_RATE", "0"),
		MinimumLoanDuration: getEnvAsDuration("MINIMUM_LOAN_DURATION", 0),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}
