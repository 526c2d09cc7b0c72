// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

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

	// Blockchain settings
	RPCURL             string
	ChainID            int64
	PlatformPrivateKey string // Hex-encoded platform key used to sign refunds (0x prefix optional)
	EscrowContract     string // Deployed escrow contract address (0x...)
	TokenContract      string // USDC token contract the agent must approve (0x...)

	// Card issuer settings
	IssuerAPIKey        string // Stripe secret key for Issuing
	IssuerCardholder    string // Issuing cardholder ID cards are created under
	IssuerWebhookSecret string // HMAC secret for settlement webhooks (empty disables verification)

	// Security
	APIKey       string // Static shared secret for mutating endpoints
	RateLimitRPM int

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (empty disables)
}

const (
	DefaultPort      = "8080"
	DefaultEnv       = "development"
	DefaultLogLevel  = "info"
	DefaultRPCURL    = "https://arbitrum-sepolia-testnet.api.pocket.network"
	DefaultChainID   = 421614 // Arbitrum Sepolia
	DefaultRateLimit = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:              getEnv("RPC_URL", DefaultRPCURL),
		ChainID:             getEnvInt64("CHAIN_ID", DefaultChainID),
		PlatformPrivateKey:  os.Getenv("PLATFORM_PRIVATE_KEY"), // Optional, refunds disabled if not set
		EscrowContract:      os.Getenv("ESCROW_CONTRACT"),
		TokenContract:       os.Getenv("TOKEN_CONTRACT"),
		IssuerAPIKey:        os.Getenv("ISSUER_API_KEY"),
		IssuerCardholder:    os.Getenv("ISSUER_CARDHOLDER"),
		IssuerWebhookSecret: os.Getenv("ISSUER_WEBHOOK_SECRET"),
		APIKey:              os.Getenv("API_KEY"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("API_KEY is required")
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	// Platform key is optional, but if set it must be well-formed.
	if c.PlatformPrivateKey != "" {
		key := strings.TrimPrefix(c.PlatformPrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("PLATFORM_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}

	if c.EscrowContract != "" && !isHexAddress(c.EscrowContract) {
		return fmt.Errorf("ESCROW_CONTRACT must be a 0x-prefixed 40-hex-char address")
	}
	if c.TokenContract != "" && !isHexAddress(c.TokenContract) {
		return fmt.Errorf("TOKEN_CONTRACT must be a 0x-prefixed 40-hex-char address")
	}

	return nil
}

// ContractsConfigured reports whether both on-chain contract addresses are set.
// Payment initiation refuses to hand out deposit instructions without them.
func (c *Config) ContractsConfigured() bool {
	return c.EscrowContract != "" && c.TokenContract != ""
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

func isHexAddress(s string) bool {
	if len(s) != 42 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, r := range s[2:] {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
