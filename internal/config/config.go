// Package config loads facilitator configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all facilitator configuration
type Config struct {
	// PrivateKey is the facilitator's hex-encoded signing key (0x-prefixed)
	PrivateKey string

	// RPCURL is the EVM JSON-RPC endpoint
	RPCURL string

	// Network is the CAIP-2 network the facilitator settles on
	Network string

	// Port is the HTTP listen port
	Port string

	// DatabaseURL enables the payment audit store when set
	DatabaseURL string

	// ReadTimeout and WriteTimeout bound HTTP request handling
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		PrivateKey:   getEnv("FACILITATOR_PRIVATE_KEY", ""),
		RPCURL:       getEnv("RPC_URL", "https://sepolia.base.org"),
		Network:      getEnv("NETWORK", "eip155:84532"),
		Port:         getEnv("PORT", "4402"),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		ReadTimeout:  getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout: getDuration("WRITE_TIMEOUT", 120*time.Second),
	}
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	var errs []string

	if c.PrivateKey == "" {
		errs = append(errs, "FACILITATOR_PRIVATE_KEY is required")
	} else if !strings.HasPrefix(c.PrivateKey, "0x") {
		errs = append(errs, "FACILITATOR_PRIVATE_KEY must be 0x-prefixed")
	}

	if c.RPCURL == "" {
		errs = append(errs, "RPC_URL must not be empty")
	}

	if !strings.Contains(c.Network, ":") {
		errs = append(errs, fmt.Sprintf("NETWORK %q is not a CAIP-2 identifier", c.Network))
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		errs = append(errs, fmt.Sprintf("PORT %q is not a number", c.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

// HasAuditStore reports whether a database is configured
func (c *Config) HasAuditStore() bool {
	return c.DatabaseURL != ""
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
