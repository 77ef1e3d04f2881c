// Package config reads the gateway's runtime settings from environment
// variables and validates them at startup. Missing or malformed required
// values are fatal then, never retried.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"os"
	"strings"
)

const (
	envPrivateKey = "PROXYHUB_PRIVATE_KEY"
	envNetwork    = "PROXYHUB_NETWORK"
	envRPCURL     = "PROXYHUB_RPC_URL"
	envAPIURL     = "PROXYHUB_API_URL"
	envCachePath  = "PROXYHUB_CACHE_PATH"
	envMaxPayment = "PROXYHUB_MAX_PAYMENT"
	envAPIKey     = "PROXYHUB_API_KEY"
	envJWT        = "PROXYHUB_JWT"
	envLogLevel   = "LOG_LEVEL"
	envTransport  = "MCP_TRANSPORT"
	envPort       = "PORT"

	defaultNetwork   = "base"
	defaultLogLevel  = "info"
	defaultTransport = "stdio"
	defaultPort      = "4021"
)

// Config captures everything the composition root needs to wire the
// wallet, cache, clients and tool layer.
type Config struct {
	PrivateKey string
	Network    string
	RPCURL     string
	APIBaseURL string
	CachePath  string
	// MaxPayment caps a single purchase in minor units; nil means no cap.
	MaxPayment *big.Int
	// APIKey/JWT enable the account-mode tools; either alone suffices.
	APIKey string
	JWT    string

	LogLevel  string
	Transport string
	Port      string
}

// AccountMode reports whether account-mode credentials are configured.
func (c Config) AccountMode() bool {
	return c.APIKey != "" || c.JWT != ""
}

// Load reads and validates the environment.
func Load() (Config, error) {
	cfg := Config{
		PrivateKey: strings.TrimSpace(os.Getenv(envPrivateKey)),
		Network:    strings.TrimSpace(os.Getenv(envNetwork)),
		RPCURL:     strings.TrimSpace(os.Getenv(envRPCURL)),
		APIBaseURL: strings.TrimSpace(os.Getenv(envAPIURL)),
		CachePath:  strings.TrimSpace(os.Getenv(envCachePath)),
		APIKey:     strings.TrimSpace(os.Getenv(envAPIKey)),
		JWT:        strings.TrimSpace(os.Getenv(envJWT)),
		LogLevel:   strings.TrimSpace(os.Getenv(envLogLevel)),
		Transport:  strings.TrimSpace(os.Getenv(envTransport)),
		Port:       strings.TrimSpace(os.Getenv(envPort)),
	}

	if cfg.PrivateKey == "" {
		return Config{}, errors.New(envPrivateKey + " is required")
	}
	if cfg.APIBaseURL == "" {
		return Config{}, errors.New(envAPIURL + " is required")
	}
	parsed, err := url.Parse(cfg.APIBaseURL)
	if err != nil || !parsed.IsAbs() {
		return Config{}, fmt.Errorf("%s must be an absolute URL (scheme://host)", envAPIURL)
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")

	if cfg.Network == "" {
		cfg.Network = defaultNetwork
	}

	if raw := strings.TrimSpace(os.Getenv(envMaxPayment)); raw != "" {
		max, ok := new(big.Int).SetString(raw, 10)
		if !ok || max.Sign() <= 0 {
			return Config{}, fmt.Errorf("%s must be a positive integer of minor units, got %q", envMaxPayment, raw)
		}
		cfg.MaxPayment = max
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.Transport == "" {
		cfg.Transport = defaultTransport
	}
	if cfg.Transport != "stdio" && cfg.Transport != "sse" {
		return Config{}, fmt.Errorf("%s must be stdio or sse, got %q", envTransport, cfg.Transport)
	}
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}

	return cfg, nil
}
