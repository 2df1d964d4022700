// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Transfer backends.
const (
	TransferMemory = "memory" // in-process balance book, development only
	TransferERC20  = "erc20"  // on-chain token moved by the custody key
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage. Both optional: without DATABASE_URL orders, events and the fee
	// policy live in memory; REDIS_URL moves the nonce registry to Redis.
	DatabaseURL string
	RedisURL    string

	// Escrow policy
	IssuerAddress string // trusted issuer, also the admin
	FeeBps        int
	FeeCollector  string

	// Asset
	TransferBackend     string
	TokenContract       string
	TokenDecimals       int
	RPCURL              string
	ChainID             int64
	CustodyPrivateKey   string // erc20 backend: hex, with or without 0x
	CustodyAddress      string // memory backend only
	ConfirmationTimeout time.Duration

	// Request authentication and throttling
	AuthMaxSkew     time.Duration
	RateLimitPerMin int
	EnableDevFaucet bool

	// Webhook delivery. Private targets are refused unless allowed, which is
	// only permitted outside production.
	WebhookWorkers      int
	WebhookAllowPrivate bool

	// Custody solvency check period; 0 disables the background loop.
	ReconcileInterval time.Duration

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultTokenDecimals   = 6
	DefaultRPCURL          = "https://sepolia.base.org"
	DefaultChainID         = 84532                                        // Base Sepolia
	DefaultTokenContract   = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultCustodyAddress  = "0x000000000000000000000000000000000000c057"
	DefaultAuthMaxSkew     = 5 * time.Minute
	DefaultRateLimitPerMin = 120
	DefaultWebhookWorkers  = 4
	DefaultReconcileEvery  = 5 * time.Minute
	MaxFeeBps              = 1000
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	p := &parser{}
	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		IssuerAddress:       os.Getenv("ISSUER_ADDRESS"),
		FeeBps:              p.int("FEE_BPS", 0),
		FeeCollector:        os.Getenv("FEE_COLLECTOR"),
		TransferBackend:     getEnv("TRANSFER_BACKEND", TransferMemory),
		TokenContract:       getEnv("TOKEN_CONTRACT", DefaultTokenContract),
		TokenDecimals:       p.int("TOKEN_DECIMALS", DefaultTokenDecimals),
		RPCURL:              getEnv("RPC_URL", DefaultRPCURL),
		ChainID:             int64(p.int("CHAIN_ID", DefaultChainID)),
		CustodyPrivateKey:   os.Getenv("CUSTODY_PRIVATE_KEY"),
		CustodyAddress:      getEnv("CUSTODY_ADDRESS", DefaultCustodyAddress),
		ConfirmationTimeout: p.duration("CONFIRMATION_TIMEOUT", 0),
		AuthMaxSkew:         p.duration("AUTH_MAX_SKEW", DefaultAuthMaxSkew),
		RateLimitPerMin:     p.int("RATE_LIMIT_PER_MIN", DefaultRateLimitPerMin),
		EnableDevFaucet:     p.bool("ENABLE_DEV_FAUCET", false),
		WebhookWorkers:      p.int("WEBHOOK_WORKERS", DefaultWebhookWorkers),
		WebhookAllowPrivate: p.bool("WEBHOOK_ALLOW_PRIVATE", false),
		ReconcileInterval:   p.duration("RECONCILE_INTERVAL", DefaultReconcileEvery),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	if err := p.err(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and consistent.
func (c *Config) Validate() error {
	var errs []error

	if !isNonZeroAddress(c.IssuerAddress) {
		errs = append(errs, errors.New("ISSUER_ADDRESS must be a non-zero Ethereum address"))
	}
	if !isNonZeroAddress(c.FeeCollector) {
		errs = append(errs, errors.New("FEE_COLLECTOR must be a non-zero Ethereum address"))
	}
	if c.FeeBps < 0 || c.FeeBps > MaxFeeBps {
		errs = append(errs, fmt.Errorf("FEE_BPS must be between 0 and %d", MaxFeeBps))
	}
	if c.TokenDecimals < 0 || c.TokenDecimals > 36 {
		errs = append(errs, errors.New("TOKEN_DECIMALS must be between 0 and 36"))
	}

	switch c.TransferBackend {
	case TransferMemory:
		if c.IsProduction() {
			errs = append(errs, errors.New("TRANSFER_BACKEND=memory is not allowed in production"))
		}
		if !isNonZeroAddress(c.CustodyAddress) {
			errs = append(errs, errors.New("CUSTODY_ADDRESS must be a non-zero Ethereum address"))
		}
	case TransferERC20:
		key := strings.TrimPrefix(c.CustodyPrivateKey, "0x")
		if key == "" {
			errs = append(errs, errors.New("CUSTODY_PRIVATE_KEY is required for the erc20 backend"))
		} else if len(key) != 64 {
			errs = append(errs, errors.New("CUSTODY_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)"))
		}
		if c.RPCURL == "" {
			errs = append(errs, errors.New("RPC_URL is required for the erc20 backend"))
		}
		if c.ChainID <= 0 {
			errs = append(errs, errors.New("CHAIN_ID must be positive"))
		}
		if !isNonZeroAddress(c.TokenContract) {
			errs = append(errs, errors.New("TOKEN_CONTRACT must be a non-zero Ethereum address"))
		}
	default:
		errs = append(errs, fmt.Errorf("TRANSFER_BACKEND must be %q or %q", TransferMemory, TransferERC20))
	}

	if c.EnableDevFaucet && (c.IsProduction() || c.TransferBackend != TransferMemory) {
		errs = append(errs, errors.New("ENABLE_DEV_FAUCET requires the memory backend outside production"))
	}
	if c.WebhookAllowPrivate && c.IsProduction() {
		errs = append(errs, errors.New("WEBHOOK_ALLOW_PRIVATE is not allowed in production"))
	}
	if c.ReconcileInterval < 0 {
		errs = append(errs, errors.New("RECONCILE_INTERVAL must not be negative"))
	}
	if c.WebhookWorkers < 0 {
		errs = append(errs, errors.New("WEBHOOK_WORKERS must not be negative"))
	}
	if c.AuthMaxSkew <= 0 {
		errs = append(errs, errors.New("AUTH_MAX_SKEW must be positive"))
	}

	return errors.Join(errs...)
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

func isNonZeroAddress(s string) bool {
	return common.IsHexAddress(s) && common.HexToAddress(s) != (common.Address{})
}

// parser collects malformed values instead of silently using defaults.
type parser struct {
	errs []error
}

func (p *parser) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return def
	}
	return i
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a duration", key, v))
		return def
	}
	return d
}

func (p *parser) bool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a boolean", key, v))
		return def
	}
	return b
}

func (p *parser) err() error {
	return errors.Join(p.errs...)
}
