// Package config handles application configuration from environment variables
package config

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ProviderSpec names one ledger data provider, in fallback order.
type ProviderSpec struct {
	Kind string // "blockbook" or "node"
	URL  string
}

// Config holds all application configuration. It is built once at start and
// passed to every component; nothing reads the environment afterwards.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Chain
	Network          string // "mainnet", "testnet", "regtest"
	LedgerProviders  []ProviderSpec
	LedgerWSURL      string
	LedgerTimeout    time.Duration
	LedgerRateLimit  int // requests/second per REST provider
	MinConfirmations int64
	// ReleaseMinConfirmations is how deep the funding outputs must be before
	// approve/release may pay the seller. Zero accepts unconfirmed funds.
	ReleaseMinConfirmations int64
	MinerFeeSats            int64

	// Custody. Never log this struct.
	WalletEncryptionKey []byte

	// Escrow terms
	DefaultExpiryHours     int
	MaxExpiryHours         int
	DisputeMinReasonLength int
	ArbiterIDs             []string

	// Background jobs
	PollInterval       time.Duration
	PollConcurrency    int
	RecoveryInterval   time.Duration
	RecoveryStaleAfter time.Duration
	ExpiryInterval     time.Duration
	PruneInterval      time.Duration

	// Push events
	WebhookSecret    string
	WebhookRetention time.Duration

	// Security
	RateLimitRPM int
	CORSOrigins  []string

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort                   = "8080"
	DefaultEnv                    = "development"
	DefaultLogLevel               = "info"
	DefaultLogFormat              = "json"
	DefaultNetwork                = "testnet"
	DefaultLedgerTimeout          = 10 * time.Second
	DefaultLedgerRateLimit        = 5
	DefaultMinConfirmations       = 1
	DefaultMinerFeeSats           = 1000
	DefaultExpiryHours            = 72
	DefaultMaxExpiryHours         = 720
	DefaultDisputeMinReasonLength = 20
	DefaultPollInterval           = 30 * time.Second
	DefaultPollConcurrency        = 8
	DefaultRecoveryInterval       = 5 * time.Minute
	DefaultRecoveryStaleAfter     = 10 * time.Minute
	DefaultExpiryInterval         = time.Minute
	DefaultPruneInterval          = time.Hour
	DefaultWebhookRetention       = 7 * 24 * time.Hour
	DefaultRateLimitRPM           = 120
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	providers, err := parseProviders(os.Getenv("LEDGER_PROVIDERS"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:               getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		Network:                 getEnv("BCH_NETWORK", DefaultNetwork),
		LedgerProviders:         providers,
		LedgerWSURL:             os.Getenv("LEDGER_WS_URL"),
		LedgerTimeout:           getEnvDuration("LEDGER_TIMEOUT", DefaultLedgerTimeout),
		LedgerRateLimit:         int(getEnvInt64("LEDGER_RATE_LIMIT", DefaultLedgerRateLimit)),
		MinConfirmations:        getEnvInt64("MIN_CONFIRMATIONS", DefaultMinConfirmations),
		ReleaseMinConfirmations: getEnvInt64("RELEASE_MIN_CONFIRMATIONS", 0),
		MinerFeeSats:            getEnvInt64("MINER_FEE_SATS", DefaultMinerFeeSats),
		DefaultExpiryHours:      int(getEnvInt64("DEFAULT_EXPIRY_HOURS", DefaultExpiryHours)),
		MaxExpiryHours:          int(getEnvInt64("MAX_EXPIRY_HOURS", DefaultMaxExpiryHours)),
		DisputeMinReasonLength:  int(getEnvInt64("DISPUTE_MIN_REASON_LENGTH", DefaultDisputeMinReasonLength)),
		ArbiterIDs:              splitList(os.Getenv("ARBITER_IDS")),
		PollInterval:            getEnvDuration("POLL_INTERVAL", DefaultPollInterval),
		PollConcurrency:         int(getEnvInt64("POLL_CONCURRENCY", DefaultPollConcurrency)),
		RecoveryInterval:        getEnvDuration("RECOVERY_INTERVAL", DefaultRecoveryInterval),
		RecoveryStaleAfter:      getEnvDuration("RECOVERY_STALE_AFTER", DefaultRecoveryStaleAfter),
		ExpiryInterval:          getEnvDuration("EXPIRY_INTERVAL", DefaultExpiryInterval),
		PruneInterval:           getEnvDuration("PRUNE_INTERVAL", DefaultPruneInterval),
		WebhookSecret:           os.Getenv("WEBHOOK_SECRET"),
		WebhookRetention:        getEnvDuration("WEBHOOK_RETENTION", DefaultWebhookRetention),
		RateLimitRPM:            int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSOrigins:             splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	key, err := parseEncryptionKey(os.Getenv("WALLET_ENCRYPTION_KEY"))
	if err != nil {
		return nil, err
	}
	cfg.WalletEncryptionKey = key

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration is present. Custody
// fails closed: a service without a usable encryption key does not start.
func (c *Config) Validate() error {
	if len(c.WalletEncryptionKey) != 32 {
		return fmt.Errorf("WALLET_ENCRYPTION_KEY is required (64 hex characters)")
	}
	switch c.Network {
	case "mainnet", "testnet", "regtest":
	default:
		return fmt.Errorf("BCH_NETWORK must be mainnet, testnet or regtest, got %q", c.Network)
	}
	if len(c.LedgerProviders) == 0 {
		return fmt.Errorf("LEDGER_PROVIDERS is required")
	}
	if c.LedgerTimeout <= 0 {
		return fmt.Errorf("LEDGER_TIMEOUT must be positive")
	}
	if c.MinerFeeSats <= 0 {
		return fmt.Errorf("MINER_FEE_SATS must be positive")
	}
	if c.MinConfirmations < 0 || c.ReleaseMinConfirmations < 0 {
		return fmt.Errorf("confirmation thresholds must not be negative")
	}
	if c.DefaultExpiryHours <= 0 || c.DefaultExpiryHours > c.MaxExpiryHours {
		return fmt.Errorf("DEFAULT_EXPIRY_HOURS must be between 1 and MAX_EXPIRY_HOURS")
	}
	if c.DisputeMinReasonLength < 1 {
		return fmt.Errorf("DISPUTE_MIN_REASON_LENGTH must be at least 1")
	}
	if c.PollInterval <= 0 || c.RecoveryInterval <= 0 || c.ExpiryInterval <= 0 {
		return fmt.Errorf("job intervals must be positive")
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
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

// IsArbiter reports whether id may resolve disputes.
func (c *Config) IsArbiter(id string) bool {
	for _, a := range c.ArbiterIDs {
		if a == id {
			return true
		}
	}
	return false
}

func parseEncryptionKey(s string) ([]byte, error) {
	if s == "" {
		return nil, nil // reported by Validate
	}
	key, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(key) != 32 {
		return nil, fmt.Errorf("WALLET_ENCRYPTION_KEY must be 64 hex characters")
	}
	return key, nil
}

// parseProviders reads "blockbook=https://a,node=http://u:p@host:8332".
func parseProviders(s string) ([]ProviderSpec, error) {
	var out []ProviderSpec
	for _, item := range splitList(s) {
		kind, raw, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("LEDGER_PROVIDERS entry %q must be kind=url", item)
		}
		kind = strings.TrimSpace(kind)
		if kind != "blockbook" && kind != "node" {
			return nil, fmt.Errorf("LEDGER_PROVIDERS: unknown provider kind %q", kind)
		}
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("LEDGER_PROVIDERS: invalid url for %s", kind)
		}
		out = append(out, ProviderSpec{Kind: kind, URL: u.String()})
	}
	return out, nil
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
