// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Epochs and rewards
	EpochOrigin  time.Time // zero means process start
	EpochLength  time.Duration
	RateSchedule string

	// Admin
	AdminAddress string
	AdminSecret  string

	// Token holders. In development these are in-process accounts; with
	// RPC_URL set they are derived from the signing keys.
	CustodyAddress string
	VaultAddress   string

	// Blockchain settings (optional; in-memory tokens when RPC_URL is empty)
	RPCURL          string
	ChainID         int64
	PrivateKey      string // custody key: pulls and refunds collateral
	VaultPrivateKey string // pays reward; defaults to PrivateKey
	CollateralToken string
	RewardToken     string
	TxTimeout       time.Duration

	// Background work
	ReconcileInterval time.Duration
	ReportInterval    time.Duration

	// HTTP edge
	CORSOrigins    []string // empty allows any origin
	RateLimitRPM   int
	RateLimitBurst int

	// Tracing
	OTLPEndpoint    string
	OTELSampleRatio float64
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultEpochLength       = time.Second
	DefaultRateSchedule      = "flat:25"
	DefaultChainID           = 84532 // Base Sepolia
	DefaultTxTimeout         = 2 * time.Minute
	DefaultReconcileInterval = 5 * time.Minute
	DefaultReportInterval    = 15 * time.Second
	DefaultRateLimitRPM      = 120
	DefaultRateLimitBurst    = 20

	// Development-mode holders for the in-process tokens.
	DefaultDevAdmin   = "0x000000000000000000000000000000000000ad01"
	DefaultDevCustody = "0x000000000000000000000000000000000000c057"
	DefaultDevVault   = "0x000000000000000000000000000000000000fa17"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	origin, err := getEnvTime("EPOCH_ORIGIN")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		EpochOrigin:       origin,
		EpochLength:       getEnvDuration("EPOCH_LENGTH", DefaultEpochLength),
		RateSchedule:      getEnv("RATE_SCHEDULE", DefaultRateSchedule),
		AdminAddress:      os.Getenv("ADMIN_ADDRESS"),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		CustodyAddress:    getEnv("CUSTODY_ADDRESS", DefaultDevCustody),
		VaultAddress:      getEnv("VAULT_ADDRESS", DefaultDevVault),
		RPCURL:            os.Getenv("RPC_URL"),
		ChainID:           getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:        os.Getenv("PRIVATE_KEY"),
		VaultPrivateKey:   os.Getenv("VAULT_PRIVATE_KEY"),
		CollateralToken:   os.Getenv("COLLATERAL_TOKEN"),
		RewardToken:       os.Getenv("REWARD_TOKEN"),
		TxTimeout:         getEnvDuration("TX_TIMEOUT", DefaultTxTimeout),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		ReportInterval:    getEnvDuration("REPORT_INTERVAL", DefaultReportInterval),
		CORSOrigins:       getEnvList("CORS_ORIGINS"),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:    int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTELSampleRatio:   getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
	}

	if cfg.AdminAddress == "" && cfg.IsDevelopment() {
		cfg.AdminAddress = DefaultDevAdmin
	}
	if cfg.VaultPrivateKey == "" {
		cfg.VaultPrivateKey = cfg.PrivateKey
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.EpochLength <= 0 {
		return fmt.Errorf("EPOCH_LENGTH must be positive")
	}
	if c.RateSchedule == "" {
		return fmt.Errorf("RATE_SCHEDULE is required")
	}

	if c.AdminAddress == "" {
		return fmt.Errorf("ADMIN_ADDRESS is required")
	}
	if !common.IsHexAddress(c.AdminAddress) {
		return fmt.Errorf("ADMIN_ADDRESS must be a valid Ethereum address")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}

	if !c.OnChain() {
		if c.IsProduction() {
			return fmt.Errorf("RPC_URL is required in production")
		}
		for name, addr := range map[string]string{"CUSTODY_ADDRESS": c.CustodyAddress, "VAULT_ADDRESS": c.VaultAddress} {
			if !common.IsHexAddress(addr) {
				return fmt.Errorf("%s must be a valid Ethereum address", name)
			}
		}
		return nil
	}

	if c.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive")
	}
	for name, key := range map[string]string{"PRIVATE_KEY": c.PrivateKey, "VAULT_PRIVATE_KEY": c.VaultPrivateKey} {
		if err := validateKey(name, key); err != nil {
			return err
		}
	}
	for name, addr := range map[string]string{"COLLATERAL_TOKEN": c.CollateralToken, "REWARD_TOKEN": c.RewardToken} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%s must be a valid contract address when RPC_URL is set", name)
		}
	}
	return nil
}

func validateKey(name, key string) error {
	if key == "" {
		return fmt.Errorf("%s is required when RPC_URL is set", name)
	}
	// Allow both with and without 0x prefix
	if len(key) != 64 && !(len(key) == 66 && key[:2] == "0x") {
		return fmt.Errorf("%s must be 64 hex characters (with or without 0x prefix)", name)
	}
	return nil
}

// OnChain reports whether tokens are ERC20 contracts rather than in-process.
func (c *Config) OnChain() bool {
	return c.RPCURL != ""
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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

// getEnvTime parses an RFC 3339 timestamp. Unset yields the zero time.
func getEnvTime(key string) (time.Time, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be an RFC 3339 timestamp: %w", key, err)
	}
	return t, nil
}

// getEnvList splits a comma-separated value, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
