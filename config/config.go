// Package config loads engine settings from the environment. A .env file is
// honoured when present so local runs match deployed ones.
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

var (
	// ErrMissingMasterKey is fatal at startup: without a watch-only master
	// public key no receiving address can ever be issued.
	ErrMissingMasterKey = errors.New("config: MASTER_XPUB is not set")
	// ErrBadFeeRate is fatal at startup: the platform fee must stay within
	// 0..10000 basis points.
	ErrBadFeeRate = errors.New("config: PLATFORM_FEE_BPS out of range")
	// ErrNoProviders is fatal at startup: the observer needs at least one
	// block-data provider URL.
	ErrNoProviders = errors.New("config: LEDGER_PROVIDERS is empty")
)

type Config struct {
	ListenAddr  string
	DatabaseURL string

	// MasterXpub is the watch-only extended public key all receiving
	// addresses derive from.
	MasterXpub string
	Network    string

	// LedgerProviders is the ordered fallback list of block-data provider
	// base URLs.
	LedgerProviders []string
	ProviderTimeout time.Duration

	PlatformFeeBps        uint32
	ConfirmationThreshold int
	PaymentExpiry         time.Duration
	ReleaseWindow         time.Duration

	ReconcileInterval   time.Duration
	ReleaseInterval     time.Duration
	ReconcileBatchSize  int
	ReconcileConcurrent int
}

// Load reads the environment (and an optional .env file) into a validated
// Config. Validation failures are configuration errors and callers should
// treat them as fatal.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		ListenAddr:            getEnv("LISTEN_ADDR", ":8090"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		MasterXpub:            os.Getenv("MASTER_XPUB"),
		Network:               getEnv("NETWORK", "mainnet"),
		LedgerProviders:       splitList(getEnv("LEDGER_PROVIDERS", "https://blockstream.info/api,https://mempool.space/api")),
		ProviderTimeout:       getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second),
		PlatformFeeBps:        uint32(getEnvInt("PLATFORM_FEE_BPS", 500)),
		ConfirmationThreshold: getEnvInt("CONFIRMATION_THRESHOLD", 3),
		PaymentExpiry:         getEnvDuration("PAYMENT_EXPIRY", 24*time.Hour),
		ReleaseWindow:         getEnvDuration("ESCROW_RELEASE_WINDOW", 7*24*time.Hour),
		ReconcileInterval:     getEnvDuration("RECONCILE_INTERVAL", time.Minute),
		ReleaseInterval:       getEnvDuration("RELEASE_INTERVAL", 5*time.Minute),
		ReconcileBatchSize:    getEnvInt("RECONCILE_BATCH_SIZE", 100),
		ReconcileConcurrent:   getEnvInt("RECONCILE_CONCURRENCY", 8),
	}

	if cfg.MasterXpub == "" {
		return Config{}, ErrMissingMasterKey
	}
	if cfg.PlatformFeeBps > 10_000 {
		return Config{}, ErrBadFeeRate
	}
	if len(cfg.LedgerProviders) == 0 {
		return Config{}, ErrNoProviders
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("config: DATABASE_URL is not set")
	}

	// The confirmation threshold is clamped to the supported 1..6 range
	// rather than rejected; a misconfigured value should not strand funds.
	if cfg.ConfirmationThreshold < 1 {
		cfg.ConfirmationThreshold = 1
	}
	if cfg.ConfirmationThreshold > 6 {
		cfg.ConfirmationThreshold = 6
	}

	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if value, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return value
	}
	return defaultVal
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
