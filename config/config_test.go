package config

import (
	"errors"
	"testing"
	"time"
)

const testXpub = "xpub661MyMwAqRbcFtXgS5sYJABqqG9YLmC4Q1Rdap9gSE8NqtwybGhePY2gZ29ESFjqJoCu1Rupje8YtGqsefD265TMg7usUDFdp6W1EGMcet8"

func setValidEnv(t *testing.T) {
	t.Helper()
	t.Setenv("MASTER_XPUB", testXpub)
	t.Setenv("DATABASE_URL", "postgres://localhost/engine")
	t.Setenv("LEDGER_PROVIDERS", "https://a.example/api,https://b.example/api")
	t.Setenv("PLATFORM_FEE_BPS", "")
	t.Setenv("CONFIRMATION_THRESHOLD", "")
}

func TestLoadDefaults(t *testing.T) {
	setValidEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PlatformFeeBps != 500 {
		t.Errorf("fee bps = %d, want default 500", cfg.PlatformFeeBps)
	}
	if cfg.ConfirmationThreshold != 3 {
		t.Errorf("threshold = %d, want default 3", cfg.ConfirmationThreshold)
	}
	if cfg.PaymentExpiry != 24*time.Hour {
		t.Errorf("expiry = %v, want 24h", cfg.PaymentExpiry)
	}
	if cfg.ReleaseWindow != 7*24*time.Hour {
		t.Errorf("release window = %v, want 7d", cfg.ReleaseWindow)
	}
	if len(cfg.LedgerProviders) != 2 {
		t.Errorf("providers = %v, want 2 entries", cfg.LedgerProviders)
	}
}

func TestLoadFatalErrors(t *testing.T) {
	setValidEnv(t)
	t.Setenv("MASTER_XPUB", "")
	if _, err := Load(); !errors.Is(err, ErrMissingMasterKey) {
		t.Errorf("missing xpub: got %v, want ErrMissingMasterKey", err)
	}

	setValidEnv(t)
	t.Setenv("PLATFORM_FEE_BPS", "10001")
	if _, err := Load(); !errors.Is(err, ErrBadFeeRate) {
		t.Errorf("bad fee rate: got %v, want ErrBadFeeRate", err)
	}

	setValidEnv(t)
	t.Setenv("LEDGER_PROVIDERS", " , ")
	if _, err := Load(); !errors.Is(err, ErrNoProviders) {
		t.Errorf("empty providers: got %v, want ErrNoProviders", err)
	}
}

func TestLoadClampsThreshold(t *testing.T) {
	setValidEnv(t)
	t.Setenv("CONFIRMATION_THRESHOLD", "0")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ConfirmationThreshold != 1 {
		t.Errorf("threshold = %d, want clamp to 1", cfg.ConfirmationThreshold)
	}

	t.Setenv("CONFIRMATION_THRESHOLD", "10")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ConfirmationThreshold != 6 {
		t.Errorf("threshold = %d, want clamp to 6", cfg.ConfirmationThreshold)
	}
}
