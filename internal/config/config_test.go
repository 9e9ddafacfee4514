package config

import (
	"os"
	"testing"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		prev, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, prev)
			}
		})
	}
}

func TestLoad_SelfHostedMode(t *testing.T) {
	clearEnv(t, "IDENTITY_SECRET", "STRIPE_SECRET_KEY", "BILLING")

	cfg := Load()

	if cfg.Mode() != ModeSelfHosted {
		t.Errorf("expected mode %s, got %s", ModeSelfHosted, cfg.Mode())
	}
	if cfg.IsSaaS() {
		t.Error("expected IsSaaS to be false")
	}
	if !cfg.IsSelfHosted() {
		t.Error("expected IsSelfHosted to be true")
	}
	if cfg.IsAuthEnabled() {
		t.Error("expected IsAuthEnabled to be false")
	}
	if cfg.BillingEnabled() {
		t.Error("expected BillingEnabled to be false")
	}
}

func TestLoad_SaaSMode(t *testing.T) {
	clearEnv(t, "IDENTITY_SECRET")
	os.Setenv("IDENTITY_SECRET", "test-secret")

	cfg := Load()

	if cfg.Mode() != ModeSaaS {
		t.Errorf("expected mode %s, got %s", ModeSaaS, cfg.Mode())
	}
	if !cfg.IsSaaS() {
		t.Error("expected IsSaaS to be true")
	}
	if cfg.IsSelfHosted() {
		t.Error("expected IsSelfHosted to be false")
	}
	if !cfg.IsAuthEnabled() {
		t.Error("expected IsAuthEnabled to be true")
	}
}

func TestLoad_BillingEnabled(t *testing.T) {
	clearEnv(t, "STRIPE_SECRET_KEY", "BILLING")
	os.Setenv("STRIPE_SECRET_KEY", "sk_test_xxxxx")

	cfg := Load()

	if !cfg.BillingEnabled() {
		t.Error("expected BillingEnabled to be true when a Stripe secret key is set")
	}
}

func TestLoad_BillingEnabled_ExplicitFlag(t *testing.T) {
	clearEnv(t, "STRIPE_SECRET_KEY", "BILLING")
	os.Setenv("BILLING", "true")

	cfg := Load()

	if !cfg.BillingEnabled() {
		t.Error("expected BillingEnabled to be true when BILLING=true, even with no Stripe key (self-hosted override)")
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	clearEnv(t, "PORT", "DATABASE_URL", "REDIS_URL", "ENVIRONMENT", "IDENTITY_SECRET", "STRIPE_SECRET_KEY", "BILLING")

	cfg := Load()

	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.Environment != "development" {
		t.Errorf("expected default environment development, got %s", cfg.Environment)
	}
	if cfg.BillingEnabled() {
		t.Error("expected BillingEnabled to default to false")
	}
}

func TestIsProduction(t *testing.T) {
	clearEnv(t, "ENVIRONMENT")
	os.Setenv("ENVIRONMENT", "production")

	cfg := Load()

	if !cfg.IsProduction() {
		t.Error("expected IsProduction to be true")
	}
}

func TestIsEmailEnabled(t *testing.T) {
	clearEnv(t, "SMTP_HOST", "SMTP_FROM")

	cfg := Load()
	if cfg.IsEmailEnabled() {
		t.Error("expected IsEmailEnabled to be false with no SMTP_HOST configured")
	}
}
