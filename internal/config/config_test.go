package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "LEDGER_BASE_URL", "LEDGER_SANDBOX", "BILLING_INTERVAL_SECONDS", "FEEDBACK_SESSION_CAP", "SETTLEMENT_MAX_ATTEMPTS"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("unexpected addr %q", cfg.Server.Addr)
	}
	if cfg.Billing.Interval != 5*time.Minute || cfg.Billing.UnitCost != 1 || cfg.Billing.TickInterval != time.Second {
		t.Fatalf("unexpected billing config: %+v", cfg.Billing)
	}
	if cfg.Feedback.Helpful != 1 || cfg.Feedback.NotHelpful != 2 || cfg.Feedback.Suggestion != 5 || cfg.Feedback.SessionCap != 0 {
		t.Fatalf("unexpected feedback config: %+v", cfg.Feedback)
	}
	if !cfg.Ledger.Sandbox {
		t.Fatal("expected sandbox ledger without LEDGER_BASE_URL")
	}
	if cfg.Settlement.MaxAttempts != 3 || cfg.Settlement.FlushTimeout != 2*time.Second {
		t.Fatalf("unexpected settlement config: %+v", cfg.Settlement)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "127.0.0.1:9000")
	t.Setenv("BILLING_INTERVAL_SECONDS", "60")
	t.Setenv("BILLING_UNIT_COST", "2")
	t.Setenv("LEDGER_BASE_URL", "https://ledger.internal")
	t.Setenv("LEDGER_SANDBOX", "")
	t.Setenv("SETTLEMENT_MAX_ATTEMPTS", "5")
	t.Setenv("SETTLEMENT_RECOVERY_RPS", "0.5")
	t.Setenv("FEEDBACK_SESSION_CAP", "10")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" {
		t.Fatalf("unexpected addr %q", cfg.Server.Addr)
	}
	if cfg.Billing.Interval != time.Minute || cfg.Billing.UnitCost != 2 {
		t.Fatalf("unexpected billing config: %+v", cfg.Billing)
	}
	if cfg.Ledger.Sandbox || cfg.Ledger.BaseURL != "https://ledger.internal" {
		t.Fatalf("unexpected ledger config: %+v", cfg.Ledger)
	}
	if cfg.Settlement.MaxAttempts != 5 || cfg.Settlement.RecoveryRPS != 0.5 {
		t.Fatalf("unexpected settlement config: %+v", cfg.Settlement)
	}
	if cfg.Feedback.SessionCap != 10 {
		t.Fatalf("unexpected feedback cap: %d", cfg.Feedback.SessionCap)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"PORT":                     "80 80",
		"BILLING_INTERVAL_SECONDS": "0",
		"BILLING_UNIT_COST":        "abc",
		"BILLING_TICK_INTERVAL":    "soon",
		"FEEDBACK_CREDIT_HELPFUL":  "-1",
		"LEDGER_SANDBOX":           "maybe",
		"SETTLEMENT_MAX_ATTEMPTS":  "0",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", key, value)
			}
		})
	}
}
