package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	os.Unsetenv("PORT")
	os.Unsetenv("SYNC_INTERVAL_MINUTES")
	os.Unsetenv("SYNC_BUDGET_SECONDS")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.DefaultSyncInterval != time.Hour {
		t.Errorf("expected 1h sync interval, got %s", cfg.DefaultSyncInterval)
	}
	if cfg.SyncBudget != 2*time.Minute {
		t.Errorf("expected 2m sync budget, got %s", cfg.SyncBudget)
	}
	if cfg.QueueWorkers != 4 {
		t.Errorf("expected 4 workers, got %d", cfg.QueueWorkers)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	os.Setenv("PORT", "9000")
	os.Setenv("SYNC_INTERVAL_MINUTES", "30")
	os.Setenv("SCHEDULER_TICK_MINUTES", "2")
	defer func() {
		os.Unsetenv("PORT")
		os.Unsetenv("SYNC_INTERVAL_MINUTES")
		os.Unsetenv("SCHEDULER_TICK_MINUTES")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Port)
	}
	if cfg.DefaultSyncInterval != 30*time.Minute {
		t.Errorf("expected 30m sync interval, got %s", cfg.DefaultSyncInterval)
	}
	if cfg.SchedulerTick != 2*time.Minute {
		t.Errorf("expected 2m tick, got %s", cfg.SchedulerTick)
	}
}

func TestLoad_InvalidIntRejected(t *testing.T) {
	os.Setenv("PORT", "not-a-number")
	defer os.Unsetenv("PORT")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid PORT")
	}
}

func TestLoad_ProviderCredentials(t *testing.T) {
	os.Setenv("OURA_CLIENT_ID", "oura-id")
	os.Setenv("OURA_CLIENT_SECRET", "oura-secret")
	os.Setenv("OURA_WEBHOOK_SECRET", "oura-hook")
	os.Setenv("OURA_SYNC_INTERVAL_MINUTES", "15")
	defer func() {
		os.Unsetenv("OURA_CLIENT_ID")
		os.Unsetenv("OURA_CLIENT_SECRET")
		os.Unsetenv("OURA_WEBHOOK_SECRET")
		os.Unsetenv("OURA_SYNC_INTERVAL_MINUTES")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	creds := cfg.Providers["oura"]
	if creds.ClientID != "oura-id" || creds.WebhookSecret != "oura-hook" {
		t.Errorf("creds = %+v", creds)
	}
	if creds.SyncInterval != 15*time.Minute {
		t.Errorf("expected 15m interval, got %s", creds.SyncInterval)
	}

	if !cfg.Enabled("oura") {
		t.Error("oura should be enabled with both client id and secret")
	}
	if cfg.Enabled("whoop") {
		t.Error("whoop should be disabled without credentials")
	}
	if cfg.Enabled("unknown-provider") {
		t.Error("unknown provider should be disabled")
	}
}
