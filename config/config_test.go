package config

import (
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Scheduler.Workers != 5 {
		t.Errorf("Workers = %d, want 5", cfg.Scheduler.Workers)
	}
	if cfg.Scheduler.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d, want 2", cfg.Scheduler.MaxRetries)
	}
	if cfg.Scheduler.JobTimeout != 120*time.Second {
		t.Errorf("JobTimeout = %v", cfg.Scheduler.JobTimeout)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("Store.Driver = %q", cfg.Store.Driver)
	}
	if cfg.Jobs.MaxPageSize != 100 {
		t.Errorf("MaxPageSize = %d", cfg.Jobs.MaxPageSize)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SCRAPEFLOW_WORKERS", "8")
	t.Setenv("SCRAPEFLOW_JOB_TIMEOUT", "45s")
	t.Setenv("SCRAPEFLOW_AUTH_ENABLED", "false")
	t.Setenv("SCRAPEFLOW_ALLOWED_DOMAINS", "example.com, example.org ,")
	t.Setenv("SCRAPEFLOW_RATE_RPS", "not-a-number")

	cfg := Load()

	if cfg.Scheduler.Workers != 8 {
		t.Errorf("Workers = %d, want 8", cfg.Scheduler.Workers)
	}
	if cfg.Scheduler.JobTimeout != 45*time.Second {
		t.Errorf("JobTimeout = %v, want 45s", cfg.Scheduler.JobTimeout)
	}
	if cfg.Auth.Enabled {
		t.Error("Auth.Enabled should be false")
	}
	want := []string{"example.com", "example.org"}
	if !reflect.DeepEqual(cfg.Policy.AllowedDomains, want) {
		t.Errorf("AllowedDomains = %v, want %v", cfg.Policy.AllowedDomains, want)
	}
	if cfg.RateLimit.RequestsPerSecond != 5.0 {
		t.Errorf("invalid float should fall back, got %v", cfg.RateLimit.RequestsPerSecond)
	}
}
