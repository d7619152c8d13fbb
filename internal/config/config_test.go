package config

import "testing"

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	if cfg.Queue.Provider != "bull" {
		t.Fatalf("queue provider = %q, want bull", cfg.Queue.Provider)
	}
	if cfg.Queue.Name != "scrapeQueue" || cfg.Queue.Prefix != "firecrawl" {
		t.Fatalf("queue naming = %q/%q", cfg.Queue.Name, cfg.Queue.Prefix)
	}
	if cfg.Queue.LockDurationMs != 60000 || cfg.Queue.MaxAttempts != 3 || cfg.Queue.JobTTLHours != 25 {
		t.Fatalf("queue tuning = %+v", cfg.Queue)
	}
	if cfg.Worker.JobLockExtendIntervalMs != 30000 || cfg.Worker.JobLockExtensionTimeMs != 120000 {
		t.Fatalf("lease tuning = %+v", cfg.Worker)
	}
	if cfg.Worker.MaxCPU != 0.95 || cfg.Worker.MaxRAM != 0.95 {
		t.Fatalf("resource gates = %v/%v", cfg.Worker.MaxCPU, cfg.Worker.MaxRAM)
	}
	if cfg.Store.MaxResultBytes != 990000 {
		t.Fatalf("result budget = %d", cfg.Store.MaxResultBytes)
	}
	if cfg.Retention.CompletedJobTTLHours != 24 {
		t.Fatalf("retention ttl = %d", cfg.Retention.CompletedJobTTLHours)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("QUEUE_PROVIDER", "cloud-tasks")
	t.Setenv("REDIS_URL", "redis://example:6379")
	t.Setenv("MAX_CPU", "0.5")
	t.Setenv("GOT_JOB_INTERVAL", "123")
	t.Setenv("MANUAL_TEAM_IDS", "team-a, team-b ,")

	var cfg Config
	cfg.ApplyEnvOverrides()

	if cfg.Queue.Provider != "cloud-tasks" {
		t.Fatalf("provider = %q", cfg.Queue.Provider)
	}
	if cfg.Redis.URL != "redis://example:6379" {
		t.Fatalf("redis url = %q", cfg.Redis.URL)
	}
	if cfg.Worker.MaxCPU != 0.5 {
		t.Fatalf("max cpu = %v", cfg.Worker.MaxCPU)
	}
	if cfg.Worker.GotJobIntervalMs != 123 {
		t.Fatalf("got job interval = %d", cfg.Worker.GotJobIntervalMs)
	}
	if len(cfg.RateLimit.ManualTeamIDs) != 2 || cfg.RateLimit.ManualTeamIDs[1] != "team-b" {
		t.Fatalf("manual teams = %v", cfg.RateLimit.ManualTeamIDs)
	}
}
