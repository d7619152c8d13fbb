package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

// TasksConfig holds the coordinates of the cloud task dispatcher used by
// the cloud-tasks queue provider. ServiceURL is the public base URL of
// this worker; the dispatcher calls back to {serviceURL}/tasks/process.
type TasksConfig struct {
	DispatcherURL       string `yaml:"dispatcherURL"`
	Project             string `yaml:"project"`
	Location            string `yaml:"location"`
	Queue               string `yaml:"queue"`
	ServiceURL          string `yaml:"serviceURL"`
	ServiceAccountEmail string `yaml:"serviceAccountEmail"`
}

type QueueConfig struct {
	// Provider selects the queue backend: "bull" (redis broker) or
	// "cloud-tasks" (HTTP task dispatcher).
	Provider string `yaml:"provider"`
	// Name is the plain queue name. The redis provider namespaces it
	// under Prefix; no cluster hash tags are used (single-node topology).
	Name            string      `yaml:"name"`
	Prefix          string      `yaml:"prefix"`
	LockDurationMs  int         `yaml:"lockDurationMs"`
	MaxStalledCount int         `yaml:"maxStalledCount"`
	MaxAttempts     int         `yaml:"maxAttempts"`
	BackoffBaseMs   int         `yaml:"backoffBaseMs"`
	JobTTLHours     int         `yaml:"jobTTLHours"`
	Tasks           TasksConfig `yaml:"tasks"`
}

type WorkerConfig struct {
	JobLockExtendIntervalMs        int      `yaml:"jobLockExtendIntervalMs"`
	JobLockExtensionTimeMs         int      `yaml:"jobLockExtensionTimeMs"`
	CantAcceptConnectionIntervalMs int      `yaml:"cantAcceptConnectionIntervalMs"`
	ConnectionMonitorIntervalMs    int      `yaml:"connectionMonitorIntervalMs"`
	GotJobIntervalMs               int      `yaml:"gotJobIntervalMs"`
	MaxCPU                         float64  `yaml:"maxCpu"`
	MaxRAM                         float64  `yaml:"maxRam"`
	MaxEmptyPolls                  int      `yaml:"maxEmptyPolls"`
	EmptyPollBaseMs                int      `yaml:"emptyPollBaseMs"`
	EmptyPollCapMs                 int      `yaml:"emptyPollCapMs"`
	ShutdownGraceMs                int      `yaml:"shutdownGraceMs"`
	BlockedURLSubstrings           []string `yaml:"blockedUrlSubstrings"`
}

type ScrapeConfig struct {
	// BrowserURL points at the headless-browser microservice. When empty
	// the local rod engine is used instead.
	BrowserURL       string `yaml:"browserURL"`
	TimeoutMs        int    `yaml:"timeoutMs"`
	MaxRetries       int    `yaml:"maxRetries"`
	RetryGapMs       int    `yaml:"retryGapMs"`
	UserAgent        string `yaml:"userAgent"`
	UseIdentityToken bool   `yaml:"useIdentityToken"`
	MetadataTokenURL string `yaml:"metadataTokenURL"`
	MaxPartialDocs   int    `yaml:"maxPartialDocs"`
}

type RateLimitConfig struct {
	// Unlimited switches every lookup to a very-high-capacity bucket.
	// Local testing only; the real limiter is the default.
	Unlimited             bool                      `yaml:"unlimited"`
	Table                 map[string]map[string]int `yaml:"table"`
	TestSuiteTokens       []string                  `yaml:"testSuiteTokens"`
	TestSuitePointsPerMin int                       `yaml:"testSuitePointsPerMinute"`
	DevTeamID             string                    `yaml:"devTeamId"`
	DevPointsPerMin       int                       `yaml:"devPointsPerMinute"`
	ManualTeamIDs         []string                  `yaml:"manualTeamIds"`
	ManualPointsPerMin    int                       `yaml:"manualPointsPerMinute"`
}

type StoreConfig struct {
	MaxResultBytes int `yaml:"maxResultBytes"`
}

type RetentionConfig struct {
	Enabled              bool `yaml:"enabled"`
	CompletedJobTTLHours int  `yaml:"completedJobTTLHours"`
	SweepIntervalMinutes int  `yaml:"sweepIntervalMinutes"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Queue     QueueConfig     `yaml:"queue"`
	Worker    WorkerConfig    `yaml:"worker"`
	Scrape    ScrapeConfig    `yaml:"scrape"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Store     StoreConfig     `yaml:"store"`
	Retention RetentionConfig `yaml:"retention"`
}

func Load(path string) *Config {
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		log.Fatalf("failed to decode config: %v", err)
	}

	cfg.ApplyEnvOverrides()
	cfg.ApplyDefaults()

	return &cfg
}

// ApplyEnvOverrides lets deployment environments override the YAML file
// for the handful of settings that vary per instance.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("QUEUE_PROVIDER"); v != "" {
		c.Queue.Provider = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("BROWSER_URL"); v != "" {
		c.Scrape.BrowserURL = v
	}
	if v := os.Getenv("MANUAL_TEAM_IDS"); v != "" {
		parts := strings.Split(v, ",")
		ids := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				ids = append(ids, p)
			}
		}
		c.RateLimit.ManualTeamIDs = ids
	}

	envInt := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envFloat := func(name string, dst *float64) {
		if v := os.Getenv(name); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	envInt("JOB_LOCK_EXTEND_INTERVAL", &c.Worker.JobLockExtendIntervalMs)
	envInt("JOB_LOCK_EXTENSION_TIME", &c.Worker.JobLockExtensionTimeMs)
	envInt("CANT_ACCEPT_CONNECTION_INTERVAL", &c.Worker.CantAcceptConnectionIntervalMs)
	envInt("CONNECTION_MONITOR_INTERVAL", &c.Worker.ConnectionMonitorIntervalMs)
	envInt("GOT_JOB_INTERVAL", &c.Worker.GotJobIntervalMs)
	envFloat("MAX_CPU", &c.Worker.MaxCPU)
	envFloat("MAX_RAM", &c.Worker.MaxRAM)
}

func (c *Config) ApplyDefaults() {
	if c.Queue.Provider == "" {
		c.Queue.Provider = "bull"
	}
	if c.Queue.Name == "" {
		c.Queue.Name = "scrapeQueue"
	}
	if c.Queue.Prefix == "" {
		c.Queue.Prefix = "firecrawl"
	}
	if c.Queue.LockDurationMs <= 0 {
		c.Queue.LockDurationMs = 60000
	}
	if c.Queue.MaxStalledCount <= 0 {
		c.Queue.MaxStalledCount = 2
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Queue.BackoffBaseMs <= 0 {
		c.Queue.BackoffBaseMs = 1000
	}
	if c.Queue.JobTTLHours <= 0 {
		c.Queue.JobTTLHours = 25
	}

	if c.Worker.JobLockExtendIntervalMs <= 0 {
		c.Worker.JobLockExtendIntervalMs = 30000
	}
	if c.Worker.JobLockExtensionTimeMs <= 0 {
		c.Worker.JobLockExtensionTimeMs = 120000
	}
	if c.Worker.CantAcceptConnectionIntervalMs <= 0 {
		c.Worker.CantAcceptConnectionIntervalMs = 5000
	}
	if c.Worker.ConnectionMonitorIntervalMs <= 0 {
		c.Worker.ConnectionMonitorIntervalMs = 1000
	}
	if c.Worker.GotJobIntervalMs <= 0 {
		c.Worker.GotJobIntervalMs = 2000
	}
	if c.Worker.MaxCPU <= 0 {
		c.Worker.MaxCPU = 0.95
	}
	if c.Worker.MaxRAM <= 0 {
		c.Worker.MaxRAM = 0.95
	}
	if c.Worker.MaxEmptyPolls <= 0 {
		c.Worker.MaxEmptyPolls = 10
	}
	if c.Worker.EmptyPollBaseMs <= 0 {
		c.Worker.EmptyPollBaseMs = 500
	}
	if c.Worker.EmptyPollCapMs <= 0 {
		c.Worker.EmptyPollCapMs = 30000
	}
	if c.Worker.ShutdownGraceMs <= 0 {
		c.Worker.ShutdownGraceMs = 30000
	}

	if c.Scrape.TimeoutMs <= 0 {
		c.Scrape.TimeoutMs = 60000
	}
	if c.Scrape.MaxRetries <= 0 {
		c.Scrape.MaxRetries = 3
	}
	if c.Scrape.RetryGapMs <= 0 {
		c.Scrape.RetryGapMs = 1000
	}
	if c.Scrape.MaxPartialDocs <= 0 {
		c.Scrape.MaxPartialDocs = 50
	}

	if c.RateLimit.TestSuitePointsPerMin <= 0 {
		c.RateLimit.TestSuitePointsPerMin = 10000
	}
	if c.RateLimit.DevPointsPerMin <= 0 {
		c.RateLimit.DevPointsPerMin = 1200
	}
	if c.RateLimit.ManualPointsPerMin <= 0 {
		c.RateLimit.ManualPointsPerMin = 2000
	}

	if c.Store.MaxResultBytes <= 0 {
		c.Store.MaxResultBytes = 990000
	}

	if c.Retention.CompletedJobTTLHours <= 0 {
		c.Retention.CompletedJobTTLHours = 24
	}
	if c.Retention.SweepIntervalMinutes <= 0 {
		c.Retention.SweepIntervalMinutes = 60
	}
}
