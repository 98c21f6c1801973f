// Package config resolves kernel configuration from environment
// variables, optionally overlaid on a YAML file. Resolution order is
// defaults, then file, then environment; env always wins.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendPG     = "postgres"
	BackendRedis  = "redis"
)

// Config holds every operator-tunable knob of the kernel.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Config struct {
	// StoreBackend selects the persistence layer: memory, sqlite,
	// postgres or redis.
	StoreBackend string `yaml:"store_backend"`

	// DatabaseURL is the sqlite path or postgres DSN.
	DatabaseURL string `yaml:"database_url"`

	// RedisAddr and RedisDB select the redis backend target.
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`

	WorkerID         string        `yaml:"worker_id"`
	LeaseTTL         time.Duration `yaml:"lease_ttl"`
	TickBudget       time.Duration `yaml:"tick_budget"`
	TickDelay        time.Duration `yaml:"tick_delay"`
	SnapshotInterval int           `yaml:"snapshot_interval"`
	MaxRetries       int           `yaml:"max_retries"`

	PollInterval time.Duration `yaml:"poll_interval"`
	BatchLimit   int           `yaml:"batch_limit"`

	// SigningSecret keys determinism receipts. Empty means unsigned mode.
	SigningSecret string `yaml:"signing_secret"`

	LogLevel string `yaml:"log_level"`
}

// UnmarshalYAML decodes duration fields from strings like "30s", which
// yaml.v3 does not do for time.Duration natively.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type rawConfig struct {
		StoreBackend     *string `yaml:"store_backend"`
		DatabaseURL      *string `yaml:"database_url"`
		RedisAddr        *string `yaml:"redis_addr"`
		RedisDB          *int    `yaml:"redis_db"`
		WorkerID         *string `yaml:"worker_id"`
		LeaseTTL         *string `yaml:"lease_ttl"`
		TickBudget       *string `yaml:"tick_budget"`
		TickDelay        *string `yaml:"tick_delay"`
		SnapshotInterval *int    `yaml:"snapshot_interval"`
		MaxRetries       *int    `yaml:"max_retries"`
		PollInterval     *string `yaml:"poll_interval"`
		BatchLimit       *int    `yaml:"batch_limit"`
		SigningSecret    *string `yaml:"signing_secret"`
		LogLevel         *string `yaml:"log_level"`
	}

	var raw rawConfig
	if err := value.Decode(&raw); err != nil {
		return err
	}

	assignString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	assignInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	assignDuration := func(dst *time.Duration, src *string) error {
		if src == nil {
			return nil
		}
		d, err := time.ParseDuration(*src)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}

	assignString(&c.StoreBackend, raw.StoreBackend)
	assignString(&c.DatabaseURL, raw.DatabaseURL)
	assignString(&c.RedisAddr, raw.RedisAddr)
	assignInt(&c.RedisDB, raw.RedisDB)
	assignString(&c.WorkerID, raw.WorkerID)
	assignInt(&c.SnapshotInterval, raw.SnapshotInterval)
	assignInt(&c.MaxRetries, raw.MaxRetries)
	assignInt(&c.BatchLimit, raw.BatchLimit)
	assignString(&c.SigningSecret, raw.SigningSecret)
	assignString(&c.LogLevel, raw.LogLevel)

	for _, pair := range []struct {
		dst *time.Duration
		src *string
	}{
		{&c.LeaseTTL, raw.LeaseTTL},
		{&c.TickBudget, raw.TickBudget},
		{&c.TickDelay, raw.TickDelay},
		{&c.PollInterval, raw.PollInterval},
	} {
		if err := assignDuration(pair.dst, pair.src); err != nil {
			return err
		}
	}
	return nil
}

func defaults() *Config {
	return &Config{
		StoreBackend:     BackendMemory,
		DatabaseURL:      "dak.db",
		RedisAddr:        "localhost:6379",
		LeaseTTL:         30 * time.Second,
		TickBudget:       10 * time.Second,
		SnapshotInterval: 20,
		MaxRetries:       3,
		PollInterval:     time.Second,
		BatchLimit:       10,
		LogLevel:         "INFO",
	}
}

// Load resolves configuration. If DAK_CONFIG_FILE is set (or dak.yaml
// exists in the working directory) the file is read first, then
// environment variables override individual fields.
func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("DAK_CONFIG_FILE")
	if path == "" {
		if _, err := os.Stat("dak.yaml"); err == nil {
			path = "dak.yaml"
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	switch cfg.StoreBackend {
	case BackendMemory, BackendSQLite, BackendPG, BackendRedis:
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.StoreBackend, "DAK_STORE_BACKEND")
	setString(&cfg.DatabaseURL, "DAK_DATABASE_URL")
	setString(&cfg.RedisAddr, "DAK_REDIS_ADDR")
	setInt(&cfg.RedisDB, "DAK_REDIS_DB")
	setString(&cfg.WorkerID, "DAK_WORKER_ID")
	setDuration(&cfg.LeaseTTL, "DAK_LEASE_TTL")
	setDuration(&cfg.TickBudget, "DAK_TICK_BUDGET")
	setDuration(&cfg.TickDelay, "DAK_TICK_DELAY")
	setInt(&cfg.SnapshotInterval, "DAK_SNAPSHOT_INTERVAL")
	setInt(&cfg.MaxRetries, "DAK_MAX_RETRIES")
	setDuration(&cfg.PollInterval, "DAK_POLL_INTERVAL")
	setInt(&cfg.BatchLimit, "DAK_BATCH_LIMIT")
	setString(&cfg.SigningSecret, "DAK_SIGNING_SECRET")
	setString(&cfg.LogLevel, "DAK_LOG_LEVEL")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
