package config

import (
	"fmt"
	"os"
	"path/filepath"

	"sigs.k8s.io/yaml"
)

const appName = "calcifer"

type Config struct {
	Database  *dbConfig        `json:"database,omitempty"`
	KV        *kvConfig        `json:"kv,omitempty"`
	Service   *svcConfig       `json:"service,omitempty"`
	Reconcile *reconcileConfig `json:"reconcile,omitempty"`
	Override  *overrideConfig  `json:"override,omitempty"`
	Health    *healthConfig    `json:"health,omitempty"`
}

type dbConfig struct {
	Hostname string `json:"hostname,omitempty"`
	Port     uint   `json:"port,omitempty"`
	Name     string `json:"name,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
}

type kvConfig struct {
	Hostname string `json:"hostname,omitempty"`
	Port     uint   `json:"port,omitempty"`
	Password string `json:"password,omitempty"`
}

type svcConfig struct {
	MetricsAddress string `json:"metricsAddress,omitempty"`
	LogLevel       string `json:"logLevel,omitempty"`
	// Bounded worker pool for the event fabric.
	WorkerPoolSize  int `json:"workerPoolSize,omitempty"`
	WorkerQueueSize int `json:"workerQueueSize,omitempty"`
}

type reconcileConfig struct {
	// Per-device debounce window for the command dispatcher.
	DebounceMs int `json:"debounceMs,omitempty"`
	// Per-rule evaluation cap inside the safety engine.
	RuleEvaluationTimeoutMs int `json:"ruleEvaluationTimeoutMs,omitempty"`
	// Retry budget for twin CAS writes.
	CasMaxRetries int `json:"casMaxRetries,omitempty"`
	// Dedup window for inbound feedback.
	IdempotencyTTLSeconds int `json:"idempotencyTtlSeconds,omitempty"`
}

type overrideConfig struct {
	// Cron expression for the expiration sweeper.
	ExpirationIntervalCron string `json:"expirationIntervalCron,omitempty"`
}

type healthConfig struct {
	CheckIntervalMs int `json:"checkIntervalMs,omitempty"`
}

func ConfigDir() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "."+appName)
}

func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

func NewDefault() *Config {
	return &Config{
		Database: &dbConfig{
			Hostname: "localhost",
			Port:     5432,
			Name:     "calcifer",
			User:     "admin",
			Password: "adminpass",
		},
		KV: &kvConfig{
			Hostname: "localhost",
			Port:     6379,
			Password: "adminpass",
		},
		Service: &svcConfig{
			MetricsAddress:  ":9090",
			LogLevel:        "info",
			WorkerPoolSize:  4,
			WorkerQueueSize: 100,
		},
		Reconcile: &reconcileConfig{
			DebounceMs:              50,
			RuleEvaluationTimeoutMs: 100,
			CasMaxRetries:           3,
			IdempotencyTTLSeconds:   300,
		},
		Override: &overrideConfig{
			ExpirationIntervalCron: "@every 1m",
		},
		Health: &healthConfig{
			CheckIntervalMs: 5000,
		},
	}
}

func NewFromFile(cfgFile string) (*Config, error) {
	cfg, err := Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadOrGenerate(cfgFile string) (*Config, error) {
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(cfgFile), os.FileMode(0755)); err != nil {
			return nil, fmt.Errorf("creating directory for config file: %v", err)
		}
		if err := Save(NewDefault(), cfgFile); err != nil {
			return nil, err
		}
	}
	return NewFromFile(cfgFile)
}

func Load(cfgFile string) (*Config, error) {
	contents, err := os.ReadFile(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %v", err)
	}
	c := NewDefault()
	if err := yaml.Unmarshal(contents, c); err != nil {
		return nil, fmt.Errorf("decoding config: %v", err)
	}
	return c, nil
}

func Save(cfg *Config, cfgFile string) error {
	contents, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %v", err)
	}
	if err := os.WriteFile(cfgFile, contents, 0600); err != nil {
		return fmt.Errorf("writing config file: %v", err)
	}
	return nil
}

func Validate(cfg *Config) error {
	if cfg.Database == nil || cfg.Database.Hostname == "" {
		return fmt.Errorf("database configuration is missing")
	}
	if cfg.KV == nil || cfg.KV.Hostname == "" {
		return fmt.Errorf("kv store configuration is missing")
	}
	if cfg.Reconcile != nil && cfg.Reconcile.DebounceMs < 0 {
		return fmt.Errorf("reconcile.debounceMs must not be negative")
	}
	return nil
}

func (c *Config) String() string {
	contents, err := yaml.Marshal(c)
	if err != nil {
		return "<error>"
	}
	return string(contents)
}
