// Package config loads the control plane's static configuration from a YAML
// file (gopkg.in/yaml.v3). Secrets (DSNs, tokens, webhook signing keys) are
// not stored in the file: it names the environment variable holding each
// one, and ResolveSecret reads it.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level shape of controlplane.yml.
type Config struct {
	ListenAddr string               `yaml:"listenAddr"`
	Storage    StorageConfig        `yaml:"storage"`
	Retry      map[string]RetryTier `yaml:"retry"`
	RateLimit  RateLimitConfig      `yaml:"rateLimit"`
	Approval   ApprovalConfig       `yaml:"approval"`
	Webhooks   map[string]string    `yaml:"webhooks"` // source -> env var name holding the shared secret
	RunLockTTL time.Duration        `yaml:"runLockTTL"`
}

// StorageConfig selects and configures the document-store backend.
type StorageConfig struct {
	Driver string `yaml:"driver"` // memory | postgres | mysql | sqlite
	DSNEnv string `yaml:"dsnEnv"` // env var name holding the connection string
}

// RetryTier is a named backoff preset reference or an explicit override.
type RetryTier struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
	MaxDelay    time.Duration `yaml:"maxDelay"`
}

// RateLimitConfig configures the sliding-window limiter's two tiers.
type RateLimitConfig struct {
	TenantLimit  int           `yaml:"tenantLimit"`
	TenantWindow time.Duration `yaml:"tenantWindow"`
	GlobalLimit  int           `yaml:"globalLimit"`
	GlobalWindow time.Duration `yaml:"globalWindow"`
	RedisAddrEnv string        `yaml:"redisAddrEnv"`
}

// ApprovalConfig configures the approval gate's default TTL.
type ApprovalConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// Load reads and parses path and fills defaults for ListenAddr and the
// tenant rate-limit tier. It does not read the environment: secret values
// the file names by environment variable are read by ResolveSecret.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.RateLimit.TenantLimit == 0 {
		cfg.RateLimit.TenantLimit = 60
	}
	if cfg.RateLimit.TenantWindow == 0 {
		cfg.RateLimit.TenantWindow = time.Minute
	}
	return cfg, nil
}

// ResolveSecret reads an environment variable the config file named,
// returning an error if it is required but unset.
func ResolveSecret(envVar string, required bool) (string, error) {
	v := os.Getenv(envVar)
	if v == "" && required {
		return "", fmt.Errorf("config: required environment variable %s is not set", envVar)
	}
	return v, nil
}
