// Package config loads and validates the YAML application configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DatabaseConfig configures the relational store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig configures the expiring key-value store. An empty addr selects
// the in-process store, which is only suitable for single-node deployments.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RateLimitConfig configures admission control. FailPolicy has no default:
// choosing between availability (open) and cost protection (closed) is an
// explicit operator decision.
type RateLimitConfig struct {
	FailPolicy string `yaml:"fail-policy"`
}

// UsageConfig configures the usage recorder and retention.
type UsageConfig struct {
	QueueSize     int `yaml:"queue-size"`
	Workers       int `yaml:"workers"`
	RetentionDays int `yaml:"retention-days"`
}

// BillingConfig configures scheduled invoice generation. An empty cron spec
// disables the scheduler; invoices can still be generated via the admin API.
type BillingConfig struct {
	CronSpec string `yaml:"cron"`
}

// AdminConfig configures the operator token surface.
type AdminConfig struct {
	JWTSecret   string        `yaml:"jwt-secret"`
	TokenExpiry time.Duration `yaml:"token-expiry"`
}

// LogConfig configures logging output and rotation.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
}

// Config is the full application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"rate-limit"`
	Usage     UsageConfig     `yaml:"usage"`
	Billing   BillingConfig   `yaml:"billing"`
	Admin     AdminConfig     `yaml:"admin"`
	Log       LogConfig       `yaml:"log"`
}

// Load reads, parses, and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if errDecode := yaml.Unmarshal(raw, &cfg); errDecode != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, errDecode)
	}
	cfg.applyDefaults()
	if errValidate := cfg.Validate(); errValidate != nil {
		return nil, errValidate
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Server.Addr) == "" {
		c.Server.Addr = ":8080"
	}
	if c.Admin.TokenExpiry <= 0 {
		c.Admin.TokenExpiry = 24 * time.Hour
	}
	if strings.TrimSpace(c.Log.Level) == "" {
		c.Log.Level = "info"
	}
}

// Validate rejects configurations that would leave required decisions
// implicit.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("config: database.dsn is required")
	}
	switch strings.TrimSpace(c.RateLimit.FailPolicy) {
	case "open", "closed":
	case "":
		return fmt.Errorf("config: rate-limit.fail-policy is required (open or closed)")
	default:
		return fmt.Errorf("config: rate-limit.fail-policy must be open or closed, got %q", c.RateLimit.FailPolicy)
	}
	if strings.TrimSpace(c.Admin.JWTSecret) == "" {
		return fmt.Errorf("config: admin.jwt-secret is required")
	}
	if c.Usage.QueueSize < 0 || c.Usage.Workers < 0 || c.Usage.RetentionDays < 0 {
		return fmt.Errorf("config: usage values must not be negative")
	}
	return nil
}
