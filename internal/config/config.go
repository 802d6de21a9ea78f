// Package config loads the process configuration from an optional YAML file
// with environment overrides. Values resolve in three layers: built-in
// defaults, then the config file, then CREDITLEDGER_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/makerstack/creditledger/internal/util"
)

// EnvPrefix namespaces every environment override, e.g. CREDITLEDGER_DATABASE_DSN.
const EnvPrefix = "CREDITLEDGER"

// DefaultFileName is the config file probed when no path is given.
const DefaultFileName = "config.yaml"

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr" envconfig:"ADDR"`
}

// DatabaseConfig selects the backing store. A postgres:// DSN connects
// through pgx; anything else opens SQLite.
type DatabaseConfig struct {
	DSN string `yaml:"dsn" envconfig:"DSN"`
}

// RedisConfig enables the distributed replenish lock when URL is set.
// Without it the process falls back to in-process locking, which limits the
// deployment to a single instance.
type RedisConfig struct {
	URL string `yaml:"url" envconfig:"URL"`
}

// AMQPConfig enables the usage event stream consumer when URL is set.
type AMQPConfig struct {
	URL      string `yaml:"url" envconfig:"URL"`
	Exchange string `yaml:"exchange" envconfig:"EXCHANGE"`
	Queue    string `yaml:"queue" envconfig:"QUEUE"`
}

// MeteringConfig points the sync reporter at the external metering service.
// Reporting is disabled when Endpoint is empty.
type MeteringConfig struct {
	Endpoint  string `yaml:"endpoint" envconfig:"ENDPOINT"`
	QueueSize int    `yaml:"queue_size" envconfig:"QUEUE_SIZE"`
}

// PaymentConfig points auto-replenishment at the payment service. Top-up
// cycles are disabled when Endpoint is empty.
type PaymentConfig struct {
	Endpoint string `yaml:"endpoint" envconfig:"ENDPOINT"`
}

// LogConfig controls process logging. File enables rotating file output in
// addition to stdout.
type LogConfig struct {
	Level string `yaml:"level" envconfig:"LEVEL"`
	File  string `yaml:"file" envconfig:"FILE"`
}

// Config is the full process configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	AMQP     AMQPConfig     `yaml:"amqp"`
	Metering MeteringConfig `yaml:"metering"`
	Payment  PaymentConfig  `yaml:"payment"`
	Log      LogConfig      `yaml:"log"`
}

// Default returns the configuration used when no file or environment
// override is present.
func Default() Config {
	return Config{
		Server:   ServerConfig{Addr: ":8080"},
		Database: DatabaseConfig{DSN: "creditledger.db"},
		AMQP:     AMQPConfig{Exchange: "usage", Queue: "creditledger.usage"},
		Metering: MeteringConfig{QueueSize: 256},
		Log:      LogConfig{Level: "info"},
	}
}

// Load builds the effective configuration. An explicitly given path must
// exist; the probed default path may be absent, in which case defaults plus
// environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	resolved, explicit := ResolveConfigPath(path)
	data, errRead := os.ReadFile(resolved)
	switch {
	case errRead == nil:
		if errParse := yaml.Unmarshal(data, &cfg); errParse != nil {
			return nil, fmt.Errorf("config: parse %s: %w", resolved, errParse)
		}
	case os.IsNotExist(errRead) && !explicit:
		// No config file; defaults plus environment apply.
	default:
		return nil, fmt.Errorf("config: read %s: %w", resolved, errRead)
	}

	if errEnv := envconfig.Process(EnvPrefix, &cfg); errEnv != nil {
		return nil, fmt.Errorf("config: environment: %w", errEnv)
	}
	if errValidate := cfg.Validate(); errValidate != nil {
		return nil, errValidate
	}
	return &cfg, nil
}

// ResolveConfigPath returns the config file path to read and whether the
// caller named it explicitly. Without an explicit path the default file name
// is probed under WRITABLE_PATH, falling back to the working directory.
func ResolveConfigPath(path string) (string, bool) {
	trimmed := strings.TrimSpace(path)
	if trimmed != "" {
		return filepath.Clean(trimmed), true
	}
	if dir := util.WritablePath(); dir != "" {
		return filepath.Join(dir, DefaultFileName), false
	}
	return DefaultFileName, false
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config: nil config")
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("config: server addr is required")
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("config: database dsn is required")
	}
	if c.Metering.QueueSize < 0 {
		return fmt.Errorf("config: metering queue_size must not be negative")
	}
	if strings.TrimSpace(c.AMQP.URL) != "" {
		if strings.TrimSpace(c.AMQP.Exchange) == "" {
			return fmt.Errorf("config: amqp exchange is required when amqp url is set")
		}
		if strings.TrimSpace(c.AMQP.Queue) == "" {
			return fmt.Errorf("config: amqp queue is required when amqp url is set")
		}
	}
	return nil
}

// StreamEnabled reports whether the AMQP consumer should run.
func (c *Config) StreamEnabled() bool {
	return c != nil && strings.TrimSpace(c.AMQP.URL) != ""
}

// MeteringEnabled reports whether the sync reporter should run.
func (c *Config) MeteringEnabled() bool {
	return c != nil && strings.TrimSpace(c.Metering.Endpoint) != ""
}

// ReplenishEnabled reports whether auto top-up cycles should run.
func (c *Config) ReplenishEnabled() bool {
	return c != nil && strings.TrimSpace(c.Payment.Endpoint) != ""
}
