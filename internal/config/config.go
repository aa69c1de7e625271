// Package config handles TOML configuration for launchpad.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
)

// Config is the root configuration structure.
type Config struct {
	AWS         AWSConfig         `toml:"aws"`
	Instance    InstanceConfig    `toml:"instance"`
	Key         KeyConfig         `toml:"key"`
	Bootstrap   BootstrapConfig   `toml:"bootstrap"`
	Tags        []TagConfig       `toml:"tags"`
	Provision   ProvisionConfig   `toml:"provision"`
	Policy      PolicyConfig      `toml:"policy"`
	History     HistoryConfig     `toml:"history"`
	OTEL        OTELConfig        `toml:"otel"`
	Pushgateway PushgatewayConfig `toml:"pushgateway"`
	Log         LogConfig         `toml:"log"`
}

// AWSConfig holds AWS session settings.
type AWSConfig struct {
	Region  string `toml:"region"`
	Profile string `toml:"profile"`
}

// InstanceConfig describes the instance to launch.
type InstanceConfig struct {
	ImageName     string `toml:"image_name"`
	ImageIsPublic bool   `toml:"image_is_public"`
	Type          string `toml:"type"`
	SubnetID      string `toml:"subnet_id"`
}

// KeyConfig controls key pair creation.
type KeyConfig struct {
	Name   string `toml:"name"`
	Source string `toml:"source"`
	Dir    string `toml:"dir"`
	Bits   int    `toml:"bits"`
}

// BootstrapConfig controls first-boot user data.
type BootstrapConfig struct {
	Packages       []string `toml:"packages"`
	Format         string   `toml:"format"`
	PackageManager string   `toml:"package_manager"`
}

// TagConfig is a single key/value pair. Keys may repeat.
type TagConfig struct {
	Key   string `toml:"key"`
	Value string `toml:"value"`
}

// ProvisionConfig holds workflow behaviour switches.
type ProvisionConfig struct {
	Rollback       bool   `toml:"rollback"`
	Wait           string `toml:"wait"`
	WaitTimeoutStr string `toml:"wait_timeout"`
	WaitTimeout    time.Duration
}

// PolicyConfig points at an optional Rego launch guard.
type PolicyConfig struct {
	File string `toml:"file"`
}

// HistoryConfig controls the local run history database.
type HistoryConfig struct {
	Path     string `toml:"path"`
	Disabled bool   `toml:"disabled"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `toml:"endpoint"`
	Insecure    bool          `toml:"insecure"`
	ServiceName string        `toml:"service_name"`
	Traces      TracesConfig  `toml:"traces"`
	Metrics     MetricsConfig `toml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `toml:"enabled"`
	SampleRate float64 `toml:"sample_rate"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// PushgatewayConfig holds Prometheus Pushgateway settings.
type PushgatewayConfig struct {
	URL string `toml:"url"`
	Job string `toml:"job"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Accepted values for enumerated settings.
const (
	KeySourceAWS   = "aws"
	KeySourceLocal = "local"

	WaitNone    = "none"
	WaitExists  = "exists"
	WaitRunning = "running"
)

// DefaultPackages is the bootstrap package list used when none is configured.
// "apache" maps to httpd and "aws-client" to aws-cli.
var DefaultPackages = []string{"httpd", "mysql", "python", "logrotate", "aws-cli"}

// DefaultTags is the tag list used when none is configured. The two Project
// values collide and are merged before submission.
var DefaultTags = []TagConfig{
	{Key: "Project", Value: "Jobcase"},
	{Key: "Environment", Value: "Development"},
	{Key: "Project", Value: "Test-Lab"},
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := parseWaitTimeout(cfg); err != nil {
		// defaults are constant and always parse
		panic(err)
	}
	return cfg
}

// Load reads and parses a TOML config file. An empty path yields Default().
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := parseWaitTimeout(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.AWS.Region == "" {
		cfg.AWS.Region = "us-east-1"
	}
	if cfg.Instance.ImageName == "" {
		cfg.Instance.ImageName = "jobcase-test-app"
	}
	if cfg.Instance.Type == "" {
		cfg.Instance.Type = "t2.micro"
	}
	if cfg.Key.Source == "" {
		cfg.Key.Source = KeySourceAWS
	}
	if cfg.Key.Dir == "" {
		cfg.Key.Dir = "~/.ssh"
	}
	if cfg.Key.Bits == 0 {
		cfg.Key.Bits = 4096
	}
	if len(cfg.Bootstrap.Packages) == 0 {
		cfg.Bootstrap.Packages = append([]string(nil), DefaultPackages...)
	}
	if cfg.Bootstrap.Format == "" {
		cfg.Bootstrap.Format = "shell"
	}
	if cfg.Bootstrap.PackageManager == "" {
		cfg.Bootstrap.PackageManager = "yum"
	}
	if len(cfg.Tags) == 0 {
		cfg.Tags = append([]TagConfig(nil), DefaultTags...)
	}
	if cfg.Provision.Wait == "" {
		cfg.Provision.Wait = WaitNone
	}
	if cfg.Provision.WaitTimeoutStr == "" {
		cfg.Provision.WaitTimeoutStr = "5m"
	}
	if cfg.History.Path == "" {
		cfg.History.Path = "~/.launchpad/history.db"
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "launchpad"
	}
	if cfg.Pushgateway.Job == "" {
		cfg.Pushgateway.Job = "launchpad"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
}

func parseWaitTimeout(cfg *Config) error {
	d, err := time.ParseDuration(cfg.Provision.WaitTimeoutStr)
	if err != nil {
		return fmt.Errorf("parse wait_timeout %q: %w", cfg.Provision.WaitTimeoutStr, err)
	}
	cfg.Provision.WaitTimeout = d
	return nil
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	if c.AWS.Region == "" {
		return fmt.Errorf("aws: region required")
	}
	if c.Instance.ImageName == "" {
		return fmt.Errorf("instance: image_name required")
	}
	if c.Instance.Type == "" {
		return fmt.Errorf("instance: type required")
	}
	switch c.Key.Source {
	case KeySourceAWS, KeySourceLocal:
	default:
		return fmt.Errorf("key: source must be %q or %q (got %q)", KeySourceAWS, KeySourceLocal, c.Key.Source)
	}
	if c.Key.Source == KeySourceLocal && c.Key.Bits < 2048 {
		return fmt.Errorf("key: bits must be at least 2048 (got %d)", c.Key.Bits)
	}
	switch c.Bootstrap.Format {
	case "cloud-config", "shell":
	default:
		return fmt.Errorf("bootstrap: format must be cloud-config or shell (got %q)", c.Bootstrap.Format)
	}
	switch c.Provision.Wait {
	case WaitNone, WaitExists, WaitRunning:
	default:
		return fmt.Errorf("provision: wait must be one of none, exists, running (got %q)", c.Provision.Wait)
	}
	if c.Provision.Wait != WaitNone && c.Provision.WaitTimeout <= 0 {
		return fmt.Errorf("provision: wait_timeout must be positive (got %s)", c.Provision.WaitTimeout)
	}
	for i, t := range c.Tags {
		if strings.TrimSpace(t.Key) == "" {
			return fmt.Errorf("tags[%d]: key required", i)
		}
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log: format must be console or json (got %q)", c.Log.Format)
	}
	return nil
}

// ExpandPath resolves a leading "~" to the user's home directory.
func ExpandPath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
