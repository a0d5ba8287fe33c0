// Package config handles eircbridge configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/eircbridge/config.yaml,
// /etc/eircbridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "eircbridge", "config.yaml"))
	}

	paths = append(paths, "/etc/eircbridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all eircbridge configuration.
type Config struct {
	Portal    PortalConfig `yaml:"portal"`
	Poll      PollConfig   `yaml:"poll"`
	MQTT      MQTTConfig   `yaml:"mqtt"`
	Listen    ListenConfig `yaml:"listen"`
	DataDir   string       `yaml:"data_dir"`
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"` // "text" (default) or "json"
}

// PortalConfig defines the billing portal account and API settings.
type PortalConfig struct {
	// BaseURL is the portal API root. Defaults to the public endpoint.
	BaseURL string `yaml:"base_url"`
	// Login is the PHONE-type login identifier.
	Login    string `yaml:"login"`
	Password string `yaml:"password"`
	// ProxyURL routes portal requests through an HTTP(S) proxy when set.
	ProxyURL string `yaml:"proxy_url"`
	// Accounts limits the exposed accounts to these tenancy registers.
	// Empty means all confirmed accounts.
	Accounts []string `yaml:"accounts"`
}

// PollConfig defines coordinator and submission behavior.
type PollConfig struct {
	// IntervalMinutes is the fixed poll interval. The interval is never
	// shortened on failure — the upstream rate limits aggressively.
	IntervalMinutes int `yaml:"interval_minutes"`
	// MaxReadingIncrease bounds how far a submitted reading may exceed
	// the last known reading before it is rejected locally.
	MaxReadingIncrease float64 `yaml:"max_reading_increase"`
}

// MQTTConfig defines the Home Assistant MQTT bridge settings.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // e.g. mqtt://broker:1883 or mqtts://...
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`      // topic component, default "eircbridge"
	DiscoveryPrefix    string `yaml:"discovery_prefix"` // default "homeassistant"
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether MQTT publishing is enabled.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// ListenConfig defines the local HTTP API settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Interval returns the poll interval as a duration.
func (p PollConfig) Interval() time.Duration {
	return time.Duration(p.IntervalMinutes) * time.Minute
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Portal: PortalConfig{
			BaseURL: "https://ikus.pesc.ru/api",
		},
		Poll: PollConfig{
			IntervalMinutes:    15,
			MaxReadingIncrease: 10000,
		},
		MQTT: MQTTConfig{
			DeviceName:         "eircbridge",
			DiscoveryPrefix:    "homeassistant",
			PublishIntervalSec: 60,
		},
		Listen:  ListenConfig{Port: 8093},
		DataDir: "data",
	}
}

// applyDefaults fills zero-value fields that yaml may have cleared
// when a section is present but sparse.
func (c *Config) applyDefaults() {
	if c.Portal.BaseURL == "" {
		c.Portal.BaseURL = "https://ikus.pesc.ru/api"
	}
	if c.Poll.IntervalMinutes <= 0 {
		c.Poll.IntervalMinutes = 15
	}
	if c.Poll.MaxReadingIncrease <= 0 {
		c.Poll.MaxReadingIncrease = 10000
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "eircbridge"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec <= 0 {
		c.MQTT.PublishIntervalSec = 60
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = 8093
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Portal.Login == "" {
		return fmt.Errorf("portal.login is required")
	}
	if c.Portal.Password == "" {
		return fmt.Errorf("portal.password is required")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}
