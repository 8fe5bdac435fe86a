// Package config loads the agent's operational configuration. The
// teacher reads a handful of environment-specific values from
// //go:embed text files with typed accessor functions; a device agent
// with broker credentials, retry tuning, and TLS material outgrows that
// shape, so this carries the same "typed accessor, default unless
// overridden" contract over a single YAML file instead.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults mirror spec §4.6/§6's load-bearing constants (retry budget,
// download timeout, and pre-reboot pause), plus the agent's task
// cadences and the local bus endpoint.
const (
	DefaultMaxOTARetries     = 5
	DefaultOTAReqTimeoutMs   = 60_000
	DefaultRebootDelay       = 5 * time.Second
	DefaultTelemetryPollRate = 100 * time.Millisecond
	DefaultPublishRate       = 500 * time.Millisecond
	DefaultLocalBusEndpoint  = "inproc://ota-events"
)

// Config is the agent's full operational configuration, typically
// loaded from a YAML file at startup.
type Config struct {
	Broker   BrokerConfig   `yaml:"broker"`
	OTA      OTAConfig      `yaml:"ota"`
	LocalBus LocalBusConfig `yaml:"local_bus"`
}

type BrokerConfig struct {
	Address  string `yaml:"address"`
	ClientID string `yaml:"client_id"`
	TLS      bool   `yaml:"tls"`
}

type OTAConfig struct {
	MaxRetries         int    `yaml:"max_retries"`
	ReqTimeoutMs       int    `yaml:"req_timeout_ms"`
	RebootDelaySeconds int    `yaml:"reboot_delay_seconds"`
	SecondaryBank      string `yaml:"secondary_bank_path"`
	BankSize           int64  `yaml:"bank_size_bytes"`
	SettingsDBPath     string `yaml:"settings_db_path"`
}

// RebootDelay converts the configured seconds into a time.Duration,
// following the pack's "store plain numbers in config, convert at the
// edge" convention.
func (c OTAConfig) RebootDelay() time.Duration {
	return secondsToDuration(c.RebootDelaySeconds)
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

type LocalBusConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// Load reads path, unmarshals it as YAML, and fills any zero-valued
// field with its documented default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	c.Broker.Address = strings.TrimSpace(c.Broker.Address)
	c.Broker.ClientID = strings.TrimSpace(c.Broker.ClientID)

	if c.OTA.MaxRetries <= 0 {
		c.OTA.MaxRetries = DefaultMaxOTARetries
	}
	if c.OTA.ReqTimeoutMs <= 0 {
		c.OTA.ReqTimeoutMs = DefaultOTAReqTimeoutMs
	}
	if c.OTA.RebootDelaySeconds <= 0 {
		c.OTA.RebootDelaySeconds = int(DefaultRebootDelay / time.Second)
	}
	if c.LocalBus.Endpoint == "" {
		c.LocalBus.Endpoint = DefaultLocalBusEndpoint
	}
}

func (c *Config) validate() error {
	if c.Broker.Address == "" {
		return fmt.Errorf("broker.address is required")
	}
	if c.Broker.ClientID == "" {
		return fmt.Errorf("broker.client_id is required")
	}
	if c.OTA.SettingsDBPath == "" {
		return fmt.Errorf("ota.settings_db_path is required")
	}
	return nil
}
