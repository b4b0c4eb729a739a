// Package config loads the broker's configuration: a YAML file overlaid
// by command-line flags. Unknown keys in the file produce a warning,
// never a crash, since older and newer configs must keep working across
// upgrades. Proxy settings are exported to the process environment once
// at load time, with precedence config > environment > unset; nothing
// mutates the environment after that point.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/corralhq/corral/pkg/log"
)

// Defaults for the exchange cadence.
const (
	DefaultExchangeInterval       = 900
	DefaultUrgentExchangeInterval = 60
	DefaultPingInterval           = 30
)

// Config holds every option the exchange core recognizes.
type Config struct {
	URL                    string `yaml:"url"`
	PingURL                string `yaml:"ping_url"`
	SSLPublicKey           string `yaml:"ssl_public_key"`
	ExchangeInterval       int    `yaml:"exchange_interval"`
	UrgentExchangeInterval int    `yaml:"urgent_exchange_interval"`
	PingInterval           int    `yaml:"ping_interval"`
	HTTPProxy              string `yaml:"http_proxy"`
	HTTPSProxy             string `yaml:"https_proxy"`
	AccountName            string `yaml:"account_name"`
	ComputerTitle          string `yaml:"computer_title"`
	RegistrationPassword   string `yaml:"registration_password"`
	Tags                   string `yaml:"tags"`
	AccessGroup            string `yaml:"access_group"`
	Cloud                  bool   `yaml:"cloud"`
	DataPath               string `yaml:"data_path"`
	LogDir                 string `yaml:"log_dir"`
	LogLevel               string `yaml:"log_level"`
	MetricsAddr            string `yaml:"metrics_addr"`

	// Extension options recognized by plugins, not by the core.
	Extra map[string]string `yaml:"-"`
}

// knownKeys enumerates every valid top-level key in the config file.
var knownKeys = map[string]bool{
	"url":                      true,
	"ping_url":                 true,
	"ssl_public_key":           true,
	"exchange_interval":        true,
	"urgent_exchange_interval": true,
	"ping_interval":            true,
	"http_proxy":               true,
	"https_proxy":              true,
	"account_name":             true,
	"computer_title":           true,
	"registration_password":    true,
	"tags":                     true,
	"access_group":             true,
	"cloud":                    true,
	"data_path":                true,
	"log_dir":                  true,
	"log_level":                true,
	"metrics_addr":             true,
}

// Default returns a config with every default filled in.
func Default() *Config {
	return &Config{
		URL:                    "https://localhost/message-system",
		PingURL:                "http://localhost/ping",
		ExchangeInterval:       DefaultExchangeInterval,
		UrgentExchangeInterval: DefaultUrgentExchangeInterval,
		PingInterval:           DefaultPingInterval,
		DataPath:               "/var/lib/corral",
		LogLevel:               "info",
		Extra:                  make(map[string]string),
	}
}

// Load reads path over the defaults. A missing file is not an error:
// the defaults stand.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	// First pass untyped, to warn about unknown keys without failing.
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	for key, value := range raw {
		if !knownKeys[key] {
			logger := log.WithComponent("config")
			logger.Warn().
				Str("key", key).Msg("unknown configuration option")
			if s, ok := value.(string); ok {
				cfg.Extra[key] = s
			}
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ExportProxies publishes the proxy options to the process environment
// so every HTTP client in the process honors them. Config wins over a
// pre-existing environment value; an unset option leaves the
// environment alone.
func (c *Config) ExportProxies() {
	if c.HTTPProxy != "" {
		os.Setenv("http_proxy", c.HTTPProxy)
	}
	if c.HTTPSProxy != "" {
		os.Setenv("https_proxy", c.HTTPSProxy)
	}
}

// ExchangeDuration returns the normal exchange cadence.
func (c *Config) ExchangeDuration() time.Duration {
	return time.Duration(c.ExchangeInterval) * time.Second
}

// UrgentExchangeDuration returns the urgent exchange cadence.
func (c *Config) UrgentExchangeDuration() time.Duration {
	return time.Duration(c.UrgentExchangeInterval) * time.Second
}

// PingDuration returns the ping cadence.
func (c *Config) PingDuration() time.Duration {
	return time.Duration(c.PingInterval) * time.Second
}

// PersistPath is the broker's state tree file.
func (c *Config) PersistPath() string {
	return filepath.Join(c.DataPath, "broker.bpickle")
}

// MessagesDir is the message store's spool directory.
func (c *Config) MessagesDir() string {
	return filepath.Join(c.DataPath, "messages")
}

// ExchangeDBPath is the exchange context database.
func (c *Config) ExchangeDBPath() string {
	return filepath.Join(c.DataPath, "exchange.db")
}

// SocketPath is the unix socket plugins connect to.
func (c *Config) SocketPath() string {
	return filepath.Join(c.DataPath, "broker.sock")
}
