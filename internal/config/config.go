package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration for the outbound mail relay.
type Config struct {
	Relay    RelayConfig    `koanf:"relay"`
	TLS      TLSConfig      `koanf:"tls"`
	Domains  []DomainConfig `koanf:"domains"`
	Limits   LimitsConfig   `koanf:"limits"`
	Logging  LoggingConfig  `koanf:"logging"`
	Queue    QueueConfig    `koanf:"queue"`
	Delivery DeliveryConfig `koanf:"delivery"`
	Control  ControlConfig  `koanf:"control"`
}

// RelayConfig holds process-identity and privilege-drop configuration.
type RelayConfig struct {
	Hostname        string `koanf:"hostname"`         // mail.example.com, used in EHLO
	ChrootPath      string `koanf:"chroot_path"`       // directory to chroot into after binding sockets
	MailUser        string `koanf:"mail_user"`         // unprivileged user to drop to
	ShutdownTimeout string `koanf:"shutdown_timeout"`  // graceful shutdown timeout
}

// TLSConfig holds outbound TLS verification configuration.
type TLSConfig struct {
	RequireTLS bool   `koanf:"require_tls"` // require STARTTLS on outbound sessions
	VerifyTLS  bool   `koanf:"verify_tls"`  // verify peer certificates
	CAFile     string `koanf:"ca_file"`     // optional extra trust root
}

// DomainConfig holds per-domain relay overrides.
type DomainConfig struct {
	Name        string `koanf:"name"`         // example.com
	AuthTable   string `koanf:"auth_table"`   // secret lookup table, empty means no AUTH
	AuthLabel   string `koanf:"auth_label"`   // label within the auth table
	SourceTable string `koanf:"source_table"` // source-address lookup table, empty means OS default
	Backup      bool   `koanf:"backup"`       // relay is a backup MX for this domain
	BackupName  string `koanf:"backup_name"`  // our own hostname, for the preference query
	LimitsName  string `koanf:"limits"`       // name of the LimitsConfig.Profiles entry to use
}

// LimitsConfig holds the admission budgets of spec §5, keyed by profile
// name; relays resolve theirs by domain, falling back to "default".
type LimitsConfig struct {
	Profiles map[string]LimitsProfileConfig `koanf:"profiles"`
}

// LimitsProfileConfig mirrors relay.LimitsProfile in config-file form.
type LimitsProfileConfig struct {
	MaxPerHost      int `koanf:"max_per_host"`
	MaxPerSource    int `koanf:"max_per_source"`
	MaxPerConnector int `koanf:"max_per_connector"`
	MaxPerRelay     int `koanf:"max_per_relay"`
	MaxPerRoute     int `koanf:"max_per_route"`
	MaxPerDomain    int `koanf:"max_per_domain"`

	ConnDelayHost      string `koanf:"conndelay_host"`
	ConnDelayDomain    string `koanf:"conndelay_domain"`
	ConnDelaySource    string `koanf:"conndelay_source"`
	ConnDelayConnector string `koanf:"conndelay_connector"`
	ConnDelayRelay     string `koanf:"conndelay_relay"`
	ConnDelayRoute     string `koanf:"conndelay_route"`
	ConnDelayRouteMax  string `koanf:"conndelay_route_max"`

	DiscDelayRoute    string `koanf:"discdelay_route"`
	DiscDelayRouteMax string `koanf:"discdelay_route_max"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
	Output string `koanf:"output"` // stdout, stderr, or file path
}

// QueueConfig holds Redis queue configuration.
type QueueConfig struct {
	RedisURL    string `koanf:"redis_url"`     // Redis connection URL
	Prefix      string `koanf:"prefix"`        // Key prefix for queue entries
	MaxRetries  int    `koanf:"max_retries"`   // Maximum delivery attempts
	RetryMaxAge string `koanf:"retry_max_age"` // Max time to retry (e.g., "168h")
}

// DeliveryConfig holds outbound session-engine configuration.
type DeliveryConfig struct {
	Workers        int    `koanf:"workers"`         // Concurrent session budget, informational
	ConnectTimeout string `koanf:"connect_timeout"` // TCP connection timeout
	CommandTimeout string `koanf:"command_timeout"` // SMTP command timeout
	HeloName       string `koanf:"helo_name"`       // EHLO/HELO name, defaults to relay.hostname
}

// ControlConfig holds the control-socket listener configuration.
type ControlConfig struct {
	Enabled    bool   `koanf:"enabled"`
	SocketPath string `koanf:"socket_path"` // unix socket path for RESUME_ROUTE/SHOW_ROUTES/etc.
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Relay: RelayConfig{
			Hostname:        "localhost",
			ChrootPath:      "/var/empty",
			MailUser:        "_mta",
			ShutdownTimeout: "30s",
		},
		TLS: TLSConfig{
			RequireTLS: false,
			VerifyTLS:  true,
		},
		Limits: LimitsConfig{
			Profiles: map[string]LimitsProfileConfig{
				"default": {
					MaxPerHost:        10,
					MaxPerSource:      100,
					MaxPerConnector:   20,
					MaxPerRelay:       100,
					MaxPerRoute:       10,
					MaxPerDomain:      100,
					ConnDelayRouteMax: "4h",
					DiscDelayRouteMax: "4h",
				},
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Queue: QueueConfig{
			RedisURL:    "redis://localhost:6379/0",
			Prefix:      "mta",
			MaxRetries:  15,
			RetryMaxAge: "168h", // 7 days
		},
		Delivery: DeliveryConfig{
			Workers:        4,
			ConnectTimeout: "30s",
			CommandTimeout: "5m",
		},
		Control: ControlConfig{
			Enabled:    true,
			SocketPath: "/var/run/mta-relay/control.sock",
		},
	}
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil // Return defaults if no config file
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Relay.Hostname == "" {
		return fmt.Errorf("relay.hostname is required")
	}
	if c.Relay.ChrootPath != "" && !filepath.IsAbs(c.Relay.ChrootPath) {
		return fmt.Errorf("relay.chroot_path must be an absolute path (got: %s)", c.Relay.ChrootPath)
	}

	if err := c.validateTimeouts(); err != nil {
		return err
	}
	if err := c.validateLimits(); err != nil {
		return err
	}

	for i, domain := range c.Domains {
		if domain.Name == "" {
			return fmt.Errorf("domains[%d].name is required", i)
		}
		if domain.Backup && domain.BackupName == "" {
			return fmt.Errorf("domains[%d].backup_name is required when backup is enabled", i)
		}
	}

	if c.Queue.MaxRetries < 1 {
		return fmt.Errorf("queue.max_retries must be at least 1")
	}
	if c.Queue.MaxRetries > 100 {
		return fmt.Errorf("queue.max_retries cannot exceed 100")
	}
	if c.Queue.RedisURL == "" {
		return fmt.Errorf("queue.redis_url is required")
	}

	if c.Delivery.Workers < 1 {
		return fmt.Errorf("delivery.workers must be at least 1")
	}
	if c.Delivery.Workers > 100 {
		return fmt.Errorf("delivery.workers cannot exceed 100")
	}

	if c.Logging.Level != "" {
		validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
		if !validLevels[c.Logging.Level] {
			return fmt.Errorf("logging.level must be one of: debug, info, warn, error (got: %s)", c.Logging.Level)
		}
	}
	if c.Logging.Format != "" {
		validFormats := map[string]bool{"json": true, "text": true}
		if !validFormats[c.Logging.Format] {
			return fmt.Errorf("logging.format must be one of: json, text (got: %s)", c.Logging.Format)
		}
	}

	if c.Control.Enabled && c.Control.SocketPath == "" {
		return fmt.Errorf("control.socket_path is required when control is enabled")
	}

	return nil
}

func (c *Config) validateLimits() error {
	if _, ok := c.Limits.Profiles["default"]; !ok {
		return fmt.Errorf("limits.profiles must define a \"default\" entry")
	}
	for name, p := range c.Limits.Profiles {
		for field, val := range map[string]string{
			"conndelay_host":       p.ConnDelayHost,
			"conndelay_domain":     p.ConnDelayDomain,
			"conndelay_source":     p.ConnDelaySource,
			"conndelay_connector":  p.ConnDelayConnector,
			"conndelay_relay":      p.ConnDelayRelay,
			"conndelay_route":      p.ConnDelayRoute,
			"conndelay_route_max":  p.ConnDelayRouteMax,
			"discdelay_route":      p.DiscDelayRoute,
			"discdelay_route_max":  p.DiscDelayRouteMax,
		} {
			if val == "" {
				continue
			}
			if _, err := time.ParseDuration(val); err != nil {
				return fmt.Errorf("limits.profiles.%s.%s is invalid: %w", name, field, err)
			}
		}
	}
	return nil
}

// validateTimeouts ensures all timeout configurations are valid.
func (c *Config) validateTimeouts() error {
	timeouts := map[string]string{
		"relay.shutdown_timeout":  c.Relay.ShutdownTimeout,
		"delivery.connect_timeout": c.Delivery.ConnectTimeout,
		"delivery.command_timeout": c.Delivery.CommandTimeout,
		"queue.retry_max_age":      c.Queue.RetryMaxAge,
	}

	for name, timeout := range timeouts {
		if timeout == "" {
			continue
		}
		duration, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("%s is invalid: %w", name, err)
		}
		if duration <= 0 {
			return fmt.Errorf("%s must be positive (got: %s)", name, timeout)
		}

		switch name {
		case "relay.shutdown_timeout":
			if duration > 5*time.Minute {
				return fmt.Errorf("%s is too long, maximum is 5m (got: %s)", name, timeout)
			}
		case "delivery.connect_timeout":
			if duration > 2*time.Minute {
				return fmt.Errorf("%s is too long, maximum is 2m (got: %s)", name, timeout)
			}
		case "delivery.command_timeout":
			if duration > 10*time.Minute {
				return fmt.Errorf("%s is too long, maximum is 10m (got: %s)", name, timeout)
			}
		case "queue.retry_max_age":
			if duration > 30*24*time.Hour {
				return fmt.Errorf("%s is too long, maximum is 30d (got: %s)", name, timeout)
			}
		}
	}

	return nil
}

// GetDomain returns the domain configuration for a given domain name.
func (c *Config) GetDomain(name string) *DomainConfig {
	for i := range c.Domains {
		if c.Domains[i].Name == name {
			return &c.Domains[i]
		}
	}
	return nil
}
