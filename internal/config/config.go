// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config mirrors the YAML-shaped file from spec.md §6: Proxy (listener +
// admission), ModbusServer (upstream), Logging, and Security sections.
type Config struct {
	Proxy        ProxyConfig        `mapstructure:"proxy"`
	ModbusServer ModbusServerConfig `mapstructure:"modbus_server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Security     SecurityConfig     `mapstructure:"security"`
}

// ProxyConfig controls the listening side.
type ProxyConfig struct {
	ServerHost     string   `mapstructure:"server_host"`
	ServerPort     int      `mapstructure:"server_port"`
	AllowedIPs     []string `mapstructure:"allowed_ips"`
	MaxConnections int      `mapstructure:"max_connections"`
	ListenBacklog  int      `mapstructure:"listen_backlog"`
}

// ModbusServerConfig controls the upstream side.
type ModbusServerConfig struct {
	ModbusServerHost     string  `mapstructure:"modbus_server_host"`
	ModbusServerPort     int     `mapstructure:"modbus_server_port"`
	ConnectionTimeout    int     `mapstructure:"connection_timeout"`
	DelayAfterConnection float64 `mapstructure:"delay_after_connection"`
	MaxRetries           int     `mapstructure:"max_retries"`
	MaxBackoff           float64 `mapstructure:"max_backoff"`
}

// LoggingConfig controls the log sink.
type LoggingConfig struct {
	Enable   bool   `mapstructure:"enable"`
	LogFile  string `mapstructure:"log_file"`
	LogLevel string `mapstructure:"log_level"`
}

// SecurityConfig controls the read-only policy.
type SecurityConfig struct {
	ReadOnly bool `mapstructure:"read_only"`
}

// Load reads configFile (a required explicit path, per spec.md §6's
// single `--config <path>` CLI contract - no search-path fallback),
// applies defaults, layers MODBUS_PROXY_<SECTION>_<KEY> environment
// overrides, unmarshals, and validates.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	setDefaults(v)

	v.SetEnvPrefix("MODBUS_PROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Logging.LogLevel = strings.ToUpper(cfg.Logging.LogLevel)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("proxy.allowed_ips", []string{})
	v.SetDefault("proxy.max_connections", 100)
	v.SetDefault("proxy.listen_backlog", 5)

	v.SetDefault("modbus_server.connection_timeout", 10)
	v.SetDefault("modbus_server.delay_after_connection", 0.5)
	v.SetDefault("modbus_server.max_retries", 5)
	v.SetDefault("modbus_server.max_backoff", 30.0)

	v.SetDefault("logging.enable", false)
	v.SetDefault("logging.log_file", "modbus_proxy.log")
	v.SetDefault("logging.log_level", "INFO")

	v.SetDefault("security.read_only", false)
}

// validate enforces the ranges and required fields from spec.md §6's
// config table, collapsing every violation into a single wrapped error.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Proxy.ServerHost == "" {
		errs = append(errs, "proxy.server_host is required")
	} else if !validHostnameOrIP(cfg.Proxy.ServerHost) {
		errs = append(errs, fmt.Sprintf("proxy.server_host %q is not a valid hostname or IP address", cfg.Proxy.ServerHost))
	}
	if cfg.Proxy.ServerPort < 1 || cfg.Proxy.ServerPort > 65535 {
		errs = append(errs, "proxy.server_port must be 1-65535")
	}
	if cfg.Proxy.MaxConnections < 1 || cfg.Proxy.MaxConnections > 10000 {
		errs = append(errs, "proxy.max_connections must be 1-10000")
	}
	if cfg.Proxy.ListenBacklog < 1 {
		errs = append(errs, "proxy.listen_backlog must be >= 1")
	}

	if cfg.ModbusServer.ModbusServerHost == "" {
		errs = append(errs, "modbus_server.modbus_server_host is required")
	} else if !validHostnameOrIP(cfg.ModbusServer.ModbusServerHost) {
		errs = append(errs, fmt.Sprintf("modbus_server.modbus_server_host %q is not a valid hostname or IP address", cfg.ModbusServer.ModbusServerHost))
	}
	if cfg.ModbusServer.ModbusServerPort < 1 || cfg.ModbusServer.ModbusServerPort > 65535 {
		errs = append(errs, "modbus_server.modbus_server_port must be 1-65535")
	}
	if cfg.ModbusServer.ConnectionTimeout < 1 {
		errs = append(errs, "modbus_server.connection_timeout must be >= 1")
	}
	if cfg.ModbusServer.DelayAfterConnection < 0 {
		errs = append(errs, "modbus_server.delay_after_connection must be >= 0")
	}
	if cfg.ModbusServer.MaxRetries < 1 {
		errs = append(errs, "modbus_server.max_retries must be >= 1")
	}
	if cfg.ModbusServer.MaxBackoff < 1 {
		errs = append(errs, "modbus_server.max_backoff must be >= 1")
	}

	switch cfg.Logging.LogLevel {
	case "DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL":
	default:
		errs = append(errs, "logging.log_level must be one of DEBUG/INFO/WARNING/ERROR/CRITICAL")
	}

	for _, entry := range cfg.Proxy.AllowedIPs {
		if !validCIDROrIP(entry) {
			errs = append(errs, fmt.Sprintf("proxy.allowed_ips entry %q is not a valid IP or CIDR", entry))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validCIDROrIP(entry string) bool {
	if _, _, err := net.ParseCIDR(entry); err == nil {
		return true
	}
	return net.ParseIP(entry) != nil
}

// digitDottedRE matches a dotted string of four or more purely numeric
// labels, e.g. a malformed IPv4-shaped address like "300.300.300.300". Such a value is
// never a legitimate hostname label (hostnames don't use all-digit TLDs),
// so it is rejected outright rather than falling through to the hostname
// pattern below, which would otherwise happily accept it.
var digitDottedRE = regexp.MustCompile(`^[0-9]+(\.[0-9]+){3,}$`)

// hostnameRE is an RFC-1123-shaped hostname: dot-separated labels, each
// 1-63 characters, alphanumeric with internal hyphens.
var hostnameRE = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)

// validHostnameOrIP reports whether value is usable as ServerHost or
// ModbusServerHost: a parseable IP, or an RFC-1123-shaped hostname.
func validHostnameOrIP(value string) bool {
	if net.ParseIP(value) != nil {
		return true
	}
	if digitDottedRE.MatchString(value) {
		return false
	}
	return hostnameRE.MatchString(value)
}

// ConnectionTimeoutDuration returns the ModbusServer connection timeout as
// a time.Duration, for wiring into proxy.UpstreamConfig.
func (c *ModbusServerConfig) ConnectionTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectionTimeout) * time.Second
}

// DelayAfterConnectionDuration returns the post-connect delay as a
// time.Duration.
func (c *ModbusServerConfig) DelayAfterConnectionDuration() time.Duration {
	return time.Duration(c.DelayAfterConnection * float64(time.Second))
}

// MaxBackoffDuration returns the reconnect backoff ceiling as a
// time.Duration.
func (c *ModbusServerConfig) MaxBackoffDuration() time.Duration {
	return time.Duration(c.MaxBackoff * float64(time.Second))
}
