// Package config provides the immutable connection configuration for the
// OpenConnect client. It handles loading, saving, and validating the
// parameters a Session needs to establish a tunnel.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/openconnect-go/client/common"
)

// Protocol identifies the VPN protocol variant to negotiate with the server.
type Protocol string

// Supported protocol variants. ProtocolAnyConnect is the primary protocol;
// the others are compatible alternates handled by the tunnel engine.
const (
	ProtocolAnyConnect    Protocol = "anyconnect"
	ProtocolJuniper       Protocol = "nc"
	ProtocolGlobalProtect Protocol = "gp"
	ProtocolPulse         Protocol = "pulse"
	ProtocolArray         Protocol = "array"
)

// Valid reports whether p names a supported protocol variant.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolAnyConnect, ProtocolJuniper, ProtocolGlobalProtect, ProtocolPulse, ProtocolArray:
		return true
	}
	return false
}

// Log verbosity values accepted in LogLevel.
const (
	VerbosityError = "error"
	VerbosityInfo  = "info"
	VerbosityDebug = "debug"
	VerbosityTrace = "trace"
)

// Config holds the immutable parameters of one VPN connection.
// A Config is created once, validated, and then only read; the Session and
// Connection never mutate it.
type Config struct {
	// Server is the VPN gateway URL, e.g. "https://vpn.example.com".
	Server string `yaml:"server"`
	// Protocol selects the VPN protocol variant.
	Protocol Protocol `yaml:"protocol"`
	// LogLevel sets the engine log verbosity: error, info, debug or trace.
	LogLevel string `yaml:"log_level"`
	// AllowInsecure accepts server certificates that fail validation when
	// no certificate handler is registered.
	AllowInsecure bool `yaml:"allow_insecure"`
	// Username is the optional pre-supplied authentication username.
	Username string `yaml:"username,omitempty"`
	// Password is the optional pre-supplied authentication password.
	// It is never serialized.
	Password string `yaml:"-"`
	// ScriptPath optionally overrides the network configuration script
	// location. When empty, a platform-standard location is used.
	ScriptPath string `yaml:"script_path,omitempty"`
	// Interface optionally requests a specific tunnel interface name.
	Interface string `yaml:"interface,omitempty"`
	// ReconnectTimeout bounds the engine's internal reconnect loop,
	// in seconds. Valid range 10-300.
	ReconnectTimeout int `yaml:"reconnect_timeout"`
	// ReconnectInterval spaces the engine's reconnect attempts,
	// in seconds. Valid range 10-100, never above ReconnectTimeout.
	ReconnectInterval int `yaml:"reconnect_interval"`
}

// Default returns a configuration with sensible defaults for the given
// server URL. The result still requires Validate before use.
func Default(server string) *Config {
	return &Config{
		Server:            server,
		Protocol:          ProtocolAnyConnect,
		LogLevel:          VerbosityInfo,
		ReconnectTimeout:  int(common.DefaultReconnectTimeout.Seconds()),
		ReconnectInterval: int(common.DefaultReconnectInterval.Seconds()),
	}
}

// Load reads a configuration from a YAML file and validates it.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening configuration: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true) // Strict validation: reject unknown fields

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the configuration to a YAML file with restrictive
// permissions. The password field is never written.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("error serializing configuration: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("error saving configuration: %w", err)
	}

	return nil
}

// Validate verifies that all configuration values are usable.
// All violations are reported as common.ErrInvalidConfiguration.
func (c *Config) Validate() error {
	if c.Server == "" {
		return invalid("server URL is required")
	}
	u, err := url.Parse(c.Server)
	if err != nil || u.Host == "" {
		return invalid(fmt.Sprintf("server URL %q is not parseable", c.Server))
	}
	if u.Scheme != "https" {
		return invalid(fmt.Sprintf("server URL scheme %q is not https", u.Scheme))
	}

	if !c.Protocol.Valid() {
		return invalid(fmt.Sprintf("unknown protocol %q", c.Protocol))
	}

	levels := []string{VerbosityError, VerbosityInfo, VerbosityDebug, VerbosityTrace}
	if !common.StringInSlice(c.LogLevel, levels) {
		return invalid(fmt.Sprintf("unknown log level %q", c.LogLevel))
	}

	if c.ReconnectTimeout < common.MinReconnectTimeoutSec || c.ReconnectTimeout > common.MaxReconnectTimeoutSec {
		return invalid(fmt.Sprintf("reconnect timeout %d out of range [%d, %d]",
			c.ReconnectTimeout, common.MinReconnectTimeoutSec, common.MaxReconnectTimeoutSec))
	}
	if c.ReconnectInterval < common.MinReconnectIntervalSec || c.ReconnectInterval > common.MaxReconnectIntervalSec {
		return invalid(fmt.Sprintf("reconnect interval %d out of range [%d, %d]",
			c.ReconnectInterval, common.MinReconnectIntervalSec, common.MaxReconnectIntervalSec))
	}
	if c.ReconnectInterval > c.ReconnectTimeout {
		return invalid(fmt.Sprintf("reconnect interval %d exceeds reconnect timeout %d",
			c.ReconnectInterval, c.ReconnectTimeout))
	}

	if c.ScriptPath != "" && !common.FileExists(c.ScriptPath) {
		return invalid(fmt.Sprintf("network config script %q does not exist", c.ScriptPath))
	}

	return nil
}

func invalid(reason string) error {
	return common.WrapError(common.ErrInvalidConfiguration, reason)
}
