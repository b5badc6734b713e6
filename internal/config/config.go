// Package config provides configuration parsing and validation for the
// broadcast gateway.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TCP egress modes.
const (
	// ModeConnect maintains a single persistent outbound connection and
	// forwards length-prefixed frames to it.
	ModeConnect = "connect"

	// ModeServe accepts TCP clients and fans each datagram out to all of
	// them, unframed.
	ModeServe = "serve"
)

// Config represents the complete gateway configuration.
type Config struct {
	Log           LogConfig      `yaml:"log"`
	UDP           UDPConfig      `yaml:"udp"`
	TCP           TCPConfig      `yaml:"tcp"`
	Firewall      FirewallConfig `yaml:"firewall"`
	Health        HealthConfig   `yaml:"health"`
	StatsInterval time.Duration  `yaml:"stats_interval"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// UDPConfig defines the datagram listener.
type UDPConfig struct {
	Port        int    `yaml:"port"`         // UDP port to listen on
	BindAddress string `yaml:"bind_address"` // Address to bind the listener to
}

// TCPConfig defines the TCP egress.
type TCPConfig struct {
	Mode           string        `yaml:"mode"`            // connect or serve
	Host           string        `yaml:"host"`            // connect mode target host
	Port           int           `yaml:"port"`            // target port (connect) or listen port (serve)
	ReconnectDelay time.Duration `yaml:"reconnect_delay"` // fixed retry interval (connect mode)
	ProbeInterval  time.Duration `yaml:"probe_interval"`  // liveness read timeout (connect mode)
}

// FirewallConfig defines the optional iptables collaborator.
type FirewallConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Interface string `yaml:"interface"` // restrict rules to one interface, or "any"
}

// HealthConfig defines the optional health/metrics HTTP server.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		UDP: UDPConfig{
			Port:        50222,
			BindAddress: "0.0.0.0",
		},
		TCP: TCPConfig{
			Mode:           ModeConnect,
			Host:           "",
			Port:           8888,
			ReconnectDelay: 5 * time.Second,
			ProbeInterval:  10 * time.Second,
		},
		Firewall: FirewallConfig{
			Enabled:   false,
			Interface: "any",
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		StatsInterval: 60 * time.Second,
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if !isValidPort(c.UDP.Port) {
		errs = append(errs, fmt.Sprintf("udp.port must be between 1 and 65535, got %d", c.UDP.Port))
	}
	if c.UDP.BindAddress != "" && net.ParseIP(c.UDP.BindAddress) == nil {
		errs = append(errs, fmt.Sprintf("udp.bind_address is not a valid IP address: %s", c.UDP.BindAddress))
	}

	switch c.TCP.Mode {
	case ModeConnect:
		if c.TCP.Host == "" {
			errs = append(errs, "tcp.host is required in connect mode")
		}
	case ModeServe:
		// Listen-side fan-out; host is ignored.
	default:
		errs = append(errs, fmt.Sprintf("invalid tcp.mode: %s (must be connect or serve)", c.TCP.Mode))
	}
	if !isValidPort(c.TCP.Port) {
		errs = append(errs, fmt.Sprintf("tcp.port must be between 1 and 65535, got %d", c.TCP.Port))
	}
	if c.TCP.ReconnectDelay <= 0 {
		errs = append(errs, "tcp.reconnect_delay must be positive")
	}
	if c.TCP.ProbeInterval <= 0 {
		errs = append(errs, "tcp.probe_interval must be positive")
	}

	if c.Firewall.Enabled && c.Firewall.Interface == "" {
		errs = append(errs, "firewall.interface must be an interface name or \"any\"")
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if c.StatsInterval < 0 {
		errs = append(errs, "stats_interval must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// UDPListenAddr returns the UDP listen address in host:port form.
func (c *Config) UDPListenAddr() string {
	return net.JoinHostPort(c.UDP.BindAddress, fmt.Sprintf("%d", c.UDP.Port))
}

// TCPAddr returns the TCP target (connect mode) or listen (serve mode)
// address in host:port form.
func (c *Config) TCPAddr() string {
	host := c.TCP.Host
	if c.TCP.Mode == ModeServe {
		host = c.UDP.BindAddress
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", c.TCP.Port))
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidPort(port int) bool {
	return port >= 1 && port <= 65535
}
