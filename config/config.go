// Package config loads the relay configuration from YAML, the environment
// and command-line overrides.
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kozmoi/radar-relay/serial"
)

// ReservedPorts may not be used for the relay listener.
var ReservedPorts = []int{
	0, 7, 9, 13, 17, 19, 20, 21, 22, 23, 25, 53, 67, 68, 69, 80, 110, 135, 137, 138, 139,
	143, 161, 162, 389, 443, 445, 464, 514, 515, 520, 587, 631, 993, 995,
}

// BaudRates lists the rates the serial reader can configure.
var BaudRates = serial.SupportedBaudRates

const (
	MinConnections = 1
	MaxConnections = 10
)

// Config represents the relay configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Serial  SerialConfig  `yaml:"serial"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig holds TCP listener and admission settings
type ServerConfig struct {
	Host                string        `yaml:"host"`
	Port                int           `yaml:"port"`
	MaxConnections      int           `yaml:"max_connections"`
	ForceMaxConnections bool          `yaml:"force_max_connections"`
	AdmissionRetry      time.Duration `yaml:"admission_retry"`
	ErrorPause          time.Duration `yaml:"error_pause"`
}

// SerialConfig holds device settings
type SerialConfig struct {
	Device        string `yaml:"device"`
	BaudRate      int    `yaml:"baud_rate"`
	MaxLineLength int    `yaml:"max_line_length"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Debug  bool   `yaml:"debug"`
}

// MetricsConfig holds the Prometheus endpoint; an empty address disables it
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           25565,
			MaxConnections: 5,
			AdmissionRetry: time.Second,
			ErrorPause:     time.Millisecond,
		},
		Serial: SerialConfig{
			Device:        "/dev/ttyUSB0",
			BaudRate:      9600,
			MaxLineLength: 180,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig loads configuration from file and environment variables.
// An empty path falls back to RELAY_CONFIG, and to defaults if that is unset.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = os.Getenv("RELAY_CONFIG")
	}
	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config) error {
	if host := os.Getenv("RELAY_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if device := os.Getenv("RELAY_SERIAL_DEVICE"); device != "" {
		cfg.Serial.Device = device
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}
	if addr := os.Getenv("RELAY_METRICS_ADDR"); addr != "" {
		cfg.Metrics.Address = addr
	}

	ints := []struct {
		env string
		dst *int
	}{
		{"RELAY_PORT", &cfg.Server.Port},
		{"RELAY_BAUD_RATE", &cfg.Serial.BaudRate},
		{"RELAY_MAX_CONNECTIONS", &cfg.Server.MaxConnections},
	}
	for _, o := range ints {
		raw := os.Getenv(o.env)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%s: %q is not a number", o.env, raw)
		}
		*o.dst = v
	}

	if debug := os.Getenv("RELAY_DEBUG"); debug != "" {
		v, err := strconv.ParseBool(debug)
		if err != nil {
			return fmt.Errorf("RELAY_DEBUG: %q is not a boolean", debug)
		}
		cfg.Logging.Debug = v
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := ValidatePort(c.Server.Port); err != nil {
		return err
	}
	if err := ValidateMaxConnections(c.Server.MaxConnections, c.Server.ForceMaxConnections); err != nil {
		return err
	}
	if err := ValidateBaudRate(c.Serial.BaudRate); err != nil {
		return err
	}
	if strings.TrimSpace(c.Serial.Device) == "" {
		return fmt.Errorf("serial device cannot be empty")
	}
	if c.Serial.MaxLineLength < 0 {
		return fmt.Errorf("serial max_line_length cannot be negative")
	}
	if c.Server.AdmissionRetry < 0 || c.Server.ErrorPause < 0 {
		return fmt.Errorf("server durations cannot be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q, must be one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be text or json", c.Logging.Format)
	}
	return nil
}

// ValidatePort rejects ports outside 1-65535 and reserved well-known ports.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d is outside the range 1-65535", port)
	}
	if slices.Contains(ReservedPorts, port) {
		return fmt.Errorf("port %d is reserved", port)
	}
	return nil
}

// ValidateBaudRate rejects rates the serial reader cannot configure.
func ValidateBaudRate(baud int) error {
	if !slices.Contains(BaudRates, baud) {
		return fmt.Errorf("baud rate %d is not supported, must be one of %v", baud, BaudRates)
	}
	return nil
}

// ValidateMaxConnections enforces 1-10 clients unless force is set.
func ValidateMaxConnections(n int, force bool) error {
	if n < MinConnections {
		return fmt.Errorf("max connections must be at least %d, got %d", MinConnections, n)
	}
	if !force && n > MaxConnections {
		return fmt.Errorf("max connections must be between %d and %d, got %d (force to override)", MinConnections, MaxConnections, n)
	}
	return nil
}
