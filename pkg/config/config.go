// Package config handles configuration loading and management.
package config

import (
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/commatea/BleX-Bridge/pkg/bluetooth"
)

// Default config file locations.
var configPaths = []string{
	"./config.yaml",
	"./config.yml",
	"./blex.yaml",
	"./blex.yml",
	"~/.config/blex/config.yaml",
	"/etc/blex/config.yaml",
}

// Config is the full gateway configuration.
type Config struct {
	// Server configures the WebSocket listener.
	Server ServerConfig `yaml:"server" json:"server"`

	// Bluetooth configures the coordinator and pairing backend.
	Bluetooth BluetoothConfig `yaml:"bluetooth" json:"bluetooth"`

	// Logging defines logging settings.
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Status configures the status/metrics HTTP server.
	Status StatusConfig `yaml:"status" json:"status"`
}

// ServerConfig holds the WebSocket listener settings. The gateway binds to
// loopback only; web pages reach it at ws://127.0.0.1:<port>.
type ServerConfig struct {
	// Host is the bind address.
	Host string `yaml:"host" json:"host"`

	// Port is the listen port.
	Port int `yaml:"port" json:"port" validate:"min=0,max=65535"`
}

// BluetoothConfig holds BLE coordinator settings.
type BluetoothConfig struct {
	// Pairing selects the pairing backend: auto, bluez, bluez-pin or os.
	Pairing string `yaml:"pairing" json:"pairing" validate:"omitempty,oneof=auto bluez bluez-pin os"`

	// Coordinator tunes handshake and loader timing. Zero values use the
	// defaults.
	Coordinator bluetooth.CoordinatorConfig `yaml:"coordinator" json:"coordinator"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level" json:"level"`

	// Format is the log format (json, text).
	Format string `yaml:"format" json:"format"`

	// Output is the log output (stdout, file).
	Output string `yaml:"output" json:"output"`

	// File is the log file path.
	File string `yaml:"file" json:"file"`
}

// StatusConfig holds the status HTTP server configuration.
type StatusConfig struct {
	// Enabled enables the status server.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Port is the status server port.
	Port int `yaml:"port" json:"port" validate:"min=0,max=65535"`
}

// Load loads configuration from file.
func Load(path string) (*Config, error) {
	// If path is specified, use it directly
	if path != "" {
		return loadFile(path)
	}

	// Try default paths
	for _, p := range configPaths {
		// Expand home directory
		if p[0] == '~' {
			home, err := os.UserHomeDir()
			if err == nil {
				p = filepath.Join(home, p[2:])
			}
		}

		if _, err := os.Stat(p); err == nil {
			return loadFile(p)
		}
	}

	// Return default config if no file found
	return DefaultConfig(), nil
}

// loadFile loads configuration from a specific file.
func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate validates the configuration.
func Validate(cfg *Config) error {
	validate := validator.New()
	return validate.Struct(cfg)
}

// Save saves configuration to file.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 21327,
		},
		Bluetooth: BluetoothConfig{
			Pairing:     "auto",
			Coordinator: bluetooth.DefaultCoordinatorConfig(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Status: StatusConfig{
			Enabled: false,
			Port:    21328,
		},
	}
}
