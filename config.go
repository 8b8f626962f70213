package main

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "config.yaml"

type Config struct {
	Mock    bool         `yaml:"mock"`
	Server  ServerConfig `yaml:"server"`
	BLE     BLEConfig    `yaml:"ble"`
	MockBLE MockConfig   `yaml:"mock_ble"`
	Log     LogConfig    `yaml:"log"`
	UI      UIConfig     `yaml:"ui"`
}

type ServerConfig struct {
	Address   string `yaml:"address" default:"127.0.0.1:8501"`
	UseTLS    bool   `yaml:"use_tls"`
	TLSCert   string `yaml:"certificate"`
	TLSKey    string `yaml:"private_key"`
	AuthToken string `yaml:"auth_token"`
	StaticDir string `yaml:"static_dir" default:"static"`
}

type BLEConfig struct {
	Backend        string        `yaml:"backend" default:"tinygo"`
	ScanTimeout    time.Duration `yaml:"scan_timeout" default:"10s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"15s"`
}

type MockConfig struct {
	ScanDelay      time.Duration `yaml:"scan_delay" default:"500ms"`
	ConnectDelay   time.Duration `yaml:"connect_delay" default:"300ms"`
	SampleInterval time.Duration `yaml:"sample_interval" default:"1s"`
	Seed           uint64        `yaml:"seed" default:"1"`
}

type LogConfig struct {
	Level  string `yaml:"level" default:"info"`
	Format string `yaml:"format" default:"text"`
}

type UIConfig struct {
	PushRate float64 `yaml:"push_rate" default:"10"`
}

const (
	BackendTinyGo = "tinygo"
	BackendGoBLE  = "goble"
)

func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// LoadConfig reads path on top of the defaults. A missing file is not an
// error. Environment overrides are applied last.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	ApplyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func ApplyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("FITDASH_MOCK"); ok {
		cfg.Mock = parseMockFlag(v)
	}
	if v := os.Getenv("FITDASH_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("FITDASH_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("FITDASH_BLE_BACKEND"); v != "" {
		cfg.BLE.Backend = v
	}
	if v := os.Getenv("FITDASH_AUTH_TOKEN"); v != "" {
		cfg.Server.AuthToken = v
	}
}

// parseMockFlag accepts "true" and "1", case-insensitively. Anything else
// selects real hardware.
func parseMockFlag(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1":
		return true
	default:
		return false
	}
}

// ValidationError collects every problem found in a config.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

func (v *ValidationError) add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

func (c *Config) Validate() error {
	ve := &ValidationError{}

	if _, _, err := net.SplitHostPort(c.Server.Address); err != nil {
		ve.add("server.address %q: %v", c.Server.Address, err)
	}
	if c.Server.UseTLS && (c.Server.TLSCert == "" || c.Server.TLSKey == "") {
		ve.add("server.certificate and server.private_key are required with server.use_tls")
	}

	switch c.BLE.Backend {
	case BackendTinyGo, BackendGoBLE:
	default:
		ve.add("ble.backend must be %s or %s, got %q", BackendTinyGo, BackendGoBLE, c.BLE.Backend)
	}
	if c.BLE.ScanTimeout <= 0 {
		ve.add("ble.scan_timeout must be > 0")
	}
	if c.BLE.ConnectTimeout <= 0 {
		ve.add("ble.connect_timeout must be > 0")
	}
	if c.MockBLE.SampleInterval <= 0 {
		ve.add("mock_ble.sample_interval must be > 0")
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		ve.add("log.level: %v", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		ve.add("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.UI.PushRate <= 0 {
		ve.add("ui.push_rate must be > 0")
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

// NewLogger builds the process logger from the log section.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if c.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	}
	return logger
}
