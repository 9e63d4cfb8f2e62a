// Package config provides configuration loading for the MITM engine:
// defaults, JSON/YAML file loading, and environment-variable overrides,
// the way github.com/kdsmith18542/gordp's config package loads client
// options - reshaped around the handful of knobs spec.md §6 recognizes.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete MITM engine configuration.
type Config struct {
	Listen   ListenConfig   `json:"listen" yaml:"listen"`
	Target   TargetConfig   `json:"target" yaml:"target"`
	TLS      TLSConfig      `json:"tls" yaml:"tls"`
	Recorder RecorderConfig `json:"recorder" yaml:"recorder"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
}

// ListenConfig is the client-facing accept side.
type ListenConfig struct {
	Address        string        `json:"address" yaml:"address"`
	Port           int           `json:"port" yaml:"port"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
}

// TargetConfig is the real RDP server the MITM relays to.
type TargetConfig struct {
	Host           string        `json:"host" yaml:"host"`
	Port           int           `json:"port" yaml:"port"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
}

// TLSConfig names the substitute certificate and key the MITM presents
// to the client in place of the real server's.
type TLSConfig struct {
	CertificateFileName string `json:"certificate_file_name" yaml:"certificate_file_name"`
	PrivateKeyFileName  string `json:"private_key_file_name" yaml:"private_key_file_name"`
}

// RecorderConfig controls where observed PDUs are written.
type RecorderConfig struct {
	OutputDir  string `json:"output_dir" yaml:"output_dir"`
	RecordHost string `json:"record_host" yaml:"record_host"`
	RecordPort int    `json:"record_port" yaml:"record_port"`
}

// LoggingConfig controls the glog backend.
type LoggingConfig struct {
	Level string `json:"level" yaml:"level"`
	File  string `json:"file" yaml:"file"`
}

// DefaultConfig returns sane defaults; the caller must still supply
// Target.Host/Port and the certificate/key file names.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Address:        "0.0.0.0",
			Port:           3389,
			ConnectTimeout: 10 * time.Second,
		},
		Target: TargetConfig{
			ConnectTimeout: 10 * time.Second,
		},
		Recorder: RecorderConfig{
			OutputDir: "out",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFromFile loads a JSON or YAML config file over the defaults.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()

	switch {
	case strings.HasSuffix(filename, ".json"):
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse JSON config: %w", err)
		}
	case strings.HasSuffix(filename, ".yaml"), strings.HasSuffix(filename, ".yml"):
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse YAML config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", filename)
	}

	return cfg, nil
}

// LoadFromEnvironment overlays RDPMITM_* environment variables on the defaults.
func LoadFromEnvironment() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("RDPMITM_LISTEN_ADDRESS"); v != "" {
		cfg.Listen.Address = v
	}
	if v := os.Getenv("RDPMITM_LISTEN_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Listen.Port = p
		}
	}
	if v := os.Getenv("RDPMITM_TARGET_HOST"); v != "" {
		cfg.Target.Host = v
	}
	if v := os.Getenv("RDPMITM_TARGET_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Target.Port = p
		}
	}
	if v := os.Getenv("RDPMITM_CERT_FILE"); v != "" {
		cfg.TLS.CertificateFileName = v
	}
	if v := os.Getenv("RDPMITM_KEY_FILE"); v != "" {
		cfg.TLS.PrivateKeyFileName = v
	}
	if v := os.Getenv("RDPMITM_RECORD_HOST"); v != "" {
		cfg.Recorder.RecordHost = v
	}
	if v := os.Getenv("RDPMITM_RECORD_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Recorder.RecordPort = p
		}
	}
	if v := os.Getenv("RDPMITM_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg
}

// Validate checks that the configuration is complete enough to start a listener.
func (c *Config) Validate() error {
	if c.Target.Host == "" {
		return fmt.Errorf("target host is required")
	}
	if c.Target.Port <= 0 || c.Target.Port > 65535 {
		return fmt.Errorf("invalid target port: %d", c.Target.Port)
	}
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("invalid listen port: %d", c.Listen.Port)
	}
	if c.TLS.CertificateFileName == "" || c.TLS.PrivateKeyFileName == "" {
		return fmt.Errorf("certificate and private key file names are required")
	}
	if c.Recorder.RecordHost != "" && c.Recorder.RecordPort <= 0 {
		return fmt.Errorf("record_port is required when record_host is set")
	}
	return nil
}

// ListenAddr formats the accept address for net.Listen.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Listen.Address, c.Listen.Port)
}

// TargetAddr formats the outbound dial address.
func (c *Config) TargetAddr() string {
	return fmt.Sprintf("%s:%d", c.Target.Host, c.Target.Port)
}
