package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// FileName is the config file name searched for by FindConfigFile.
const FileName = "redist.yaml"

// Config is the top-level configuration
type Config struct {
	Domain    string         `yaml:"domain"`
	OutputDir string         `yaml:"output_dir"`
	Download  DownloadConfig `yaml:"download"`
	State     StateConfig    `yaml:"state"`
	Defaults  DefaultsConfig `yaml:"defaults"`
}

// DownloadConfig holds HTTP client settings
type DownloadConfig struct {
	RetryAttempts         int           `yaml:"retry_attempts"`
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	UserAgent             string        `yaml:"user_agent"`
	ManifestLimit         string        `yaml:"manifest_limit"`
}

// StateConfig holds run ledger settings
type StateConfig struct {
	DBPath string `yaml:"db_path"` // empty disables the ledger
}

// DefaultsConfig holds the default value of each pipeline toggle
type DefaultsConfig struct {
	Download bool `yaml:"download"`
	Checksum bool `yaml:"checksum"`
	Size     bool `yaml:"size"`
	Extract  bool `yaml:"extract"`
	Flatten  bool `yaml:"flatten"`
}

// DefaultConfig returns the built-in configuration
func DefaultConfig() *Config {
	return &Config{
		Domain:    "https://developer.download.nvidia.com",
		OutputDir: "flat",
		Download: DownloadConfig{
			RetryAttempts:         3,
			ConnectTimeout:        30 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			UserAgent:             "redist/1.0",
			ManifestLimit:         "64MB",
		},
		Defaults: DefaultsConfig{
			Download: true,
			Checksum: true,
			Size:     true,
			Extract:  true,
			Flatten:  true,
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks values that cannot be caught by YAML decoding
func (c *Config) Validate() error {
	if c.Download.RetryAttempts < 0 {
		return fmt.Errorf("download.retry_attempts must not be negative")
	}
	if _, err := c.ManifestLimitBytes(); err != nil {
		return fmt.Errorf("download.manifest_limit: %w", err)
	}
	return nil
}

// ManifestLimitBytes returns the manifest size limit in bytes
func (c *Config) ManifestLimitBytes() (int64, error) {
	n, err := ParseSize(c.Download.ManifestLimit)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("limit must be positive")
	}
	return n, nil
}

// SearchPaths lists config file locations in priority order
func SearchPaths() []string {
	return []string{
		FileName,
		filepath.Join(xdg.ConfigHome, "redist", FileName),
		filepath.Join("/etc", "redist", FileName),
	}
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	return findFirst(SearchPaths())
}

func findFirst(searchPaths []string) (string, error) {
	for _, path := range searchPaths {
		if fi, err := os.Stat(path); err == nil && fi.Mode().IsRegular() {
			return path, nil
		}
	}
	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}
