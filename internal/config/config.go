package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Default config file path.
const DefaultConfigPath = "~/.config/histo/config.yaml"

// Config holds all Histo configuration.
type Config struct {
	Storage     StorageConfig     `yaml:"storage"`
	Daemon      DaemonConfig      `yaml:"daemon"`
	Tracking    TrackingConfig    `yaml:"tracking"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Categories  CategoriesConfig  `yaml:"categories"`
	Alerts      []AlertRule       `yaml:"alerts"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type StorageConfig struct {
	Path       string `yaml:"path"`
	SQLiteFile string `yaml:"sqlite_file"`
}

type DaemonConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

type TrackingConfig struct {
	MaxVisits      int      `yaml:"max_visits"`
	MaxSessions    int      `yaml:"max_sessions"`
	EndOnIdle      bool     `yaml:"end_on_idle"`
	IgnoredSchemes []string `yaml:"ignored_schemes"`
	IgnoredDomains []string `yaml:"ignored_domains"`
}

type AggregationConfig struct {
	IntervalMinutes int `yaml:"interval_minutes"`
}

// CategoriesConfig maps exact domains to user-chosen category labels; the
// keyword heuristic only runs when no override matches.
type CategoriesConfig struct {
	Overrides map[string]string `yaml:"overrides"`
}

// AlertRule fires a notification once per day when a domain's or category's
// usage reaches the threshold.
type AlertRule struct {
	Domain   string `yaml:"domain,omitempty"`
	Category string `yaml:"category,omitempty"`
	Minutes  int64  `yaml:"minutes"`
}

// Name returns a stable identifier for once-per-day deduplication.
func (r AlertRule) Name() string {
	if r.Domain != "" {
		return "domain:" + r.Domain
	}
	return "category:" + r.Category
}

type LoggingConfig struct {
	Level   string `yaml:"level"`
	Verbose bool   `yaml:"verbose"`
}

// DatabasePath resolves the full SQLite file path from the storage section.
func (c *Config) DatabasePath() (string, error) {
	dir, err := expandPath(c.Storage.Path)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, c.Storage.SQLiteFile), nil
}

// Load reads a YAML config file at path and merges it with defaults.
// Returns an error if the file cannot be read or contains invalid YAML.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// expandPath replaces a leading ~ with the user's home directory.
func expandPath(path string) (string, error) {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// LoadOrCreate loads the config from the default path. If the file does
// not exist, it creates the directory structure and writes defaults.
func LoadOrCreate() (*Config, error) {
	path, err := expandPath(DefaultConfigPath)
	if err != nil {
		return nil, err
	}
	return LoadOrCreateAt(path)
}

// LoadOrCreateAt loads the config from the given path. If the file does
// not exist, it creates the directory structure and writes defaults.
func LoadOrCreateAt(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()

		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating config directory: %w", err)
		}

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("marshaling default config: %w", err)
		}

		if err := os.WriteFile(path, data, 0644); err != nil {
			return nil, fmt.Errorf("writing default config: %w", err)
		}

		return cfg, nil
	}

	return Load(path)
}
