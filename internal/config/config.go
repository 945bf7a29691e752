// Package config provides configuration management for the stack controller.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stackops/stackctl/internal/inventory"
	"github.com/stackops/stackctl/internal/offsite"
)

// DefaultConfigDir returns the default config directory (~/.stackctl).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".stackctl"), nil
}

// DefaultConfigPath returns the default config file path (~/.stackctl/config.yml).
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yml"), nil
}

// Config holds the controller's configuration.
type Config struct {
	InventoryPath string `yaml:"inventory_path,omitempty"`
	ComposeFile   string `yaml:"compose_file,omitempty"`

	BackupDir     string `yaml:"backup_dir,omitempty"`
	RetentionDays int    `yaml:"retention_days,omitempty"`
	BackupWorkers int    `yaml:"backup_workers,omitempty"`

	ProbeTimeout   inventory.Duration `yaml:"probe_timeout,omitempty"`
	StopTimeout    inventory.Duration `yaml:"stop_timeout,omitempty"`
	DrainSeconds   int                `yaml:"drain_seconds,omitempty"`
	HealthDeadline inventory.Duration `yaml:"health_deadline,omitempty"`

	LockPath    string `yaml:"lock_path,omitempty"`
	HistoryPath string `yaml:"history_path,omitempty"`

	Schedule string `yaml:"schedule,omitempty"`

	Offsite offsite.Target `yaml:"offsite,omitempty"`
}

// DefaultConfig returns a config with sensible defaults applied.
func DefaultConfig() *Config {
	return &Config{
		InventoryPath:  "stack.yml",
		ComposeFile:    "docker-compose.yml",
		BackupDir:      "/var/backups/stackctl",
		RetentionDays:  7,
		BackupWorkers:  2,
		StopTimeout:    inventory.Duration(30 * time.Second),
		DrainSeconds:   10,
		HealthDeadline: inventory.Duration(2 * time.Minute),
		LockPath:       "/var/run/stackctl.lock",
		HistoryPath:    "/var/lib/stackctl/history.db",
	}
}

// Load reads the configuration from the given path, layers it over
// defaults, and applies STACKCTL_* environment overrides. A missing file
// is not an error; defaults plus environment apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyEnv()
	return cfg, nil
}

// Save writes the configuration to the given path, creating directories as needed.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	// Offsite credentials may be present, keep user-only permissions.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("STACKCTL_BACKUP_DIR"); v != "" {
		c.BackupDir = v
	}
	if v := os.Getenv("STACKCTL_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.RetentionDays = n
		}
	}
	if v := os.Getenv("STACKCTL_PROBE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.ProbeTimeout = inventory.Duration(d)
		}
	}
	if v := os.Getenv("STACKCTL_STOP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.StopTimeout = inventory.Duration(d)
		}
	}
	if v := os.Getenv("STACKCTL_DRAIN_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.DrainSeconds = n
		}
	}
}
