// Package config loads the per-repository VibeFS configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk shape of <repo>/.vibe/config.yaml.
type Config struct {
	Daemon    DaemonConfig    `yaml:"daemon"`
	Nfs       NfsConfig       `yaml:"nfs"`
	Mount     MountConfig     `yaml:"mount"`
	Log       LogConfig       `yaml:"log"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Promote   PromoteConfig   `yaml:"promote"`
}

// DaemonConfig controls the long-lived daemon process.
type DaemonConfig struct {
	IdleLinger     time.Duration `yaml:"idle_linger"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// NfsConfig controls the per-session NFSv3 exports.
type NfsConfig struct {
	// ConnRatePerSec/ConnBurst limit new TCP connections accepted per
	// export, guarding against a single misbehaving client.
	ConnRatePerSec float64 `yaml:"conn_rate_per_sec"`
	ConnBurst      int     `yaml:"conn_burst"`
}

// MountConfig controls where client-side mounts are attempted.
type MountConfig struct {
	BaseDir string `yaml:"base_dir"`
}

// LogConfig controls daemon and CLI logging.
type LogConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

// ArtifactsConfig lists directory names materialized as scratch symlinks
// rather than tracked through the overlay (see spec §4.3 build-artifact
// passthrough).
type ArtifactsConfig struct {
	VolatileDirs []string `yaml:"volatile_dirs"`
}

// PromoteConfig is read from config.yaml. Promotion does not consult
// DefaultMessage; it falls back to its own built-in commit message.
type PromoteConfig struct {
	DefaultMessage string `yaml:"default_message"`
}

// DefaultConfig returns the configuration used when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			IdleLinger:     20 * time.Minute,
			RequestTimeout: 30 * time.Second,
		},
		Nfs: NfsConfig{
			ConnRatePerSec: 50,
			ConnBurst:      20,
		},
		Log: LogConfig{
			Level: "info",
		},
		Artifacts: ArtifactsConfig{
			VolatileDirs: []string{"target", "node_modules", ".venv", "dist", "build", "__pycache__"},
		},
	}
}

// Load loads configuration for the repository at repoRoot using the real
// environment.
func Load(repoRoot string) (*Config, error) {
	return LoadWithEnv(repoRoot, os.Getenv)
}

// LoadWithEnv loads configuration using the provided environment lookup
// function. This allows tests to provide isolated environment values.
func LoadWithEnv(repoRoot string, getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()

	configPath := filepath.Join(repoRoot, ".vibe", "config.yaml")
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", configPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	if debug := getenv("VIBE_DEBUG"); debug == "1" || debug == "true" {
		cfg.Log.Level = "debug"
	}

	return cfg, nil
}

// Save writes cfg to <repoRoot>/.vibe/config.yaml.
func Save(repoRoot string, cfg *Config) error {
	dir := filepath.Join(repoRoot, ".vibe")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create .vibe directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// VibeDir returns <repoRoot>/.vibe.
func VibeDir(repoRoot string) string { return filepath.Join(repoRoot, ".vibe") }

// SessionsDir returns <repoRoot>/.vibe/sessions.
func SessionsDir(repoRoot string) string { return filepath.Join(VibeDir(repoRoot), "sessions") }

// SocketPath returns the natural (non-shortened) control-plane socket path.
func SocketPath(repoRoot string) string { return filepath.Join(VibeDir(repoRoot), "vibed.sock") }

// PidPath returns the daemon pid file path.
func PidPath(repoRoot string) string { return filepath.Join(VibeDir(repoRoot), "vibed.pid") }

// MetadataPath returns the MetadataStore database path.
func MetadataPath(repoRoot string) string { return filepath.Join(VibeDir(repoRoot), "metadata.db") }

// LogsDir returns <repoRoot>/.vibe/logs.
func LogsDir(repoRoot string) string { return filepath.Join(VibeDir(repoRoot), "logs") }

// CacheDir returns <repoRoot>/.vibe/cache.
func CacheDir(repoRoot string) string { return filepath.Join(VibeDir(repoRoot), "cache") }
