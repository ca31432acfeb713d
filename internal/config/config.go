// Package config loads the agent's runtime configuration: state
// directories, manifest version bounds, and the extension ABI contract
// version it speaks. Uses a layered viper config: environment variables
// override a config file, which overrides built-in defaults.
package config

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/viper"

	"duagent/pkg/manifest"
)

// Config is the agent's fully resolved runtime configuration.
type Config struct {
	// StateDir is the root directory for persisted workflow snapshots,
	// the history database, and the extension registry's descriptors.
	StateDir string `mapstructure:"state_dir"`

	// DownloadsDir is where root workflow sandboxes are created; defaults
	// to <StateDir>/downloads.
	DownloadsDir string `mapstructure:"downloads_dir"`

	// ExtensionsDir is where pkg/registry looks for handler descriptors;
	// defaults to <StateDir>/extensions.
	ExtensionsDir string `mapstructure:"extensions_dir"`

	// MinManifestVersion and MaxManifestVersion are configured manifest
	// version bounds. pkg/manifest's constants are the defaults, and
	// Validate rejects a range wider than them. manifest.ValidateVersion
	// checks manifests against pkg/manifest's constants and does not read
	// these fields.
	MinManifestVersion int `mapstructure:"min_manifest_version"`
	MaxManifestVersion int `mapstructure:"max_manifest_version"`

	// ExtensionContractMajor is the configured extension ABI major
	// version. pkg/dispatch checks handlers against its own
	// SupportedContractMajor constant and does not read this field.
	ExtensionContractMajor int `mapstructure:"extension_contract_major"`

	// Debug enables verbose logging via internal/logging.
	Debug bool `mapstructure:"debug"`

	// DeviceManufacturer and DeviceModel are matched against a manifest's
	// compatibility entries by pkg/statemachine before a deployment is
	// allowed to start.
	DeviceManufacturer string `mapstructure:"device_manufacturer"`
	DeviceModel        string `mapstructure:"device_model"`
}

// DefaultStateDir is the agent's default on-disk home when no
// configuration overrides it.
const DefaultStateDir = "/var/lib/duagent"

// Load resolves configuration from (in increasing priority): built-in
// defaults, an optional config file at path (if non-empty), and
// environment variables prefixed DUAGENT_.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("duagent")
	v.AutomaticEnv()

	v.SetDefault("state_dir", DefaultStateDir)
	v.SetDefault("min_manifest_version", manifest.MinManifestVersion)
	v.SetDefault("max_manifest_version", manifest.MaxManifestVersion)
	v.SetDefault("extension_contract_major", 1)
	v.SetDefault("debug", false)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if cfg.DownloadsDir == "" {
		cfg.DownloadsDir = filepath.Join(cfg.StateDir, "downloads")
	}
	if cfg.ExtensionsDir == "" {
		cfg.ExtensionsDir = filepath.Join(cfg.StateDir, "extensions")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects a configuration that narrows the manifest version
// bounds into an empty range, or that otherwise can't produce a working
// agent.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("config: state_dir is required")
	}
	if c.MinManifestVersion > c.MaxManifestVersion {
		return fmt.Errorf("config: min_manifest_version (%d) exceeds max_manifest_version (%d)",
			c.MinManifestVersion, c.MaxManifestVersion)
	}
	if c.MinManifestVersion < manifest.MinManifestVersion {
		return fmt.Errorf("config: min_manifest_version cannot be lower than the build's floor of %d",
			manifest.MinManifestVersion)
	}
	if c.MaxManifestVersion > manifest.MaxManifestVersion {
		return fmt.Errorf("config: max_manifest_version cannot exceed the build's ceiling of %d",
			manifest.MaxManifestVersion)
	}
	return nil
}

// SnapshotDir is where pkg/persistence stores workflow snapshots.
func (c *Config) SnapshotDir() string {
	return filepath.Join(c.StateDir, "snapshots")
}

// HistoryDBPath is where internal/history opens its sqlite file.
func (c *Config) HistoryDBPath() string {
	return filepath.Join(c.StateDir, "history.db")
}
