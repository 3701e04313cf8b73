package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds all Backbone launcher configuration.
type Config struct {
	// License tier used to resolve entitlements
	License LicenseConfig `yaml:"license"`

	// Where catalogs, accounts and sessions live
	Storage StorageConfig `yaml:"storage"`

	// Per-operation deadlines for collaborator calls
	Timeouts TimeoutsConfig `yaml:"timeouts"`

	// Session token signing
	Auth AuthConfig `yaml:"auth"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Terminal UI
	UI UIConfig `yaml:"ui"`
}

// LicenseConfig selects the entitlement tier.
type LicenseConfig struct {
	Tier    string `yaml:"tier"`     // free, pro, team, enterprise
	WebOnly bool   `yaml:"web_only"` // browser deployments cannot reach local disk
}

// StorageConfig locates the launcher's files. Relative paths resolve against DataDir.
type StorageConfig struct {
	DataDir          string `yaml:"data_dir"`
	DatabasePath     string `yaml:"database_path"`
	AccountsPath     string `yaml:"accounts_path"`
	SessionPath      string `yaml:"session_path"`
	EntitlementsPath string `yaml:"entitlements_path"`
	PreferencesPath  string `yaml:"preferences_path"`
}

// TimeoutsConfig bounds each asynchronous bootstrap step.
type TimeoutsConfig struct {
	Entitlements   string `yaml:"entitlements"`
	Authentication string `yaml:"authentication"`
	ProjectLoad    string `yaml:"project_load"`
}

// AuthConfig configures the local token authenticator.
type AuthConfig struct {
	SigningKey string `yaml:"signing_key"`
	Issuer     string `yaml:"issuer"`
	TokenTTL   string `yaml:"token_ttl"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		License: LicenseConfig{
			Tier:    "free",
			WebOnly: false,
		},

		Storage: StorageConfig{
			DataDir:          defaultDataDir(),
			DatabasePath:     "projects.db",
			AccountsPath:     "accounts.yaml",
			SessionPath:      "session.jwt",
			EntitlementsPath: "entitlements.yaml",
			PreferencesPath:  "preferences.json",
		},

		Timeouts: TimeoutsConfig{
			Entitlements:   "5s",
			Authentication: "30s",
			ProjectLoad:    "15s",
		},

		Auth: AuthConfig{
			Issuer:   "backbone",
			TokenTTL: "24h",
		},

		Logging: LoggingConfig{
			Level:     "info",
			Format:    "text",
			DebugMode: false,
		},

		UI: *DefaultUIConfig(),
	}
}

func defaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".backbone"
	}
	return filepath.Join(dir, "backbone")
}

// DefaultPath returns $BACKBONE_CONFIG or the per-user config file location.
func DefaultPath() string {
	if p := os.Getenv("BACKBONE_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(defaultDataDir(), "config.yaml")
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Defaults if config file doesn't exist
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if tier := os.Getenv("BACKBONE_TIER"); tier != "" {
		c.License.Tier = strings.ToLower(tier)
	}
	if v := os.Getenv("BACKBONE_WEB_ONLY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.License.WebOnly = b
		}
	}
	if dir := os.Getenv("BACKBONE_DATA_DIR"); dir != "" {
		c.Storage.DataDir = dir
	}
	if path := os.Getenv("BACKBONE_DB"); path != "" {
		c.Storage.DatabasePath = path
	}
	if key := os.Getenv("BACKBONE_SIGNING_KEY"); key != "" {
		c.Auth.SigningKey = key
	}
}

// BuiltinTiers lists the license tiers with built-in entitlements. The tier table file may add more.
var BuiltinTiers = []string{"free", "pro", "team", "enterprise"}

// Validate validates the configuration. Whether the tier exists is decided by the tier table.
func (c *Config) Validate() error {
	if tier := c.License.Tier; tier == "" || strings.ContainsAny(tier, " \t\n") || tier != strings.ToLower(tier) {
		return fmt.Errorf("%w: license tier %q must be a lowercase name (built-in: %v)", ErrInvalidConfig, tier, BuiltinTiers)
	}

	if c.Storage.DataDir == "" {
		return fmt.Errorf("%w: storage.data_dir is empty", ErrInvalidConfig)
	}

	for name, v := range map[string]string{
		"timeouts.entitlements":   c.Timeouts.Entitlements,
		"timeouts.authentication": c.Timeouts.Authentication,
		"timeouts.project_load":   c.Timeouts.ProjectLoad,
		"auth.token_ttl":          c.Auth.TokenTTL,
	} {
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
		}
	}

	if k := c.Auth.SigningKey; k != "" && len(k) < 32 {
		return fmt.Errorf("%w: auth.signing_key must be at least 32 bytes", ErrInvalidConfig)
	}

	return nil
}

// ResolvePath makes p absolute relative to the data directory.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Storage.DataDir, p)
}

// DatabasePath returns the resolved project catalog path.
func (c *Config) DatabasePath() string { return c.ResolvePath(c.Storage.DatabasePath) }

// AccountsPath returns the resolved accounts file path.
func (c *Config) AccountsPath() string { return c.ResolvePath(c.Storage.AccountsPath) }

// SessionPath returns the resolved session token path.
func (c *Config) SessionPath() string { return c.ResolvePath(c.Storage.SessionPath) }

// EntitlementsPath returns the resolved tier table path.
func (c *Config) EntitlementsPath() string { return c.ResolvePath(c.Storage.EntitlementsPath) }

// PreferencesPath returns the resolved preferences path.
func (c *Config) PreferencesPath() string { return c.ResolvePath(c.Storage.PreferencesPath) }

// LogsDir returns the directory category log files are written to.
func (c *Config) LogsDir() string { return filepath.Join(c.Storage.DataDir, "logs") }

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetEntitlementsTimeout returns the entitlement lookup timeout as a duration.
func (c *Config) GetEntitlementsTimeout() time.Duration {
	return parseDuration(c.Timeouts.Entitlements, 5*time.Second)
}

// GetAuthenticationTimeout returns the sign-in timeout as a duration.
func (c *Config) GetAuthenticationTimeout() time.Duration {
	return parseDuration(c.Timeouts.Authentication, 30*time.Second)
}

// GetProjectLoadTimeout returns the project load timeout as a duration.
func (c *Config) GetProjectLoadTimeout() time.Duration {
	return parseDuration(c.Timeouts.ProjectLoad, 15*time.Second)
}

// GetTokenTTL returns the session token lifetime as a duration.
func (c *Config) GetTokenTTL() time.Duration {
	return parseDuration(c.Auth.TokenTTL, 24*time.Hour)
}
