package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"calbridge/internal/fsutil"
)

// DefaultPath is used when no -config flag is given.
const DefaultPath = "/etc/calbridge/config.yaml"

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverICS    = "ics"
)

// SubscriptionConfig describes a single read-only ICS feed.
type SubscriptionConfig struct {
	// ID is an internal identifier used for caching and logging.
	ID string `yaml:"id" json:"id"`
	// Name is the calendar name events from this feed report.
	Name string `yaml:"name" json:"name"`
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
}

// StoreConfig selects and configures the calendar store.
type StoreConfig struct {
	// Driver is one of "memory", "sqlite", "ics".
	Driver string `yaml:"driver" json:"driver"`
	// Path is the SQLite database or .ics file. Empty picks a default
	// next to the config file.
	Path string `yaml:"path" json:"path"`
	// DefaultCalendar receives newly created events.
	DefaultCalendar string `yaml:"default_calendar" json:"default_calendar"`
	// Permission is the memory driver's access answer:
	// granted, denied or restricted.
	Permission string `yaml:"permission" json:"permission"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the HTTP channel.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address. Empty disables the HTTP channel.
	Listen string `yaml:"listen" json:"listen"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// Stdio also serves the line-JSON channel on stdin/stdout.
	Stdio bool `yaml:"stdio" json:"stdio"`

	Store StoreConfig `yaml:"store" json:"store"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *")
	// for reloading the ics store and its subscriptions.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// Subscriptions are read-only feeds (ics driver only).
	Subscriptions []SubscriptionConfig `yaml:"subscriptions" json:"subscriptions"`

	// CacheDir stores fetched subscription bodies. Empty picks a default
	// next to the config file.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:   "127.0.0.1:8080",
		LogLevel: "info",
		Store: StoreConfig{
			Driver:          DriverMemory,
			DefaultCalendar: "Calendar",
			Permission:      "granted",
		},
		RefreshCron:   "*/15 * * * *",
		Subscriptions: []SubscriptionConfig{},
	}
}

// Normalize fills in missing values and coerces unknown enum values to
// their defaults so partially-filled configs still behave.
func (c *Config) Normalize() {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		c.LogLevel = "info"
	}

	if c.Store.Driver == "" {
		c.Store.Driver = DriverMemory
	}
	if c.Store.DefaultCalendar == "" {
		c.Store.DefaultCalendar = "Calendar"
	}
	switch c.Store.Permission {
	case "granted", "denied", "restricted":
	default:
		c.Store.Permission = "granted"
	}

	if c.RefreshCron == "" {
		c.RefreshCron = "*/15 * * * *"
	}
	if c.Subscriptions == nil {
		c.Subscriptions = []SubscriptionConfig{}
	}
	if c.BasicAuth != nil && c.BasicAuth.Username == "" && c.BasicAuth.Password == "" {
		c.BasicAuth = nil
	}
}

// Validate reports settings Normalize cannot repair.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite, DriverICS:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", c.RefreshCron, err)
	}
	seen := make(map[string]bool, len(c.Subscriptions))
	for i, sub := range c.Subscriptions {
		if sub.ID == "" || sub.URL == "" {
			return fmt.Errorf("subscription %d: id and url are required", i)
		}
		if seen[sub.ID] {
			return fmt.Errorf("duplicate subscription id %q", sub.ID)
		}
		seen[sub.ID] = true
	}
	if len(c.Subscriptions) > 0 && c.Store.Driver != DriverICS {
		return fmt.Errorf("subscriptions require the %q store driver", DriverICS)
	}
	return nil
}

// StorePath returns the configured store path, or a driver default
// beside the config file.
func (c *Config) StorePath(configPath string) string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	dir := filepath.Dir(configPath)
	switch c.Store.Driver {
	case DriverSQLite:
		return filepath.Join(dir, "calendar.db")
	case DriverICS:
		return filepath.Join(dir, "calendar.ics")
	}
	return ""
}

// CachePath returns the subscription cache directory.
func (c *Config) CachePath(configPath string) string {
	if c.CacheDir != "" {
		return c.CacheDir
	}
	return filepath.Join(filepath.Dir(configPath), "cache")
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Caller decides whether an unsaved default is usable.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes cfg atomically (temp file + rename) with 0600 permissions,
// creating the parent directory with 0700 if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, 0o600)
}

// Save is a convenience method that delegates to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
