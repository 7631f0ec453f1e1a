package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// SourceConfig describes one ICS feed merged into the calendar.
type SourceConfig struct {
	// ID becomes the source of every entry parsed from this feed.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label used in logs.
	Name string `yaml:"name" json:"name"`
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// Color is applied to entries that carry no COLOR of their own.
	Color string `yaml:"color,omitempty" json:"color,omitempty"`
}

// ResourceConfig is one node of the resource tree entries may reference.
type ResourceConfig struct {
	ID     string `yaml:"id" json:"id"`
	Title  string `yaml:"title" json:"title"`
	Parent string `yaml:"parent,omitempty" json:"parent,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the widget and API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// CaptureConfig controls the headless screenshot of the widget.
type CaptureConfig struct {
	Width      int `yaml:"width" json:"width"`
	Height     int `yaml:"height" json:"height"`
	TimeoutSec int `yaml:"timeout_sec" json:"timeout_sec"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the widget and API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone used for floating ICS times.
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is a standard 5-field cron expression for feed refresh.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// HorizonDays bounds recurrence expansion into the future.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	Sources   []SourceConfig   `yaml:"sources" json:"sources"`
	Resources []ResourceConfig `yaml:"resources" json:"resources"`

	// BasicAuth, if non-nil, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	// CacheDir keeps the last good body of every feed. Empty disables it.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	Capture CaptureConfig `yaml:"capture" json:"capture"`
}

const (
	defaultListen  = "127.0.0.1:8080"
	defaultTZ      = "UTC"
	defaultRefresh = "*/15 * * * *"
	defaultHorizon = 30
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:      defaultListen,
		Timezone:    defaultTZ,
		RefreshCron: defaultRefresh,
		HorizonDays: defaultHorizon,
		LogLevel:    "info",
		Sources:     []SourceConfig{},
		Resources:   []ResourceConfig{},
		Capture:     CaptureConfig{Width: 800, Height: 480, TimeoutSec: 30},
	}
}

// Normalize fills in missing/zero values so partially-filled configs still
// behave.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTZ
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefresh
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = defaultHorizon
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
		c.LogLevel = strings.ToLower(c.LogLevel)
	default:
		c.LogLevel = "info"
	}
	if c.Sources == nil {
		c.Sources = []SourceConfig{}
	}
	if c.Resources == nil {
		c.Resources = []ResourceConfig{}
	}
	if c.Capture.Width <= 0 {
		c.Capture.Width = 800
	}
	if c.Capture.Height <= 0 {
		c.Capture.Height = 480
	}
	if c.Capture.TimeoutSec <= 0 {
		c.Capture.TimeoutSec = 30
	}
}

// Validate reports settings Normalize cannot repair.
func (c *Config) Validate() error {
	var errs []error
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		errs = append(errs, fmt.Errorf("refresh %q: %w", c.RefreshCron, err))
	}
	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		switch {
		case strings.TrimSpace(s.ID) == "":
			errs = append(errs, fmt.Errorf("sources[%d]: id is empty", i))
		case seen[s.ID]:
			errs = append(errs, fmt.Errorf("sources[%d]: duplicate id %q", i, s.ID))
		}
		seen[s.ID] = true
		if strings.TrimSpace(s.URL) == "" {
			errs = append(errs, fmt.Errorf("sources[%d]: url is empty", i))
		}
	}
	return errors.Join(errs...)
}

// Location returns the configured zone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Load loads configuration from the given YAML path.
//
// If the file does not exist, a default config is written there with 0600
// permissions and returned. Otherwise the YAML is read, normalized and
// validated.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
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
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes cfg to path atomically via a temp file in the same directory,
// leaving the final file with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calsync-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
