package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TargetConfig describes one agent whose commitments are mirrored from a feed.
type TargetConfig struct {
	ClientID string `yaml:"client_id" json:"client_id"`
	AgentID  string `yaml:"agent_id" json:"agent_id"`
	// Source is an http(s) URL, a file:// URL or a plain filesystem path.
	Source string `yaml:"source" json:"source"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// DatabaseConfig selects the busy-interval store backend.
type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"dsn"`
}

// SyncConfig controls the background sync scheduler.
type SyncConfig struct {
	// Dispatch is a cron spec for the dispatch loop tick.
	Dispatch string `yaml:"dispatch" json:"dispatch"`
	// Interval is the minimum time between two syncs of the same target.
	Interval time.Duration `yaml:"interval" json:"interval"`
	Workers  int           `yaml:"workers" json:"workers"`
	// PollWait bounds how long an idle worker blocks before re-checking
	// the stop signal.
	PollWait  time.Duration `yaml:"poll_wait" json:"poll_wait"`
	QueueSize int           `yaml:"queue_size" json:"queue_size"`
}

// FetchConfig controls feed retrieval.
type FetchConfig struct {
	CacheDir      string        `yaml:"cache_dir" json:"cache_dir"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second" json:"rate_per_second"`
}

// WorkingHoursConfig is the daily UTC window within which slots are offered.
type WorkingHoursConfig struct {
	// Start / End are "HH:MM" in UTC.
	Start string `yaml:"start" json:"start"`
	End   string `yaml:"end" json:"end"`
	// Days lists allowed weekdays ("mon", "tue", ...). Empty means every day.
	Days []string `yaml:"days,omitempty" json:"days,omitempty"`
}

// SearchConfig controls slot search defaults and escalation.
type SearchConfig struct {
	// WorkingHours, if nil, disables the working-hours constraint.
	WorkingHours    *WorkingHoursConfig `yaml:"working_hours,omitempty" json:"working_hours,omitempty"`
	EscalationSpan  time.Duration       `yaml:"escalation_span" json:"escalation_span"`
	MaxEscalations  int                 `yaml:"max_escalations" json:"max_escalations"`
	DefaultDuration int                 `yaml:"default_duration" json:"default_duration"`
	DefaultLimit    int                 `yaml:"default_limit" json:"default_limit"`
}

// UtilizationConfig holds the per-day capacity used by utilization reports.
// It is independent of SearchConfig.WorkingHours.
type UtilizationConfig struct {
	CapacityMinutes int `yaml:"capacity_minutes" json:"capacity_minutes"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen   string `yaml:"listen" json:"listen"`
	LogLevel string `yaml:"log_level" json:"log_level"`

	Database    DatabaseConfig    `yaml:"database" json:"database"`
	Sync        SyncConfig        `yaml:"sync" json:"sync"`
	Fetch       FetchConfig       `yaml:"fetch" json:"fetch"`
	Search      SearchConfig      `yaml:"search" json:"search"`
	Utilization UtilizationConfig `yaml:"utilization" json:"utilization"`

	Targets []TargetConfig `yaml:"targets" json:"targets"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:   "127.0.0.1:8080",
		LogLevel: "info",
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "agentcal.db",
		},
		Sync: SyncConfig{
			Dispatch:  "@every 1m",
			Interval:  2 * time.Hour,
			Workers:   2,
			PollWait:  5 * time.Second,
			QueueSize: 64,
		},
		Fetch: FetchConfig{
			CacheDir:      "./var/ics-cache",
			Timeout:       15 * time.Second,
			RatePerSecond: 5,
		},
		Search: SearchConfig{
			WorkingHours: &WorkingHoursConfig{
				Start: "09:00",
				End:   "17:00",
			},
			EscalationSpan:  24 * time.Hour,
			MaxEscalations:  3,
			DefaultDuration: 60,
			DefaultLimit:    3,
		},
		Utilization: UtilizationConfig{
			CapacityMinutes: 480,
		},
		Targets: []TargetConfig{},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()

	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}

	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	if c.Database.Driver == "" {
		c.Database.Driver = def.Database.Driver
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = def.Database.DSN
	}

	if c.Sync.Dispatch == "" {
		c.Sync.Dispatch = def.Sync.Dispatch
	}
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = def.Sync.Interval
	}
	if c.Sync.Workers <= 0 {
		c.Sync.Workers = def.Sync.Workers
	}
	if c.Sync.PollWait <= 0 {
		c.Sync.PollWait = def.Sync.PollWait
	}
	if c.Sync.QueueSize <= 0 {
		c.Sync.QueueSize = def.Sync.QueueSize
	}

	if c.Fetch.CacheDir == "" {
		c.Fetch.CacheDir = def.Fetch.CacheDir
	}
	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = def.Fetch.Timeout
	}
	// RatePerSecond <= 0 disables limiting; leave as is.

	if c.Search.EscalationSpan <= 0 {
		c.Search.EscalationSpan = def.Search.EscalationSpan
	}
	if c.Search.MaxEscalations < 0 {
		c.Search.MaxEscalations = 0
	}
	if c.Search.DefaultDuration <= 0 {
		c.Search.DefaultDuration = def.Search.DefaultDuration
	}
	if c.Search.DefaultLimit <= 0 {
		c.Search.DefaultLimit = def.Search.DefaultLimit
	}

	if c.Utilization.CapacityMinutes <= 0 {
		c.Utilization.CapacityMinutes = def.Utilization.CapacityMinutes
	}
	if c.Targets == nil {
		c.Targets = []TargetConfig{}
	}
}

// Validate reports configuration errors that Normalize cannot repair.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("config: database dsn is empty")
	}
	if wh := c.Search.WorkingHours; wh != nil {
		start, err := ParseClock(wh.Start)
		if err != nil {
			return fmt.Errorf("config: working_hours.start: %w", err)
		}
		end, err := ParseClock(wh.End)
		if err != nil {
			return fmt.Errorf("config: working_hours.end: %w", err)
		}
		if end <= start {
			return errors.New("config: working_hours.end must be after start")
		}
		if _, err := ParseWeekdays(wh.Days); err != nil {
			return fmt.Errorf("config: working_hours.days: %w", err)
		}
	}
	seen := make(map[string]bool, len(c.Targets))
	for i, t := range c.Targets {
		if t.ClientID == "" || t.AgentID == "" || t.Source == "" {
			return fmt.Errorf("config: targets[%d] needs client_id, agent_id and source", i)
		}
		key := t.ClientID + "/" + t.AgentID
		if seen[key] {
			return fmt.Errorf("config: duplicate target %s", key)
		}
		seen[key] = true
	}
	return nil
}

// ParseClock parses "HH:MM" into minutes after midnight. "24:00" is accepted
// as end of day.
func ParseClock(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "24:00" {
		return 24 * 60, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// ParseWeekdays maps short or long weekday names to time.Weekday values.
func ParseWeekdays(names []string) ([]time.Weekday, error) {
	out := make([]time.Weekday, 0, len(names))
	for _, n := range names {
		key := strings.ToLower(strings.TrimSpace(n))
		if len(key) > 3 {
			key = key[:3]
		}
		d, ok := weekdayNames[key]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", n)
		}
		out = append(out, d)
	}
	return out, nil
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
//   - normalize defaults and validate
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
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

	tmp, err := os.CreateTemp(dir, ".agentcal-config-*.tmp")
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

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
