package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Config is the bot's on-disk configuration. Files may be JSON or YAML;
// both are decoded strictly (unknown keys are rejected) so typos surface
// at startup instead of silently doing nothing.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
type Config struct {
	Homeserver HomeserverConfig `json:"homeserver"`

	// CommandPrefix starts every bot command, e.g. "!".
	CommandPrefix string `json:"command_prefix,omitempty"`

	Reminders ReminderConfig `json:"reminders"`

	Allowlist ListFilterConfig `json:"allowlist,omitempty"`
	Blocklist ListFilterConfig `json:"blocklist,omitempty"`

	Storage StorageConfig `json:"storage"`
	Logging LoggingConfig `json:"logging,omitempty"`
}

type HomeserverConfig struct {
	URL    string `json:"url"`
	UserID string `json:"user_id"`

	// LoginType is "password" or "token". Empty means "password" so older
	// configs keep working.
	LoginType   string `json:"login_type,omitempty"`
	Password    string `json:"password,omitempty"`
	AccessToken string `json:"access_token,omitempty"`
	DeviceName  string `json:"device_name,omitempty"`

	// SyncTimeout is the server-side long-poll timeout for /sync.
	SyncTimeout string `json:"sync_timeout,omitempty"`
}

type ReminderConfig struct {
	// Timezone is the IANA zone reminders are authored in, e.g. "Europe/Berlin".
	Timezone string `json:"timezone,omitempty"`

	// AlarmEvery is the alarm repetition period once escalating.
	AlarmEvery string `json:"alarm_every,omitempty"`
}

// ListFilterConfig is a user filter applied before any reminder is created.
type ListFilterConfig struct {
	Enabled bool     `json:"enabled"`
	Regexes []string `json:"regexes,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level,omitempty"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file,omitempty"`
	Room    LoggingRoom `json:"room,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type LoggingRoom struct {
	Enabled    bool   `json:"enabled"`
	RoomID     string `json:"room_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// Validate checks the fields the process cannot start without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Homeserver.URL) == "" {
		return fmt.Errorf("homeserver.url is required")
	}
	if strings.TrimSpace(c.Homeserver.UserID) == "" {
		return fmt.Errorf("homeserver.user_id is required")
	}
	switch c.Homeserver.LoginType {
	case "", "password":
		if c.Homeserver.Password == "" {
			return fmt.Errorf("login_type is password but homeserver.password is empty")
		}
	case "token":
		if c.Homeserver.AccessToken == "" {
			return fmt.Errorf("login_type is token but homeserver.access_token is empty")
		}
	default:
		return fmt.Errorf("homeserver.login_type must be \"password\" or \"token\"")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if tz := c.Timezone(); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("reminders.timezone %q: %w", tz, err)
		}
	}
	if _, err := c.CompileFilters(); err != nil {
		return err
	}
	for _, d := range []struct{ name, v string }{
		{"reminders.alarm_every", c.Reminders.AlarmEvery},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"homeserver.sync_timeout", c.Homeserver.SyncTimeout},
	} {
		if _, err := parseDuration(d.v, 0); err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
	}
	return nil
}

// Prefix returns the command prefix, defaulting to "!".
func (c *Config) Prefix() string {
	if c.CommandPrefix == "" {
		return "!"
	}
	return c.CommandPrefix
}

// Timezone returns the configured reminder timezone, defaulting to Etc/UTC.
func (c *Config) Timezone() string {
	if strings.TrimSpace(c.Reminders.Timezone) == "" {
		return "Etc/UTC"
	}
	return c.Reminders.Timezone
}

func (c *Config) AlarmEvery() time.Duration {
	d, _ := parseDuration(c.Reminders.AlarmEvery, 5*time.Minute)
	return d
}

func (c *Config) BusyTimeout() time.Duration {
	d, _ := parseDuration(c.Storage.BusyTimeout, 5*time.Second)
	return d
}

func (c *Config) SyncTimeout() time.Duration {
	d, _ := parseDuration(c.Homeserver.SyncTimeout, 30*time.Second)
	return d
}

// Filters are the compiled allow/block user filters.
type Filters struct {
	AllowEnabled bool
	Allow        []*regexp.Regexp
	BlockEnabled bool
	Block        []*regexp.Regexp
}

// PermitUser reports whether a user id passes the allowlist and blocklist.
// The blocklist wins over the allowlist.
func (f Filters) PermitUser(userID string) bool {
	if f.BlockEnabled {
		for _, re := range f.Block {
			if re.MatchString(userID) {
				return false
			}
		}
	}
	if f.AllowEnabled {
		for _, re := range f.Allow {
			if re.MatchString(userID) {
				return true
			}
		}
		return false
	}
	return true
}

// CompileFilters compiles the allowlist/blocklist regexes.
func (c *Config) CompileFilters() (Filters, error) {
	f := Filters{AllowEnabled: c.Allowlist.Enabled, BlockEnabled: c.Blocklist.Enabled}
	for _, raw := range c.Allowlist.Regexes {
		re, err := regexp.Compile(raw)
		if err != nil {
			return Filters{}, fmt.Errorf("allowlist regex %q: %w", raw, err)
		}
		f.Allow = append(f.Allow, re)
	}
	for _, raw := range c.Blocklist.Regexes {
		re, err := regexp.Compile(raw)
		if err != nil {
			return Filters{}, fmt.Errorf("blocklist regex %q: %w", raw, err)
		}
		f.Block = append(f.Block, re)
	}
	return f, nil
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration must not be negative")
	}
	return d, nil
}
