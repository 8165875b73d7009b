package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const validYAML = `
homeserver:
  url: https://matrix.example.org
  user_id: "@bot:example.org"
  password: hunter2
command_prefix: "%"
reminders:
  timezone: Europe/Berlin
  alarm_every: 10m
storage:
  path: /var/lib/remindbot/bot.db
  busy_timeout: 2s
logging:
  level: DEBUG
  console: true
`

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeTemp(t, "config.yaml", validYAML))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Homeserver.URL != "https://matrix.example.org" {
		t.Fatalf("url = %q", cfg.Homeserver.URL)
	}
	if cfg.Prefix() != "%" {
		t.Fatalf("prefix = %q, want %%", cfg.Prefix())
	}
	if cfg.Timezone() != "Europe/Berlin" {
		t.Fatalf("timezone = %q", cfg.Timezone())
	}
	if cfg.AlarmEvery() != 10*time.Minute {
		t.Fatalf("alarm_every = %v, want 10m", cfg.AlarmEvery())
	}
	if cfg.BusyTimeout() != 2*time.Second {
		t.Fatalf("busy_timeout = %v, want 2s", cfg.BusyTimeout())
	}
	if cfg.Logging.Level != "DEBUG" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeTemp(t, "config.json", `{
		"homeserver": {"url": "https://hs", "user_id": "@bot:hs", "login_type": "token", "access_token": "tok"},
		"storage": {"path": "bot.db"}
	}`))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Homeserver.LoginType != "token" || cfg.Homeserver.AccessToken != "tok" {
		t.Fatalf("homeserver = %+v", cfg.Homeserver)
	}
	// Defaults apply when sections are omitted.
	if cfg.Prefix() != "!" || cfg.Timezone() != "Etc/UTC" || cfg.AlarmEvery() != 5*time.Minute {
		t.Fatalf("defaults wrong: prefix=%q tz=%q alarm=%v", cfg.Prefix(), cfg.Timezone(), cfg.AlarmEvery())
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	m := NewManager(writeTemp(t, "config.yaml", validYAML+"\nsurprise_key: true\n"))
	if _, err := m.Parse(); err == nil {
		t.Fatal("unknown top-level key must be rejected")
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{
			Homeserver: HomeserverConfig{URL: "https://hs", UserID: "@bot:hs", Password: "pw"},
			Storage:    StorageConfig{Path: "bot.db"},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "missing url", mutate: func(c *Config) { c.Homeserver.URL = "" }, want: "homeserver.url"},
		{name: "missing user", mutate: func(c *Config) { c.Homeserver.UserID = "" }, want: "homeserver.user_id"},
		{name: "password login without password", mutate: func(c *Config) { c.Homeserver.Password = "" }, want: "password"},
		{name: "token login without token", mutate: func(c *Config) { c.Homeserver.LoginType = "token" }, want: "access_token"},
		{name: "bad login type", mutate: func(c *Config) { c.Homeserver.LoginType = "oauth" }, want: "login_type"},
		{name: "missing storage path", mutate: func(c *Config) { c.Storage.Path = "" }, want: "storage.path"},
		{name: "bad timezone", mutate: func(c *Config) { c.Reminders.Timezone = "Mars/Olympus" }, want: "timezone"},
		{name: "bad alarm duration", mutate: func(c *Config) { c.Reminders.AlarmEvery = "soon" }, want: "alarm_every"},
		{name: "bad allowlist regex", mutate: func(c *Config) {
			c.Allowlist = ListFilterConfig{Enabled: true, Regexes: []string{"("}}
		}, want: "allowlist"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate accepted a broken config")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestFiltersPermitUser(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Allowlist: ListFilterConfig{Enabled: true, Regexes: []string{`@.*:example\.org`}},
		Blocklist: ListFilterConfig{Enabled: true, Regexes: []string{`@bad:.*`}},
	}
	f, err := cfg.CompileFilters()
	if err != nil {
		t.Fatalf("CompileFilters: %v", err)
	}

	tests := []struct {
		user string
		want bool
	}{
		{user: "@alice:example.org", want: true},
		{user: "@eve:elsewhere.net", want: false}, // not on the allowlist
		{user: "@bad:example.org", want: false},   // blocklist wins over allowlist
		{user: "@bad:anywhere.net", want: false},  // blocked regardless
	}
	for _, tt := range tests {
		if got := f.PermitUser(tt.user); got != tt.want {
			t.Fatalf("PermitUser(%q) = %v, want %v", tt.user, got, tt.want)
		}
	}

	// With both filters disabled everyone is permitted.
	open := Filters{}
	if !open.PermitUser("@anyone:anywhere") {
		t.Fatal("disabled filters must permit everyone")
	}
}
