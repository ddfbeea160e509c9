package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  token: file-token
  admin_user_ids: [42]
  channel_id: -100123
  poll_timeout: 10s
logging:
  level: debug
  console: true
announce:
  staleness: 30m
venue:
  username: bot
  group_id: grp_1
extract:
  model: openai/gpt-4o-mini
storage:
  driver: file
  path: ./data/state
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadYAMLWithEnvOverrides(t *testing.T) {
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	env := map[string]string{"TELEGRAM_TOKEN": "env-token", "VENUE_PASSWORD": "secret"}
	m.getenv = func(k string) string { return env[k] }

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "env-token" {
		t.Fatalf("token=%q", cfg.Telegram.Token)
	}
	if cfg.Venue.Password != "secret" || cfg.Venue.Username != "bot" {
		t.Fatalf("venue=%+v", cfg.Venue)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "file" {
		t.Fatalf("storage=%+v", cfg.Storage)
	}
	if m.Get() != cfg {
		t.Fatalf("Load must commit the config")
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode("c.json", []byte(`{"telegram":{"token":"x"},"plugins":{}}`))
	if err == nil || !strings.Contains(err.Error(), "plugins") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
	_, err = Decode("c.json", []byte(`{} {}`))
	if err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestParseAnnounceDefaults(t *testing.T) {
	a, err := ParseAnnounce(AnnounceConfig{Staleness: "30m"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.GraceWindow != time.Hour || a.Staleness != 30*time.Minute {
		t.Fatalf("grace=%v staleness=%v", a.GraceWindow, a.Staleness)
	}
	if a.HistorySize != 1000 || a.OTPTimeout != 5*time.Minute || a.Scope != "default" {
		t.Fatalf("defaults not applied: %+v", a)
	}
	if a.Emojis.Approve != "👍" || a.Emojis.Seen != "👀" {
		t.Fatalf("emojis=%+v", a.Emojis)
	}
	if _, err := ParseAnnounce(AnnounceConfig{GraceWindow: "soon"}); err == nil {
		t.Fatalf("expected duration error")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Telegram: TelegramConfig{Token: "t", AdminUserIDs: []int64{1}, ChannelID: -1},
			Venue:    VenueConfig{GroupID: "grp"},
		}
	}
	if err := Validate(base()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := map[string]func(c *Config){
		"no token":       func(c *Config) { c.Telegram.Token = "" },
		"no admins":      func(c *Config) { c.Telegram.AdminUserIDs = nil },
		"no group":       func(c *Config) { c.Venue.GroupID = "" },
		"bad tz":         func(c *Config) { c.Extract.Timezone = "Mars/Base" },
		"bad driver":     func(c *Config) { c.Storage = &StorageConfig{Driver: "mongo"} },
		"pg without dsn": func(c *Config) { c.Storage = &StorageConfig{Driver: "postgres"} },
		"redis no addr":  func(c *Config) { c.Storage = &StorageConfig{Driver: "redis"} },
	}
	for name, mut := range cases {
		c := base()
		mut(c)
		if err := Validate(c); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	a := &Config{Venue: VenueConfig{Password: "one"}}
	b := &Config{Venue: VenueConfig{Password: "two"}}
	changed, _ := SummarizeConfigChange(a, b)
	if len(changed) != 0 {
		t.Fatalf("password rotation should not be reported as a change: %v", changed)
	}
	b.Announce.Staleness = "2h"
	changed, _ = SummarizeConfigChange(a, b)
	if len(changed) != 1 || changed[0] != "announce" {
		t.Fatalf("changed=%v", changed)
	}
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: %v %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatalf("negative accepted")
	}
	if d, _ := ParseDurationOrDefault("x", "0s", time.Minute); d != time.Minute {
		t.Fatalf("default not applied: %v", d)
	}
}
