package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultGraceWindow = time.Hour
	DefaultStaleness   = time.Hour
	DefaultHistorySize = 1000
	DefaultOTPTimeout  = 5 * time.Minute
	DefaultTimezone    = "Asia/Tokyo"
	DefaultHeartbeat   = "@every 10m"
	DefaultAuditPrune  = "@daily"
	DefaultRetention   = 30 * 24 * time.Hour
)

// Announce holds the parsed announcement knobs.
type Announce struct {
	GraceWindow time.Duration
	Staleness   time.Duration
	HistorySize int
	OTPTimeout  time.Duration
	Scope       string
	Emojis      EmojiConfig
}

// ParseAnnounce applies defaults and parses durations.
func ParseAnnounce(c AnnounceConfig) (Announce, error) {
	var (
		out Announce
		err error
	)
	if out.GraceWindow, err = ParseDurationOrDefault("announce.grace_window", c.GraceWindow, DefaultGraceWindow); err != nil {
		return Announce{}, err
	}
	if out.Staleness, err = ParseDurationOrDefault("announce.staleness", c.Staleness, DefaultStaleness); err != nil {
		return Announce{}, err
	}
	if out.OTPTimeout, err = ParseDurationOrDefault("announce.otp_timeout", c.OTPTimeout, DefaultOTPTimeout); err != nil {
		return Announce{}, err
	}
	if c.HistorySize < 0 {
		return Announce{}, errors.New("announce.history_size must be >= 0")
	}
	out.HistorySize = c.HistorySize
	if out.HistorySize == 0 {
		out.HistorySize = DefaultHistorySize
	}
	out.Scope = strings.TrimSpace(c.Scope)
	if out.Scope == "" {
		out.Scope = "default"
	}
	out.Emojis = c.Emojis
	if out.Emojis.Seen == "" {
		out.Emojis.Seen = "👀"
	}
	if out.Emojis.Approve == "" {
		out.Emojis.Approve = "👍"
	}
	if out.Emojis.FastForward == "" {
		out.Emojis.FastForward = "⏩"
	}
	if out.Emojis.Calendar == "" {
		out.Emojis.Calendar = "📅"
	}
	return out, nil
}

// Validate rejects configs that cannot be started or hot-applied.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return errors.New("telegram.token is required (or TELEGRAM_TOKEN)")
	}
	if cfg.Telegram.ChannelID == 0 {
		return errors.New("telegram.channel_id is required")
	}
	if len(cfg.Telegram.AdminUserIDs) == 0 {
		return errors.New("telegram.admin_user_ids must not be empty")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := ParseAnnounce(cfg.Announce); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Venue.GroupID) == "" {
		return errors.New("venue.group_id is required")
	}
	if cfg.Venue.RatePerSec < 0 {
		return errors.New("venue.rate_per_sec must be >= 0")
	}
	if _, err := ParseDurationField("venue.timeout", cfg.Venue.Timeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("extract.timeout", cfg.Extract.Timeout); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Extract.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("extract.timezone: invalid %q: %w", tz, err)
		}
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "memory":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				return fmt.Errorf("storage.path is required for driver %q", s.Driver)
			}
		case "postgres", "postgresql":
			if strings.TrimSpace(s.DSN) == "" {
				return errors.New("storage.dsn is required for postgres (or STORAGE_DSN)")
			}
		case "redis":
			if strings.TrimSpace(s.Addr) == "" {
				return errors.New("storage.addr is required for redis")
			}
		default:
			return fmt.Errorf("storage.driver: unknown %q", s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
		if _, err := ParseDurationField("storage.audit_retention", s.AuditRetention); err != nil {
			return err
		}
	}
	return nil
}
