package app

import (
	"strings"
	"time"

	"announcebot/internal/announce"
	"announcebot/internal/config"
	"announcebot/internal/observability/ops"
	"announcebot/internal/storage"
	"announcebot/internal/transport"
	logx "announcebot/pkg/logx"
)

func opsTarget(cfg *config.Config) transport.ChatTarget {
	if cfg.Telegram.OpsChatID != 0 {
		return transport.ChatTarget{ChatID: cfg.Telegram.OpsChatID, ThreadID: cfg.Telegram.OpsThreadID}
	}
	return transport.ChatTarget{ChatID: cfg.Telegram.ChannelID}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	ops := opsTarget(cfg)
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Chat.Enabled,
			ChatID:     ops.ChatID,
			ThreadID:   ops.ThreadID,
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, time.Duration, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{Driver: "memory"}, config.DefaultRetention, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, 0, err
	}
	retention, err := config.ParseDurationOrDefault("storage.audit_retention", sc.AuditRetention, config.DefaultRetention)
	if err != nil {
		return storage.Config{}, 0, err
	}
	return storage.Config{
		Driver:      strings.TrimSpace(sc.Driver),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		Addr:        strings.TrimSpace(sc.Addr),
		Password:    sc.Password,
		DB:          sc.DB,
		BusyTimeout: busy,
	}, retention, nil
}

func mapAnnounceConfig(cfg *config.Config, a config.Announce, loc *time.Location) announce.Config {
	return announce.Config{
		Channel:   transport.ChatTarget{ChatID: cfg.Telegram.ChannelID},
		Ops:       opsTarget(cfg),
		Admins:    cfg.Telegram.AdminUserIDs,
		Staleness: a.Staleness,
		Emojis: announce.Emojis{
			Seen:        a.Emojis.Seen,
			Approve:     a.Emojis.Approve,
			FastForward: a.Emojis.FastForward,
			Calendar:    a.Emojis.Calendar,
		},
		Location: loc,
	}
}

func mapOpsConfig(cfg *config.Config) ops.Config {
	return ops.Config{
		Enabled: cfg.Ops.Enabled,
		Addr:    cfg.Ops.Addr,
		Token:   cfg.Ops.Token,
		Pprof:   cfg.Ops.Pprof,
	}
}

// scheduleSpecs returns the periodic task specs with defaults applied.
func scheduleSpecs(cfg *config.Config) (heartbeat, prune string) {
	heartbeat = strings.TrimSpace(cfg.Scheduler.Heartbeat)
	if heartbeat == "" {
		heartbeat = config.DefaultHeartbeat
	}
	prune = strings.TrimSpace(cfg.Scheduler.AuditPrune)
	if prune == "" {
		prune = config.DefaultAuditPrune
	}
	return heartbeat, prune
}
