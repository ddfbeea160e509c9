package app

import (
	"testing"
	"time"

	"announcebot/internal/config"
)

func TestOpsTargetFallsBackToChannel(t *testing.T) {
	cfg := &config.Config{Telegram: config.TelegramConfig{ChannelID: -100}}
	if got := opsTarget(cfg); got.ChatID != -100 || got.ThreadID != 0 {
		t.Fatalf("target=%+v", got)
	}
	cfg.Telegram.OpsChatID, cfg.Telegram.OpsThreadID = -200, 7
	if got := opsTarget(cfg); got.ChatID != -200 || got.ThreadID != 7 {
		t.Fatalf("target=%+v", got)
	}
	if lc := mapLogConfig(cfg); lc.Chat.ChatID != -200 || lc.Chat.ThreadID != 7 {
		t.Fatalf("log chat=%+v", lc.Chat)
	}
}

func TestMapStorageConfig(t *testing.T) {
	sc, retention, err := mapStorageConfig(&config.Config{})
	if err != nil || sc.Driver != "memory" || retention != config.DefaultRetention {
		t.Fatalf("nil storage: %+v %v %v", sc, retention, err)
	}
	sc, retention, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{
		Driver: "sqlite", Path: " ./data/bot.db ", BusyTimeout: "2s", AuditRetention: "72h",
	}})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if sc.Path != "./data/bot.db" || sc.BusyTimeout != 2*time.Second || retention != 72*time.Hour {
		t.Fatalf("sc=%+v retention=%v", sc, retention)
	}
	if _, _, err := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{AuditRetention: "forever"}}); err == nil {
		t.Fatalf("expected retention error")
	}
}

func TestScheduleSpecsDefaults(t *testing.T) {
	hb, prune := scheduleSpecs(&config.Config{})
	if hb != config.DefaultHeartbeat || prune != config.DefaultAuditPrune {
		t.Fatalf("hb=%q prune=%q", hb, prune)
	}
	hb, _ = scheduleSpecs(&config.Config{Scheduler: config.SchedulerConfig{Heartbeat: " 5m "}})
	if hb != "5m" {
		t.Fatalf("hb=%q", hb)
	}
}

func TestMapAnnounceConfig(t *testing.T) {
	cfg := &config.Config{Telegram: config.TelegramConfig{ChannelID: -100, AdminUserIDs: []int64{1, 2}}}
	ann, err := config.ParseAnnounce(config.AnnounceConfig{Staleness: "15m"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ac := mapAnnounceConfig(cfg, ann, time.UTC)
	if ac.Channel.ChatID != -100 || ac.Ops.ChatID != -100 || len(ac.Admins) != 2 {
		t.Fatalf("cfg=%+v", ac)
	}
	if ac.Staleness != 15*time.Minute || ac.Emojis.Approve != "👍" {
		t.Fatalf("cfg=%+v", ac)
	}
}
