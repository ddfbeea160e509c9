package config

import (
	"reflect"

	logx "announcebot/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ plus log fields that
// never include secrets (tokens, passwords, api keys).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if !reflect.DeepEqual(ot.AdminUserIDs, nt.AdminUserIDs) || ot.ChannelID != nt.ChannelID ||
		ot.OpsChatID != nt.OpsChatID || ot.OpsThreadID != nt.OpsThreadID || ot.PollTimeout != nt.PollTimeout {
		changed = append(changed, "telegram")
		attrs = append(attrs, logx.Int("telegram.admin_count", len(nt.AdminUserIDs)))
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.chat", newCfg.Logging.Chat.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Announce, newCfg.Announce) {
		changed = append(changed, "announce")
		attrs = append(attrs,
			logx.String("announce.staleness", newCfg.Announce.Staleness),
			logx.String("announce.grace_window", newCfg.Announce.GraceWindow),
		)
	}
	ov, nv := oldCfg.Venue, newCfg.Venue
	ov.Password, nv.Password = "", ""
	if ov != nv || (oldCfg.Venue.Password == "") != (newCfg.Venue.Password == "") {
		changed = append(changed, "venue")
	}
	oe, ne := oldCfg.Extract, newCfg.Extract
	oe.APIKey, ne.APIKey = "", ""
	if oe != ne {
		changed = append(changed, "extract")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.heartbeat", newCfg.Scheduler.Heartbeat))
	}
	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs, logx.Bool("ops.enabled", newCfg.Ops.Enabled), logx.String("ops.addr", newCfg.Ops.Addr))
	}
	return changed, attrs
}
