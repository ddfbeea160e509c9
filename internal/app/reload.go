package app

import (
	"context"

	"announcebot/internal/config"
	logx "announcebot/pkg/logx"
)

// sections that only take effect after a restart.
var restartOnly = map[string]bool{"storage": true, "venue": true, "extract": true}

func (a *App) watchConfig() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if restartOnly[s] {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(next))

	ann, err := config.ParseAnnounce(next.Announce)
	if err != nil {
		a.log.Warn("invalid announce config; keeping previous", logx.Err(err))
		return
	}
	loc, err := config.LoadLocationOrDefault(next.Extract.Timezone, config.DefaultTimezone)
	if err != nil {
		a.log.Warn("invalid timezone; keeping previous", logx.Err(err))
		return
	}
	a.announce.Apply(mapAnnounceConfig(next, ann, loc))
	a.prompter.SetAdmins(next.Telegram.AdminUserIDs)
	a.jobs.SetGrace(ann.GraceWindow)

	if schedLoc, err := config.LoadLocationOrDefault(next.Scheduler.Timezone, loc.String()); err == nil {
		a.periodic.SetLocation(schedLoc)
	}
	heartbeat, prune := scheduleSpecs(next)
	if err := a.schedulePeriodic(heartbeat, prune); err != nil {
		a.log.Warn("invalid periodic schedule; keeping previous", logx.Err(err))
	}
	a.ops.Reconfigure(ctx, mapOpsConfig(next))

	fields := append([]logx.Field{logx.String("changed", joinSections(sections))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
