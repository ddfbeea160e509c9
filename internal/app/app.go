// Package app wires configuration, storage, the venue session, the job
// scheduler and the chat adapter into one running bot.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"announcebot/internal/adapters/telegram"
	"announcebot/internal/announce"
	"announcebot/internal/announce/state"
	"announcebot/internal/chat"
	"announcebot/internal/config"
	"announcebot/internal/eventbus"
	"announcebot/internal/extract"
	"announcebot/internal/metrics"
	"announcebot/internal/observability/ops"
	"announcebot/internal/otp"
	rtsup "announcebot/internal/runtime/supervisor"
	"announcebot/internal/storage"
	"announcebot/internal/task/jobs"
	"announcebot/internal/task/periodic"
	"announcebot/internal/transport"
	"announcebot/internal/venue"
	"announcebot/internal/venue/auth"
	logx "announcebot/pkg/logx"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	taskHeartbeat  = "venue.heartbeat"
	taskAuditPrune = "audit.prune"
)

type App struct {
	version string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log       logx.Logger
	logs      *logx.Service
	bus       eventbus.Bus
	store     storage.Store
	retention time.Duration

	adapter  *telegram.Adapter
	venue    *auth.Manager
	broker   *otp.Broker
	prompter *chat.Prompter
	jobs     *jobs.Scheduler
	announce *announce.Service
	router   *chat.Router
	periodic *periodic.Service
	ops      *ops.Server

	updates chan transport.Update
}

func New(cfgPath, version string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	ann, err := config.ParseAnnounce(cfg.Announce)
	if err != nil {
		return nil, err
	}
	loc, err := config.LoadLocationOrDefault(cfg.Extract.Timezone, config.DefaultTimezone)
	if err != nil {
		return nil, err
	}
	schedLoc, err := config.LoadLocationOrDefault(cfg.Scheduler.Timezone, loc.String())
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg), ad)
	appLog := log.With(logx.String("comp", "app"))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sink := metrics.NewPrometheus(reg, log)
	bus := eventbus.New()

	sc, retention, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	persist := storage.NewPersistence(store, ann.Scope, log, storage.WithMetrics(sink))
	appLog.Info("storage ready", logx.String("driver", sc.Driver), logx.String("scope", ann.Scope))

	venueTimeout, err := config.ParseDurationField("venue.timeout", cfg.Venue.Timeout)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	client, err := venue.NewHTTPClient(venue.HTTPConfig{
		BaseURL:    cfg.Venue.BaseURL,
		Username:   cfg.Venue.Username,
		Password:   cfg.Venue.Password,
		GroupID:    cfg.Venue.GroupID,
		UserAgent:  cfg.Venue.UserAgent,
		RatePerSec: cfg.Venue.RatePerSec,
		Timeout:    venueTimeout,
		Logger:     log,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	prompter := chat.NewPrompter(ad, opsTarget(cfg), cfg.Telegram.AdminUserIDs, log)
	broker := otp.NewBroker(prompter, ann.OTPTimeout, log, sink)
	mgr := auth.NewManager(client, broker, persist, log, sink)

	sched := jobs.New(jobs.Options{
		Poster:  mgr,
		Log:     log,
		Bus:     bus,
		Metrics: sink,
		Grace:   ann.GraceWindow,
	})

	extractTimeout, err := config.ParseDurationField("extract.timeout", cfg.Extract.Timeout)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	ex := extract.NewOpenRouter(extract.Config{
		BaseURL:  cfg.Extract.BaseURL,
		APIKey:   cfg.Extract.APIKey,
		Model:    cfg.Extract.Model,
		Location: loc,
		Timeout:  extractTimeout,
		Logger:   log,
	})

	svc := announce.New(announce.Options{
		Config:    mapAnnounceConfig(cfg, ann, loc),
		Store:     state.New(ann.HistorySize),
		Scheduler: sched,
		Venue:     mgr,
		Extractor: ex,
		Chat:      ad,
		Persist:   persist,
		Log:       log,
	})

	a := &App{
		version:   version,
		cfgm:      cfgm,
		log:       appLog,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		retention: retention,
		adapter:   ad,
		venue:     mgr,
		broker:    broker,
		prompter:  prompter,
		jobs:      sched,
		announce:  svc,
		periodic:  periodic.New(schedLoc, log),
		updates:   make(chan transport.Update, 256),
	}
	a.router = chat.NewRouter(chat.Options{
		Announcer:   svc,
		Codes:       broker,
		Prompter:    prompter,
		Chat:        ad,
		Log:         log,
		Location:    loc,
		StatusLines: a.statusLines,
		Version:     version,
	})
	a.ops = ops.New(mapOpsConfig(cfg), reg, a.health, log)

	heartbeat, prune := scheduleSpecs(cfg)
	if err := a.schedulePeriodic(heartbeat, prune); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) schedulePeriodic(heartbeat, prune string) error {
	if err := a.periodic.Add(taskHeartbeat, heartbeat, 10*time.Minute, a.runHeartbeat); err != nil {
		return fmt.Errorf("scheduler.heartbeat: %w", err)
	}
	if err := a.periodic.Add(taskAuditPrune, prune, time.Minute, a.runAuditPrune); err != nil {
		return fmt.Errorf("scheduler.audit_prune: %w", err)
	}
	return nil
}

// runHeartbeat keeps the venue session warm and flushes jobs that were
// parked while it was down.
func (a *App) runHeartbeat(ctx context.Context) error {
	if err := a.venue.Heartbeat(ctx); err != nil {
		return err
	}
	if n := a.jobs.RetryAuthPending(ctx); n > 0 {
		a.log.Info("retried jobs waiting for login", logx.Int("count", n))
	}
	return nil
}

func (a *App) runAuditPrune(ctx context.Context) error {
	n, err := a.store.PruneAudit(ctx, time.Now().Add(-a.retention))
	if err != nil {
		return err
	}
	if n > 0 {
		a.log.Info("audit entries pruned", logx.Int64("count", n), logx.Duration("retention", a.retention))
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		heartbeat, prune := scheduleSpecs(cfg)
		if _, err := periodic.ParseSpec(heartbeat); err != nil {
			return fmt.Errorf("scheduler.heartbeat: %w", err)
		}
		if _, err := periodic.ParseSpec(prune); err != nil {
			return fmt.Errorf("scheduler.audit_prune: %w", err)
		}
		return nil
	})

	// A failed login is not fatal: jobs park until the heartbeat succeeds.
	authCtx, cancel := context.WithTimeout(a.sup.Context(), 2*time.Minute)
	if err := a.venue.Authenticate(authCtx); err != nil {
		a.log.Warn("venue login failed; will retry on heartbeat", logx.Err(err))
	}
	cancel()

	rep := a.announce.Start(a.sup.Context())
	a.log.Info("state restored", logx.Int("jobs", rep.Restored), logx.Int("pending", rep.Pending), logx.Int("queued", rep.Queued))

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sup.Go0("telegram.menu", func(c context.Context) {
		if err := a.adapter.UpdateMenuCommands(c, a.router.MenuCommands()); err != nil {
			a.log.Warn("command menu update failed", logx.Err(err))
		}
	})
	a.sup.Go("chat.router", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})

	a.periodic.Start(a.sup.Context())
	a.ops.Start(a.sup.Context())
	a.watchEvents()
	a.watchConfig()

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.startSystemd()

	a.log.Info("app started", logx.String("version", a.version), logx.String("bot", a.adapter.Username()))
	return nil
}

// watchEvents logs scheduler events at debug level.
func (a *App) watchEvents() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}

func (a *App) statusLines() []string {
	lines := make([]string, 0, 4)
	if u, ok := a.venue.User(); ok {
		lines = append(lines, "Venue session: logged in as "+u.DisplayName)
	} else {
		lines = append(lines, "Venue session: logged out")
	}
	for _, e := range a.periodic.Entries() {
		if e.Next.IsZero() {
			continue
		}
		lines = append(lines, fmt.Sprintf("Next %s: %s", e.Name, e.Next.Format("2006-01-02 15:04")))
	}
	return lines
}

func (a *App) health() (map[string]string, error) {
	st := a.announce.Status()
	out := map[string]string{
		"venue":        "logged_out",
		"jobs_live":    fmt.Sprint(st.Live),
		"auth_pending": fmt.Sprint(st.AuthPending),
	}
	if a.venue.Authenticated() {
		out["venue"] = "logged_in"
	}
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifyStopping(a.log)

	a.sup.Cancel()

	// step runs one shutdown step bounded by max and the caller's deadline.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("adapter", 2*time.Second, a.adapter.Stop)
	step("periodic", 2*time.Second, func(c context.Context) error { a.periodic.Stop(c); return nil })
	step("jobs", 5*time.Second, func(context.Context) error { a.jobs.Stop(); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func joinSections(s []string) string { return strings.Join(s, ",") }
