package periodic

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logx "announcebot/pkg/logx"

	"github.com/robfig/cron/v3"
)

type Task func(ctx context.Context) error

type def struct {
	name    string
	spec    Spec
	timeout time.Duration
	task    Task
	entryID cron.EntryID
	running *atomic.Bool
}

// Info describes one registered task.
type Info struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}

// Service owns a cron instance. Registrations made before Start are kept
// and armed when it runs. Names are unique; re-adding a name replaces it.
type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*def
	ctx    context.Context
}

func New(loc *time.Location, log logx.Logger) *Service {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:    log.With(logx.String("comp", "periodic")),
		loc:    loc,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*def{},
		ctx:    context.Background(),
	}
}

// Add registers task under name with a schedule accepted by ParseSpec.
// A run is skipped while the previous one is still going.
func (s *Service) Add(name, schedule string, timeout time.Duration, task Task) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if task == nil {
		return errors.New("task required")
	}
	spec, err := ParseSpec(schedule)
	if err != nil {
		return err
	}
	if !spec.IsInterval() {
		if _, err := s.parser.Parse(spec.Cron); err != nil {
			return fmt.Errorf("schedule %q: %w", schedule, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &def{name: name, spec: spec, timeout: timeout, task: task, running: &atomic.Bool{}}
	s.defs[name] = d
	if s.c != nil {
		return s.armLocked(d)
	}
	return nil
}

// Remove unregisters name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

func (s *Service) armLocked(d *def) error {
	job := cron.FuncJob(func() { s.run(d) })
	if d.spec.IsInterval() {
		sched, jitter := withStartupSpread(d.spec.Every, time.Now().In(s.loc), d.name)
		d.entryID = s.c.Schedule(sched, job)
		s.log.Debug("task registered", logx.String("name", d.name), logx.String("spec", d.spec.String()), logx.Duration("spread", jitter))
		return nil
	}
	id, err := s.c.AddJob(d.spec.Cron, job)
	if err != nil {
		return err
	}
	d.entryID = id
	s.log.Debug("task registered", logx.String("name", d.name), logx.String("spec", d.spec.Cron))
	return nil
}

func (s *Service) run(d *def) {
	if !d.running.CompareAndSwap(false, true) {
		s.log.Debug("task still running, skipped", logx.String("name", d.name))
		return
	}
	defer d.running.Store(false)

	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()
	ctx, cancel := parent, context.CancelFunc(func() {})
	if d.timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, d.timeout)
	}
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panic",
				logx.String("name", d.name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	if err := d.task(ctx); err != nil {
		s.log.Warn("task failed", logx.String("name", d.name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	s.log.Debug("task done", logx.String("name", d.name), logx.Duration("took", time.Since(start)))
}

// Start arms every registered task. Tasks run with ctx as parent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.armLocked(d); err != nil {
			s.log.Error("task register failed", logx.String("name", d.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("periodic tasks started", logx.String("tz", s.loc.String()), logx.Int("tasks", len(s.defs)))
}

// Stop halts triggering and waits for running tasks until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("periodic tasks stopped")
}

// SetLocation changes the timezone used by cron expressions. A running
// instance is restarted to pick it up.
func (s *Service) SetLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	s.mu.Lock()
	if s.loc.String() == loc.String() {
		s.mu.Unlock()
		return
	}
	s.loc = loc
	running := s.c != nil
	ctx := s.ctx
	s.mu.Unlock()
	if running {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.Stop(stopCtx)
		cancel()
		s.Start(ctx)
	}
}

// Entries lists registered tasks with their next and previous run.
func (s *Service) Entries() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.defs))
	for _, d := range s.defs {
		it := Info{Name: d.name, Spec: d.spec.String()}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RunNow executes name once on the calling goroutine.
func (s *Service) RunNow(name string) bool {
	s.mu.Lock()
	d, ok := s.defs[name]
	s.mu.Unlock()
	if ok {
		s.run(d)
	}
	return ok
}
