// Package announce moves announcement requests from a chat message through
// admin approval to a scheduled venue post, checkpointing state after every
// transition.
package announce

import (
	"context"
	"sync"
	"time"

	"announcebot/internal/announce/state"
	"announcebot/internal/extract"
	"announcebot/internal/storage"
	"announcebot/internal/task/jobs"
	"announcebot/internal/transport"
	"announcebot/internal/venue"
	logx "announcebot/pkg/logx"
)

// Persisted keys owned by the service. The state store owns the rest.
const (
	KeyJobs     = "jobs"
	KeyRequests = "requests"
)

const DefaultStaleness = time.Hour

// Chat is the subset of the chat adapter the service talks through.
type Chat interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
	EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error
	Delete(ctx context.Context, ref transport.MessageRef) error
	React(ctx context.Context, ref transport.MessageRef, emoji string) error
}

// Venue is the auth-wrapped venue platform.
type Venue interface {
	Post(ctx context.Context, title, body string) (string, error)
	CreateCalendarEvent(ctx context.Context, ev venue.CalendarEvent) (string, error)
	DeleteCalendarEvent(ctx context.Context, eventID string) error
}

type Scheduler interface {
	Schedule(req jobs.Request) (string, error)
	Cancel(jobID string) bool
	CancelByRequest(requestID string) bool
	GetByRequest(requestID string) (jobs.Job, bool)
	Get(jobID string) (jobs.Job, bool)
	List() []jobs.Job
	Failed() []jobs.Job
	AuthPending() []jobs.Job
	Records() []jobs.Record
	Restore(records []jobs.Record, now time.Time) jobs.RestoreResult
	OnCompletion(fn jobs.CompletionFunc)
}

// Persister is the scoped key-value collaborator plus the audit trail.
type Persister interface {
	state.Persister
	Audit(ctx context.Context, e storage.AuditEntry)
}

type Emojis struct {
	Seen        string
	Approve     string
	FastForward string
	Calendar    string
}

// Config holds the knobs that may change on reload.
type Config struct {
	// Channel is the monitored chat. Ops receives startup reports.
	Channel   transport.ChatTarget
	Ops       transport.ChatTarget
	Admins    []int64
	Staleness time.Duration
	Emojis    Emojis
	// Location is used to display times.
	Location *time.Location
}

type Options struct {
	Config    Config
	Store     *state.Store
	Scheduler Scheduler
	Venue     Venue
	Extractor extract.Extractor
	Chat      Chat
	Persist   Persister
	Log       logx.Logger
	Now       func() time.Time
}

// request is what the service remembers about a submitted message.
type request struct {
	ChatID    int64  `json:"chat_id"`
	ThreadID  int    `json:"thread_id,omitempty"`
	MessageID int    `json:"message_id"`
	AuthorID  int64  `json:"author_id"`
	Text      string `json:"text"`
	At        int64  `json:"at"`
}

func (r request) ref() transport.MessageRef {
	return transport.MessageRef{ChatID: r.ChatID, ThreadID: r.ThreadID, MessageID: r.MessageID}
}

type Service struct {
	store   *state.Store
	sched   Scheduler
	venue   Venue
	extract extract.Extractor
	chat    Chat
	p       Persister
	log     logx.Logger
	now     func() time.Time

	mu        sync.Mutex
	cfg       Config
	requests  map[string]request
	approvers map[string]map[int64]struct{}
	locks     requestLocks

	// persistMu orders checkpoints so the last write carries the newest state.
	persistMu sync.Mutex
}

func New(opts Options) *Service {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Store == nil {
		opts.Store = state.New(state.DefaultHistorySize)
	}
	s := &Service{
		store:     opts.Store,
		sched:     opts.Scheduler,
		venue:     opts.Venue,
		extract:   opts.Extractor,
		chat:      opts.Chat,
		p:         opts.Persist,
		log:       opts.Log.With(logx.String("comp", "announce")),
		now:       opts.Now,
		requests:  map[string]request{},
		approvers: map[string]map[int64]struct{}{},
	}
	s.Apply(opts.Config)
	s.sched.OnCompletion(s.onJobDone)
	return s
}

// Apply swaps the reloadable config.
func (s *Service) Apply(cfg Config) {
	if cfg.Staleness <= 0 {
		cfg.Staleness = DefaultStaleness
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Ops.ChatID == 0 {
		cfg.Ops = cfg.Channel
	}
	e := &cfg.Emojis
	if e.Seen == "" {
		e.Seen = "👀"
	}
	if e.Approve == "" {
		e.Approve = "👍"
	}
	if e.FastForward == "" {
		e.FastForward = "⏩"
	}
	if e.Calendar == "" {
		e.Calendar = "📅"
	}
	cfg.Admins = append([]int64(nil), cfg.Admins...)
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) IsAdmin(userID int64) bool {
	for _, id := range s.config().Admins {
		if id == userID {
			return true
		}
	}
	return false
}

// Store exposes the request state for status reporting.
func (s *Service) Store() *state.Store { return s.store }

// persist checkpoints the request state, the job table and the request texts.
func (s *Service) persist(ctx context.Context) bool {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	ok := s.store.Save(ctx, s.p)
	ok = s.p.Save(ctx, KeyJobs, s.sched.Records()) && ok

	s.mu.Lock()
	reqs := make(map[string]request, len(s.requests))
	for k, v := range s.requests {
		reqs[k] = v
	}
	s.mu.Unlock()
	ok = s.p.Save(ctx, KeyRequests, reqs) && ok
	if !ok {
		s.log.Warn("state checkpoint incomplete")
	}
	return ok
}

func (s *Service) audit(ctx context.Context, e storage.AuditEntry) {
	e.At = s.now()
	s.p.Audit(ctx, e)
}

// StartupReport summarizes what Start found in persistence. Pending counts
// requests still waiting for approval.
type StartupReport struct {
	Restored int
	Pending  int
	Queued   int
	// Skipped jobs came due while the process was down. Their requests are
	// back to waiting for approval.
	Skipped []jobs.Job
	// Failed jobs are kept from before the restart.
	Failed []jobs.Job
	// Unreadable keys exist in storage but could not be read. They are not
	// written again until the next start.
	Unreadable []string
}

// Start loads persisted state, re-arms future jobs, drops the rest from the
// persisted table and reports the outcome to the ops chat.
func (s *Service) Start(ctx context.Context) StartupReport {
	unreadable := s.store.Load(ctx, s.p)

	var reqs map[string]request
	if _, err := s.p.Lookup(ctx, KeyRequests, &reqs); err != nil {
		unreadable = append(unreadable, KeyRequests)
		reqs = nil
	}
	s.mu.Lock()
	for id, r := range reqs {
		if !s.store.InHistory(id) {
			s.requests[id] = r
		}
	}
	s.mu.Unlock()

	var records []jobs.Record
	if _, err := s.p.Lookup(ctx, KeyJobs, &records); err != nil {
		unreadable = append(unreadable, KeyJobs)
		records = nil
	}
	if len(unreadable) > 0 {
		s.log.Error("stored state unreadable, keeping it untouched", logx.Strs("keys", unreadable))
		s.p = holdKeys(s.p, unreadable)
	}

	res := s.sched.Restore(records, s.now())
	for _, j := range res.Skipped {
		if _, live := s.sched.GetByRequest(j.RequestID); live || !s.store.IsQueued(j.RequestID) {
			continue
		}
		if cal, ok := s.store.Cancel(j.RequestID); ok {
			s.log.Warn("calendar event unlinked from missed job",
				logx.String("request_id", j.RequestID), logx.String("event_id", cal))
		}
	}
	s.persist(ctx)

	pending, queued, _ := s.store.Counts()
	rep := StartupReport{
		Restored:   res.Restored,
		Pending:    pending - queued,
		Queued:     queued,
		Skipped:    res.Skipped,
		Failed:     res.Failed,
		Unreadable: unreadable,
	}
	s.log.Info("state restored",
		logx.Int("jobs_restored", res.Restored),
		logx.Int("jobs_skipped", len(res.Skipped)),
		logx.Int("jobs_failed", len(res.Failed)),
		logx.Int("pending", rep.Pending),
		logx.Int("queued", queued),
	)
	cfg := s.config()
	if _, err := s.chat.SendText(ctx, cfg.Ops, formatStartup(rep, cfg.Location), nil); err != nil {
		s.log.Warn("startup report not delivered", logx.Err(err))
	}
	return rep
}

// heldPersister refuses writes to keys whose stored value could not be read,
// so a failed read never turns into an overwrite with empty state.
type heldPersister struct {
	Persister
	held map[string]bool
}

func holdKeys(p Persister, keys []string) Persister {
	h := &heldPersister{Persister: p, held: map[string]bool{}}
	for _, k := range keys {
		h.held[k] = true
	}
	return h
}

func (h *heldPersister) Save(ctx context.Context, key string, v any) bool {
	if h.held[key] {
		return false
	}
	return h.Persister.Save(ctx, key, v)
}

// Jobs lists pending jobs, soonest first.
func (s *Service) Jobs() []jobs.Job { return s.sched.List() }

// Status is a point-in-time summary for the /status command.
type Status struct {
	Pending     int
	Queued      int
	History     int
	Live        int
	Failed      int
	AuthPending int
}

func (s *Service) Status() Status {
	p, q, h := s.store.Counts()
	return Status{
		Pending:     p - q,
		Queued:      q,
		History:     h,
		Live:        len(s.sched.List()),
		Failed:      len(s.sched.Failed()),
		AuthPending: len(s.sched.AuthPending()),
	}
}
