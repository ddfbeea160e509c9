package jobs

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"announcebot/internal/eventbus"
	"announcebot/internal/metrics"
	"announcebot/internal/venue"
	logx "announcebot/pkg/logx"

	"github.com/google/uuid"
)

const (
	DefaultGrace       = time.Hour
	DefaultExecTimeout = 10 * time.Minute
)

type Options struct {
	Poster  Poster
	Log     logx.Logger
	Bus     eventbus.Bus
	Metrics metrics.Sink
	// Grace is how late a timer may fire and still post.
	Grace       time.Duration
	ExecTimeout time.Duration
	Now         func() time.Time
}

type entry struct {
	job         Job
	timer       *time.Timer
	ver         uint64
	running     bool
	authPending bool
}

// Scheduler is the live job table plus one timer per pending job.
type Scheduler struct {
	poster  Poster
	log     logx.Logger
	bus     eventbus.Bus
	metrics metrics.Sink
	grace   time.Duration
	timeout time.Duration
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	jobs    map[string]*entry
	seq     uint64
	onDone  CompletionFunc
	stopped bool
}

func New(opts Options) *Scheduler {
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = DefaultExecTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		poster:  opts.Poster,
		log:     opts.Log.With(logx.String("comp", "jobs")),
		bus:     opts.Bus,
		metrics: metrics.OrNoop(opts.Metrics),
		grace:   opts.Grace,
		timeout: opts.ExecTimeout,
		now:     opts.Now,
		ctx:     ctx,
		cancel:  cancel,
		jobs:    map[string]*entry{},
	}
}

// OnCompletion registers the terminal-state handler. A later call replaces
// the earlier one.
func (s *Scheduler) OnCompletion(fn CompletionFunc) {
	s.mu.Lock()
	s.onDone = fn
	s.mu.Unlock()
}

// SetGrace changes the lateness tolerance for future fires.
func (s *Scheduler) SetGrace(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.grace = d
	s.mu.Unlock()
}

// Schedule adds a pending job and arms its timer. A due time in the past
// fires immediately. A failed job left over for the same request is
// replaced.
func (s *Scheduler) Schedule(req Request) (string, error) {
	if strings.TrimSpace(req.RequestID) == "" || req.DueAt.IsZero() {
		return "", ErrInvalidJob
	}
	j := Job{
		ID:           uuid.NewString(),
		RequestID:    req.RequestID,
		DueAt:        req.DueAt.UTC(),
		Title:        req.Title,
		Body:         req.Body,
		EventTitle:   req.EventTitle,
		EventStartAt: utc(req.EventStartAt),
		EventEndAt:   utc(req.EventEndAt),
		Status:       StatusPending,
	}
	if j.EventTitle == "" {
		j.EventTitle = j.Title
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return "", ErrStopped
	}
	for id, e := range s.jobs {
		if e.job.RequestID != req.RequestID {
			continue
		}
		if e.job.Status == StatusPending {
			s.mu.Unlock()
			return "", ErrDuplicateRequest
		}
		if !e.running {
			delete(s.jobs, id)
		}
	}
	s.armLocked(&entry{job: j})
	live := len(s.jobs)
	s.mu.Unlock()

	s.metrics.JobScheduled()
	s.metrics.JobsLive(live)
	s.publish(eventbus.JobScheduled, j)
	s.log.Info("job scheduled",
		logx.String("job_id", j.ID),
		logx.String("request_id", j.RequestID),
		logx.Time("due_at", j.DueAt),
	)
	return j.ID, nil
}

func (s *Scheduler) armLocked(e *entry) {
	s.seq++
	e.ver = s.seq
	id, ver := e.job.ID, e.ver
	delay := e.job.DueAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	e.timer = time.AfterFunc(delay, func() { s.fire(id, ver) })
	s.jobs[id] = e
}

// Cancel removes a job that is not currently executing. It reports false
// for unknown, running or already removed jobs.
func (s *Scheduler) Cancel(jobID string) bool {
	s.mu.Lock()
	e, ok := s.jobs[jobID]
	if !ok || e.running {
		s.mu.Unlock()
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(s.jobs, jobID)
	live := len(s.jobs)
	j := e.job
	s.mu.Unlock()

	s.metrics.JobsLive(live)
	s.publish(eventbus.JobCancelled, j)
	s.log.Info("job cancelled", logx.String("job_id", jobID), logx.String("request_id", j.RequestID))
	return true
}

func (s *Scheduler) CancelByRequest(requestID string) bool {
	j, ok := s.GetByRequest(requestID)
	if !ok {
		return false
	}
	return s.Cancel(j.ID)
}

// GetByRequest returns the job for a request, preferring the pending one.
func (s *Scheduler) GetByRequest(requestID string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		found Job
		ok    bool
	)
	for _, e := range s.jobs {
		if e.job.RequestID != requestID {
			continue
		}
		if e.job.Status == StatusPending {
			return e.job, true
		}
		found, ok = e.job, true
	}
	return found, ok
}

func (s *Scheduler) Get(jobID string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return e.job, true
}

// List returns the jobs whose timers are still armed, soonest first.
func (s *Scheduler) List() []Job {
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		if e.timer != nil && e.job.Status == StatusPending {
			out = append(out, e.job)
		}
	}
	s.mu.Unlock()
	sortJobs(out)
	return out
}

// Failed returns jobs retained in the failed state.
func (s *Scheduler) Failed() []Job {
	return s.filter(func(e *entry) bool { return e.job.Status == StatusFailed })
}

// AuthPending returns fired jobs waiting for the venue session to recover.
func (s *Scheduler) AuthPending() []Job {
	return s.filter(func(e *entry) bool { return e.authPending })
}

func (s *Scheduler) filter(keep func(*entry) bool) []Job {
	s.mu.Lock()
	var out []Job
	for _, e := range s.jobs {
		if keep(e) {
			out = append(out, e.job)
		}
	}
	s.mu.Unlock()
	sortJobs(out)
	return out
}

// Records returns the persistable job table: pending and failed jobs.
func (s *Scheduler) Records() []Record {
	s.mu.Lock()
	jobs := make([]Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		jobs = append(jobs, e.job)
	}
	s.mu.Unlock()
	sortJobs(jobs)
	out := make([]Record, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Record())
	}
	return out
}

// RestoreResult is what Restore did with a persisted job table.
type RestoreResult struct {
	Restored int
	// Skipped holds pending jobs that came due while the process was down,
	// plus duplicates and records without an id.
	Skipped []Job
	// Failed holds failed jobs put back into the table. They stay until
	// cancelled or replaced, as they would have without the restart.
	Failed []Job
}

// Restore re-arms persisted pending jobs due after now and keeps failed
// jobs without a timer. Everything else is returned as skipped and left out
// of the table.
func (s *Scheduler) Restore(records []Record, now time.Time) RestoreResult {
	var res RestoreResult
	s.mu.Lock()
	defer s.mu.Unlock()
	taken := map[string]bool{}
	for _, e := range s.jobs {
		taken[e.job.RequestID] = true
	}
	for _, r := range records {
		r.migrate(legacyRecord{})
		j := r.Job()
		_, exists := s.jobs[j.ID]
		switch {
		case j.ID == "" || exists || taken[j.RequestID]:
			res.Skipped = append(res.Skipped, j)
		case j.Status == StatusFailed:
			s.jobs[j.ID] = &entry{job: j}
			taken[j.RequestID] = true
			res.Failed = append(res.Failed, j)
		case j.Status != StatusPending || !j.DueAt.After(now):
			res.Skipped = append(res.Skipped, j)
		default:
			s.armLocked(&entry{job: j})
			taken[j.RequestID] = true
			res.Restored++
			s.publish(eventbus.JobRestored, j)
		}
	}
	s.metrics.JobsLive(len(s.jobs))
	return res
}

func (s *Scheduler) fire(id string, ver uint64) {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok || e.ver != ver || e.running || s.stopped {
		s.mu.Unlock()
		return
	}
	e.timer = nil
	e.running = true
	j := e.job
	grace := s.grace
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	lateness := s.now().Sub(j.DueAt)
	if lateness > grace {
		s.log.Warn("job fired after grace window",
			logx.String("job_id", j.ID),
			logx.Duration("late", lateness),
		)
		s.finish(j, StatusFailed, ReasonMissed, "", lateness)
		return
	}
	s.execute(j, lateness)
}

func (s *Scheduler) execute(j Job, lateness time.Duration) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	log := s.log.With(logx.String("job_id", j.ID), logx.String("request_id", j.RequestID))

	if s.poster == nil {
		s.finish(j, StatusFailed, "no poster configured", "", lateness)
		return
	}
	if !s.poster.Authenticated() {
		if err := s.poster.Authenticate(ctx); err != nil {
			log.Error("authentication before post failed", logx.Err(err))
			s.finish(j, StatusFailed, err.Error(), "", lateness)
			return
		}
	}

	postID, err := s.poster.Post(ctx, j.Title, j.Body)
	switch {
	case err == nil:
		log.Info("announcement posted", logx.String("post_id", postID))
		s.finish(j, StatusSuccess, "", postID, lateness)
	case errors.Is(err, venue.ErrAuthRetryPending):
		log.Warn("post waiting for re-authentication", logx.Err(err))
		s.parkAuthPending(j)
	default:
		log.Error("post failed", logx.String("kind", string(venue.Classify(err))), logx.Err(err))
		s.finish(j, StatusFailed, err.Error(), "", lateness)
	}
}

func (s *Scheduler) parkAuthPending(j Job) {
	s.mu.Lock()
	if e, ok := s.jobs[j.ID]; ok {
		e.running = false
		e.authPending = true
	}
	s.mu.Unlock()
	s.publish(eventbus.JobAuthPending, j)
}

// finish records the terminal status and then runs the completion handler.
// Successful jobs leave the table before the handler runs.
func (s *Scheduler) finish(j Job, status Status, reason, postID string, lateness time.Duration) {
	s.mu.Lock()
	if e, ok := s.jobs[j.ID]; ok {
		e.job.Status = status
		e.job.Error = reason
		e.job.PostID = postID
		e.running = false
		e.authPending = false
		j = e.job
		if status == StatusSuccess {
			delete(s.jobs, j.ID)
		}
	} else {
		j.Status, j.Error, j.PostID = status, reason, postID
	}
	live := len(s.jobs)
	done := s.onDone
	s.mu.Unlock()

	s.metrics.JobFinished(string(status), lateness)
	s.metrics.JobsLive(live)
	if status == StatusSuccess {
		s.publish(eventbus.JobSucceeded, j)
	} else {
		s.publish(eventbus.JobFailed, j)
	}
	if done != nil {
		done(context.WithoutCancel(s.ctx), j)
	}
}

// RetryAuthPending posts every job parked by a failed re-authentication.
// It runs them one by one on the calling goroutine.
func (s *Scheduler) RetryAuthPending(ctx context.Context) int {
	s.mu.Lock()
	var batch []Job
	for _, e := range s.jobs {
		if e.authPending && !e.running && !s.stopped {
			e.running = true
			e.authPending = false
			batch = append(batch, e.job)
		}
	}
	if len(batch) > 0 {
		s.wg.Add(1)
		defer s.wg.Done()
	}
	s.mu.Unlock()

	sortJobs(batch)
	for _, j := range batch {
		if ctx.Err() != nil {
			s.parkAuthPending(j)
			continue
		}
		s.log.Info("retrying job after re-authentication", logx.String("job_id", j.ID))
		s.execute(j, s.now().Sub(j.DueAt))
	}
	return len(batch)
}

// Stop disarms every timer and waits for running posts to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for _, e := range s.jobs {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) publish(typ string, j Job) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: j})
	}
}

func sortJobs(js []Job) {
	sort.Slice(js, func(a, b int) bool {
		if js[a].DueAt.Equal(js[b].DueAt) {
			return js[a].ID < js[b].ID
		}
		return js[a].DueAt.Before(js[b].DueAt)
	})
}

func utc(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}
