package announce

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"announcebot/internal/announce/state"
	"announcebot/internal/extract"
	"announcebot/internal/storage"
	"announcebot/internal/task/jobs"
	"announcebot/internal/transport"
	"announcebot/internal/venue"
	logx "announcebot/pkg/logx"
)

const (
	chanID = int64(-100)
	admin  = int64(1)
	author = int64(7)
)

type sentMsg struct {
	ref     transport.MessageRef
	text    string
	replyTo int
}

type fakeChat struct {
	mu      sync.Mutex
	next    int
	sent    []sentMsg
	edits   map[int]string
	deleted []transport.MessageRef
	reacts  []string
}

func (c *fakeChat) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	ref := transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: 1000 + c.next}
	m := sentMsg{ref: ref, text: text}
	if opt != nil {
		m.replyTo = opt.ReplyTo
	}
	c.sent = append(c.sent, m)
	return ref, nil
}

func (c *fakeChat) EditText(_ context.Context, ref transport.MessageRef, text string, _ *transport.SendOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.edits == nil {
		c.edits = map[int]string{}
	}
	c.edits[ref.MessageID] = text
	return nil
}

func (c *fakeChat) Delete(_ context.Context, ref transport.MessageRef) error {
	c.mu.Lock()
	c.deleted = append(c.deleted, ref)
	c.mu.Unlock()
	return nil
}

func (c *fakeChat) React(_ context.Context, _ transport.MessageRef, emoji string) error {
	c.mu.Lock()
	c.reacts = append(c.reacts, emoji)
	c.mu.Unlock()
	return nil
}

// current returns the visible text of every message, edits applied.
func (c *fakeChat) current() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, m := range c.sent {
		if e, ok := c.edits[m.ref.MessageID]; ok {
			out = append(out, e)
			continue
		}
		out = append(out, m.text)
	}
	return out
}

func (c *fakeChat) has(sub string) bool {
	for _, t := range c.current() {
		if strings.Contains(t, sub) {
			return true
		}
	}
	return false
}

type fakeVenue struct {
	mu        sync.Mutex
	posts     []string
	postErr   error
	created   []venue.CalendarEvent
	deleted   []string
	deleteErr error
}

func (v *fakeVenue) Authenticated() bool                      { return true }
func (v *fakeVenue) Authenticate(context.Context) error       { return nil }
func (v *fakeVenue) DeletePost(context.Context, string) error { return nil }

func (v *fakeVenue) Post(_ context.Context, title, _ string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.postErr != nil {
		return "", v.postErr
	}
	v.posts = append(v.posts, title)
	return fmt.Sprintf("post_%d", len(v.posts)), nil
}

func (v *fakeVenue) CreateCalendarEvent(_ context.Context, ev venue.CalendarEvent) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.created = append(v.created, ev)
	return fmt.Sprintf("cal%d", len(v.created)), nil
}

func (v *fakeVenue) DeleteCalendarEvent(_ context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.deleted = append(v.deleted, id)
	return v.deleteErr
}

func (v *fakeVenue) postCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.posts)
}

type fakeExtractor struct {
	res extract.Result
	err error
}

func (f fakeExtractor) Extract(context.Context, string) (extract.Result, error) { return f.res, f.err }

type countingPersister struct {
	*storage.Persistence
	mu    sync.Mutex
	saves map[string]int
}

func (c *countingPersister) Save(ctx context.Context, key string, v any) bool {
	c.mu.Lock()
	c.saves[key]++
	c.mu.Unlock()
	return c.Persistence.Save(ctx, key, v)
}

func (c *countingPersister) count(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saves[key]
}

type countingScheduler struct {
	*jobs.Scheduler
	mu        sync.Mutex
	scheduled int
}

func (c *countingScheduler) Schedule(req jobs.Request) (string, error) {
	c.mu.Lock()
	c.scheduled++
	c.mu.Unlock()
	return c.Scheduler.Schedule(req)
}

func (c *countingScheduler) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scheduled
}

type harness struct {
	svc   *Service
	chat  *fakeChat
	venue *fakeVenue
	sched *countingScheduler
	p     *countingPersister
	mem   *storage.Memory
}

func newHarness(t *testing.T, ext extract.Extractor, mem *storage.Memory) *harness {
	t.Helper()
	if mem == nil {
		mem = storage.NewMemory()
	}
	return newHarnessOn(t, ext, mem, mem)
}

// newHarnessOn persists through backend; mem is only used to read the audit.
func newHarnessOn(t *testing.T, ext extract.Extractor, mem *storage.Memory, backend storage.Store) *harness {
	t.Helper()
	h := &harness{
		chat:  &fakeChat{},
		venue: &fakeVenue{},
		p:     &countingPersister{Persistence: storage.NewPersistence(backend, "test", logx.Nop()), saves: map[string]int{}},
		mem:   mem,
	}
	h.sched = &countingScheduler{Scheduler: jobs.New(jobs.Options{Poster: h.venue})}
	t.Cleanup(h.sched.Stop)
	h.svc = New(Options{
		Config: Config{
			Channel:   transport.ChatTarget{ChatID: chanID},
			Admins:    []int64{admin, 2},
			Staleness: time.Hour,
		},
		Store:     state.New(0),
		Scheduler: h.sched,
		Venue:     h.venue,
		Extractor: ext,
		Chat:      h.chat,
		Persist:   h.p,
	})
	return h
}

func requestMsg(id int) *transport.Message {
	return &transport.Message{ID: id, ChatID: chanID, FromID: author, Text: "@bot announce the meetup", Mentioned: true}
}

func reaction(msgID int, user int64, emoji string, added bool) *transport.Reaction {
	return &transport.Reaction{ChatID: chanID, MessageID: msgID, UserID: user, Emoji: emoji, Added: added}
}

func result(due time.Time) extract.Result {
	return extract.Result{
		Title:        "Meetup",
		EventTitle:   "Meetup night",
		Content:      "Come along",
		DueAt:        due,
		EventStartAt: due.Add(24 * time.Hour),
		EventEndAt:   due.Add(26 * time.Hour),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRequestToCompletion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fakeExtractor{res: result(time.Now().Add(500 * time.Millisecond))}, nil)
	id := "-100:10"

	h.svc.HandleMessage(ctx, requestMsg(10))
	if !h.svc.store.IsPending(id) {
		t.Fatalf("request not pending")
	}
	if n := h.p.count(state.KeyPending); n != 1 {
		t.Fatalf("pending writes=%d want 1", n)
	}
	if !h.chat.has(msgRequestReceived) || len(h.chat.reacts) != 1 {
		t.Fatalf("no acknowledgement: %v %v", h.chat.current(), h.chat.reacts)
	}

	h.svc.HandleReaction(ctx, reaction(10, admin, "👍", true))
	if h.sched.calls() != 1 || !h.svc.store.IsQueued(id) {
		t.Fatalf("schedule calls=%d queued=%v", h.sched.calls(), h.svc.store.IsQueued(id))
	}
	j, ok := h.sched.GetByRequest(id)
	if !ok || !h.chat.has("Job ID: "+j.ID) {
		t.Fatalf("confirmation missing job id: %v", h.chat.current())
	}
	if h.chat.has(msgProcessing) {
		t.Fatalf("placeholder left behind")
	}

	waitFor(t, "completion", func() bool { return h.svc.store.InHistory(id) })
	if h.svc.store.IsQueued(id) || h.venue.postCount() != 1 {
		t.Fatalf("queued=%v posts=%d", h.svc.store.IsQueued(id), h.venue.postCount())
	}
	waitFor(t, "posted notice", func() bool { return h.chat.has("Announcement posted: Meetup") })

	var saved []string
	if !h.p.Load(ctx, state.KeyHistory, &saved) || len(saved) != 1 || saved[0] != id {
		t.Fatalf("history not persisted: %v", saved)
	}
}

func TestSecondApprovalDoesNotScheduleAgain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fakeExtractor{res: result(time.Now().Add(time.Hour))}, nil)
	id := "-100:10"

	h.svc.HandleMessage(ctx, requestMsg(10))
	h.svc.HandleReaction(ctx, reaction(10, admin, "👍", true))
	h.svc.HandleReaction(ctx, reaction(10, 2, "👍", true))
	h.svc.approve(ctx, id, admin)
	if h.sched.calls() != 1 || len(h.sched.List()) != 1 {
		t.Fatalf("calls=%d live=%d", h.sched.calls(), len(h.sched.List()))
	}
	if !h.chat.has(msgAlreadyBooked) {
		t.Fatalf("duplicate approval not reported")
	}

	h.svc.HandleMessage(ctx, requestMsg(10))
	if h.p.count(state.KeyPending) != 2 {
		t.Fatalf("booked resubmission must not write state")
	}

	// One admin withdrawing keeps the booking while another approval remains.
	h.svc.HandleReaction(ctx, reaction(10, admin, "👍", false))
	if !h.svc.store.IsQueued(id) {
		t.Fatalf("booking dropped while an approval remains")
	}
}

func TestStalenessGate(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	h := newHarness(t, fakeExtractor{res: result(now.Add(-3601 * time.Second))}, nil)
	h.svc.HandleMessage(ctx, requestMsg(10))
	h.svc.HandleReaction(ctx, reaction(10, admin, "👍", true))
	if h.sched.calls() != 0 || h.svc.store.IsQueued("-100:10") {
		t.Fatalf("stale approval scheduled")
	}
	if !h.chat.has("in the past") || h.chat.has(msgProcessing) {
		t.Fatalf("no past-time warning: %v", h.chat.current())
	}

	h = newHarness(t, fakeExtractor{res: result(now.Add(-1800 * time.Second))}, nil)
	h.svc.HandleMessage(ctx, requestMsg(11))
	h.svc.HandleReaction(ctx, reaction(11, admin, "👍", true))
	if h.sched.calls() != 1 || !h.chat.has("Announcement scheduled") {
		t.Fatalf("approval within threshold rejected: %v", h.chat.current())
	}
	waitFor(t, "late post", func() bool { return h.venue.postCount() == 1 })
}

func TestNonAdminApprovalIgnored(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fakeExtractor{res: result(time.Now().Add(time.Hour))}, nil)
	h.svc.HandleMessage(ctx, requestMsg(10))
	h.svc.HandleReaction(ctx, reaction(10, author, "👍", true))
	if h.sched.calls() != 0 {
		t.Fatalf("non-admin approval scheduled a job")
	}
	h.svc.HandleMessage(ctx, &transport.Message{ID: 11, ChatID: chanID, Text: "hello"})
	if h.svc.store.IsPending("-100:11") {
		t.Fatalf("message without mention recorded")
	}
}

func TestExtractionFailureReplacesPlaceholder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fakeExtractor{err: extract.ErrIncomplete}, nil)
	h.svc.HandleMessage(ctx, requestMsg(10))
	h.svc.HandleReaction(ctx, reaction(10, admin, "👍", true))
	if h.chat.has(msgProcessing) || !h.chat.has("required fields missing") {
		t.Fatalf("messages=%v", h.chat.current())
	}
	if h.svc.store.IsQueued("-100:10") || !h.svc.store.IsPending("-100:10") {
		t.Fatalf("failed approval changed state")
	}
	if n := len(h.mem.Audit()); n != 1 || h.mem.Audit()[0].OK {
		t.Fatalf("audit=%+v", h.mem.Audit())
	}
}

func TestDisapprovalCancelsEverything(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fakeExtractor{res: result(time.Now().Add(time.Hour))}, nil)
	id := "-100:10"
	h.svc.HandleMessage(ctx, requestMsg(10))
	h.svc.HandleReaction(ctx, reaction(10, admin, "👍", true))

	reply, ok := h.svc.store.ReplyID(id)
	if !ok {
		t.Fatalf("no confirmation recorded")
	}
	confirm, _ := transport.ParseKey(reply)

	// Calendar signals may target the confirmation message.
	h.svc.HandleReaction(ctx, reaction(confirm.MessageID, admin, "📅", true))
	if cal, ok := h.svc.store.CalendarEvent(id); !ok || cal != "cal1" {
		t.Fatalf("calendar=%q %v", cal, ok)
	}
	if ev := h.venue.created[0]; ev.Title != "Meetup night" || ev.StartsAt.IsZero() {
		t.Fatalf("event=%+v", ev)
	}
	h.svc.HandleReaction(ctx, reaction(confirm.MessageID, admin, "📅", true))
	if len(h.venue.created) != 1 {
		t.Fatalf("calendar created twice")
	}

	h.svc.HandleReaction(ctx, reaction(10, admin, "👍", false))
	if len(h.sched.List()) != 0 || h.svc.store.IsQueued(id) || !h.svc.store.IsPending(id) {
		t.Fatalf("job or queue entry survived disapproval")
	}
	if len(h.chat.deleted) != 1 || h.chat.deleted[0].MessageID != confirm.MessageID {
		t.Fatalf("deleted=%v", h.chat.deleted)
	}
	if len(h.venue.deleted) != 1 || h.venue.deleted[0] != "cal1" || h.svc.store.HasCalendarEvent(id) {
		t.Fatalf("calendar not removed: %v", h.venue.deleted)
	}
	if !h.chat.has(msgBookingCancelled) {
		t.Fatalf("no cancellation notice")
	}

	// The request is reusable.
	h.svc.HandleReaction(ctx, reaction(10, admin, "👍", true))
	if h.sched.calls() != 2 || !h.svc.store.IsQueued(id) {
		t.Fatalf("re-approval failed")
	}
}

func TestCalendarRemovalPersistsDespiteVenueError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fakeExtractor{res: result(time.Now().Add(time.Hour))}, nil)
	id := "-100:10"
	h.svc.HandleMessage(ctx, requestMsg(10))
	h.svc.HandleReaction(ctx, reaction(10, admin, "👍", true))
	h.svc.HandleReaction(ctx, reaction(10, admin, "📅", true))

	h.venue.deleteErr = errors.New("boom")
	h.svc.HandleReaction(ctx, reaction(10, admin, "📅", false))
	if h.svc.store.HasCalendarEvent(id) {
		t.Fatalf("calendar mapping kept")
	}
	var cal map[string]string
	h.p.Load(ctx, state.KeyCalendar, &cal)
	if len(cal) != 0 {
		t.Fatalf("persisted calendar=%v", cal)
	}
	if !h.chat.has("boom") {
		t.Fatalf("venue error not reported")
	}
}

func TestCalendarNeedsEventWindow(t *testing.T) {
	ctx := context.Background()
	res := result(time.Now().Add(time.Hour))
	res.EventStartAt, res.EventEndAt = time.Time{}, time.Time{}
	h := newHarness(t, fakeExtractor{res: res}, nil)
	h.svc.HandleMessage(ctx, requestMsg(10))
	h.svc.HandleReaction(ctx, reaction(10, admin, "📅", true))
	if len(h.venue.created) != 0 {
		t.Fatalf("calendar created without a job")
	}
	h.svc.HandleReaction(ctx, reaction(10, admin, "👍", true))
	h.svc.HandleReaction(ctx, reaction(10, admin, "📅", true))
	if len(h.venue.created) != 0 || !h.chat.has(msgNoEventWindow) {
		t.Fatalf("created=%d", len(h.venue.created))
	}
}

func TestFastForwardByRequester(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fakeExtractor{res: result(time.Now().Add(time.Hour))}, nil)
	id := "-100:10"
	h.svc.HandleMessage(ctx, requestMsg(10))
	h.svc.HandleReaction(ctx, reaction(10, admin, "👍", true))

	h.svc.HandleReaction(ctx, reaction(10, 99, "⏩", true))
	if h.venue.postCount() != 0 {
		t.Fatalf("stranger fast-forwarded")
	}
	h.svc.HandleReaction(ctx, reaction(10, author, "⏩", true))
	if h.venue.postCount() != 1 || !h.svc.store.InHistory(id) || len(h.sched.List()) != 0 {
		t.Fatalf("posts=%d history=%v", h.venue.postCount(), h.svc.store.History())
	}
	if !h.chat.has("Posted immediately") {
		t.Fatalf("confirmation not updated: %v", h.chat.current())
	}
}

func TestFastForwardFailureRearms(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fakeExtractor{res: result(time.Now().Add(time.Hour))}, nil)
	id := "-100:10"
	h.svc.HandleMessage(ctx, requestMsg(10))
	h.svc.HandleReaction(ctx, reaction(10, admin, "👍", true))
	before, _ := h.sched.GetByRequest(id)

	h.venue.postErr = &venue.APIError{Op: "post", Status: 500, Message: "down"}
	h.svc.HandleReaction(ctx, reaction(10, admin, "⏩", true))
	after, ok := h.sched.GetByRequest(id)
	if !ok || after.ID == before.ID || after.Status != jobs.StatusPending || !after.DueAt.Equal(before.DueAt) {
		t.Fatalf("job not re-armed: %+v", after)
	}
	if !h.svc.store.IsQueued(id) || !h.chat.has("Posting failed") {
		t.Fatalf("queued=%v", h.svc.store.IsQueued(id))
	}
}

func TestJobFailureIsPersisted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fakeExtractor{res: result(time.Now().Add(100 * time.Millisecond))}, nil)
	h.venue.postErr = &venue.APIError{Op: "post", Status: 400, Message: "bad group"}
	id := "-100:10"
	h.svc.HandleMessage(ctx, requestMsg(10))
	h.svc.HandleReaction(ctx, reaction(10, admin, "👍", true))

	waitFor(t, "failure notice", func() bool { return h.chat.has("bad group") })
	if !h.svc.store.IsQueued(id) || h.svc.store.InHistory(id) {
		t.Fatalf("failed job changed request state")
	}
	var recs []jobs.Record
	waitFor(t, "failed record", func() bool {
		recs = nil
		h.p.Load(ctx, KeyJobs, &recs)
		return len(recs) == 1 && recs[0].Status == jobs.StatusFailed
	})

	j, _ := h.sched.GetByRequest(id)
	if !h.svc.CancelJob(ctx, j.ID, admin) || h.svc.CancelJob(ctx, j.ID, admin) {
		t.Fatalf("cancel of a failed job not idempotent")
	}
	if h.svc.store.IsQueued(id) {
		t.Fatalf("request still queued after cancel")
	}
}

func TestStartRestoresAndReports(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	seed := storage.NewPersistence(mem, "test", logx.Nop())
	now := time.Now()

	future := jobs.Job{ID: "j1", RequestID: "-100:1", DueAt: now.Add(time.Hour), Title: "Future", Status: jobs.StatusPending}
	past := jobs.Job{ID: "j2", RequestID: "-100:2", DueAt: now.Add(-time.Hour), Title: "Gone", Status: jobs.StatusPending}
	seed.Save(ctx, KeyJobs, []jobs.Record{future.Record(), past.Record()})
	seed.Save(ctx, state.KeyPending, map[string]*string{"-100:1": strPtr("-100:50"), "-100:2": strPtr("-100:51"), "-100:3": nil})
	seed.Save(ctx, KeyRequests, map[string]request{"-100:3": {ChatID: chanID, MessageID: 3, AuthorID: author, Text: "x"}})

	h := newHarness(t, fakeExtractor{}, mem)
	rep := h.svc.Start(ctx)
	if rep.Restored != 1 || len(rep.Skipped) != 1 || rep.Skipped[0].ID != "j2" || len(rep.Unreadable) != 0 {
		t.Fatalf("report=%+v", rep)
	}
	if rep.Queued != 1 || rep.Pending != 2 {
		t.Fatalf("queued=%d pending=%d", rep.Queued, rep.Pending)
	}
	if st := h.svc.Status(); st.Queued != st.Live {
		t.Fatalf("queued requests without jobs: %+v", st)
	}
	if _, ok := h.sched.GetByRequest("-100:1"); !ok {
		t.Fatalf("restored job not retrievable")
	}

	var recs []jobs.Record
	h.p.Load(ctx, KeyJobs, &recs)
	if len(recs) != 1 || recs[0].ID != "j1" {
		t.Fatalf("skipped job still persisted: %+v", recs)
	}
	if !h.chat.has("Gone") || !h.chat.has("1 job(s) restored") {
		t.Fatalf("report=%v", h.chat.current())
	}

	// The restored request text allows approval after a restart.
	h.svc.extract = fakeExtractor{res: result(now.Add(2 * time.Hour))}
	h.svc.HandleReaction(ctx, reaction(3, admin, "👍", true))
	if !h.svc.store.IsQueued("-100:3") {
		t.Fatalf("restored request not approvable")
	}
}

func TestMissedJobCanBeApprovedAgain(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	seed := storage.NewPersistence(mem, "test", logx.Nop())
	now := time.Now()

	past := jobs.Job{ID: "j2", RequestID: "-100:2", DueAt: now.Add(-time.Hour), Title: "Gone", Status: jobs.StatusPending}
	seed.Save(ctx, KeyJobs, []jobs.Record{past.Record()})
	seed.Save(ctx, state.KeyPending, map[string]*string{"-100:2": strPtr("-100:51")})
	seed.Save(ctx, KeyRequests, map[string]request{"-100:2": {ChatID: chanID, MessageID: 2, AuthorID: author, Text: "x"}})

	h := newHarness(t, fakeExtractor{res: result(now.Add(time.Hour))}, mem)
	h.svc.Start(ctx)
	if h.svc.store.IsQueued("-100:2") || !h.svc.store.IsPending("-100:2") {
		t.Fatalf("missed request still queued")
	}
	if !h.chat.has("waiting for approval again") {
		t.Fatalf("report=%v", h.chat.current())
	}

	h.svc.HandleReaction(ctx, reaction(2, admin, "👍", true))
	if _, ok := h.sched.GetByRequest("-100:2"); !ok || h.chat.has(msgAlreadyBooked) {
		t.Fatalf("re-approval rejected: %v", h.chat.current())
	}
}

func TestStartReportsFailedJobsSeparately(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	seed := storage.NewPersistence(mem, "test", logx.Nop())

	failed := jobs.Job{ID: "j9", RequestID: "-100:9", DueAt: time.Now().Add(-time.Hour), Title: "Broken", Status: jobs.StatusFailed, Error: "bad group"}
	seed.Save(ctx, KeyJobs, []jobs.Record{failed.Record()})
	seed.Save(ctx, state.KeyPending, map[string]*string{"-100:9": strPtr("-100:90")})

	h := newHarness(t, fakeExtractor{}, mem)
	rep := h.svc.Start(ctx)
	if len(rep.Skipped) != 0 || len(rep.Failed) != 1 || rep.Failed[0].ID != "j9" {
		t.Fatalf("report=%+v", rep)
	}
	if !h.svc.store.IsQueued("-100:9") || h.svc.Status().Failed != 1 {
		t.Fatalf("failed job not retained")
	}
	if !h.chat.has("Failed before the restart") || h.chat.has("Missed while offline") {
		t.Fatalf("report=%v", h.chat.current())
	}
	var recs []jobs.Record
	h.p.Load(ctx, KeyJobs, &recs)
	if len(recs) != 1 || recs[0].Status != jobs.StatusFailed {
		t.Fatalf("failed record dropped: %+v", recs)
	}
}

// flakyReads fails every Get while down is set.
type flakyReads struct {
	*storage.Memory
	mu   sync.Mutex
	down bool
}

func (f *flakyReads) setDown(v bool) {
	f.mu.Lock()
	f.down = v
	f.mu.Unlock()
}

func (f *flakyReads) Get(ctx context.Context, scope, key string) ([]byte, bool, error) {
	f.mu.Lock()
	down := f.down
	f.mu.Unlock()
	if down {
		return nil, false, errors.New("read timeout")
	}
	return f.Memory.Get(ctx, scope, key)
}

func TestStartDoesNotOverwriteUnreadableState(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	seed := storage.NewPersistence(mem, "test", logx.Nop())
	future := jobs.Job{ID: "j1", RequestID: "-100:1", DueAt: time.Now().Add(time.Hour), Title: "Future", Status: jobs.StatusPending}
	seed.Save(ctx, KeyJobs, []jobs.Record{future.Record()})
	seed.Save(ctx, state.KeyPending, map[string]*string{"-100:1": strPtr("-100:50")})

	backend := &flakyReads{Memory: mem}
	backend.setDown(true)
	h := newHarnessOn(t, fakeExtractor{res: result(time.Now().Add(time.Hour))}, mem, backend)
	rep := h.svc.Start(ctx)
	if len(rep.Unreadable) != 5 || !h.chat.has("could not be read") {
		t.Fatalf("report=%+v", rep)
	}

	// Later transitions still must not replace the unread values.
	h.svc.HandleMessage(ctx, requestMsg(20))
	backend.setDown(false)

	var recs []jobs.Record
	var pending map[string]*string
	seed.Load(ctx, KeyJobs, &recs)
	seed.Load(ctx, state.KeyPending, &pending)
	if len(recs) != 1 || recs[0].ID != "j1" {
		t.Fatalf("jobs overwritten: %+v", recs)
	}
	if len(pending) != 1 || pending["-100:1"] == nil {
		t.Fatalf("pending overwritten: %v", pending)
	}
}

func TestClampContent(t *testing.T) {
	long := strings.Repeat("あ", 1500)
	got := clamp(long, MaxContentLen)
	if n := len([]rune(got)); n != MaxContentLen || !strings.HasSuffix(got, "...") {
		t.Fatalf("len=%d", n)
	}
	if clamp("short", MaxContentLen) != "short" {
		t.Fatalf("short content changed")
	}
}

func strPtr(s string) *string { return &s }
