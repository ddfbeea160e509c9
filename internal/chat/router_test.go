package chat

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"announcebot/internal/announce"
	"announcebot/internal/otp"
	"announcebot/internal/task/jobs"
	"announcebot/internal/transport"
	logx "announcebot/pkg/logx"
)

type sent struct {
	to   transport.ChatTarget
	text string
	opt  *transport.SendOptions
}

type fakeChat struct {
	mu     sync.Mutex
	nextID int
	sent   []sent
	edits  map[string]string
}

func (f *fakeChat) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, sent{to: to, text: text, opt: opt})
	return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: 1000 + f.nextID}, nil
}

func (f *fakeChat) EditText(_ context.Context, ref transport.MessageRef, text string, _ *transport.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.edits == nil {
		f.edits = map[string]string{}
	}
	f.edits[ref.Key()] = text
	return nil
}

func (f *fakeChat) Sent() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

func (f *fakeChat) Edit(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.edits[key]
}

type fakeAnnouncer struct {
	mu        sync.Mutex
	messages  []*transport.Message
	reactions []*transport.Reaction
	cancelled []string
	jobs      []jobs.Job
	done      chan struct{}
}

func newFakeAnnouncer() *fakeAnnouncer { return &fakeAnnouncer{done: make(chan struct{}, 16)} }

func (f *fakeAnnouncer) HandleMessage(_ context.Context, m *transport.Message) {
	f.mu.Lock()
	f.messages = append(f.messages, m)
	f.mu.Unlock()
	f.done <- struct{}{}
}

func (f *fakeAnnouncer) HandleReaction(_ context.Context, r *transport.Reaction) {
	f.mu.Lock()
	f.reactions = append(f.reactions, r)
	f.mu.Unlock()
	f.done <- struct{}{}
}

func (f *fakeAnnouncer) IsAdmin(id int64) bool { return id == 1 }

func (f *fakeAnnouncer) Jobs() []jobs.Job { return f.jobs }

func (f *fakeAnnouncer) CancelJob(_ context.Context, id string, _ int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return id == "job-1"
}

func (f *fakeAnnouncer) Status() announce.Status { return announce.Status{Pending: 2, Live: 1} }

func newTestRouter(a Announcer, c *fakeChat, codes CodeResolver, p *Prompter) *Router {
	return NewRouter(Options{
		Announcer: a,
		Codes:     codes,
		Prompter:  p,
		Chat:      c,
		Log:       logx.Nop(),
		Workers:   2,
	})
}

func message(from int64, text string) transport.Update {
	return transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{
		ID: 10, ChatID: -100, FromID: from, Text: text, IsGroup: true, Mentioned: true,
	}}
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		in   string
		cmd  string
		args int
	}{
		{"/list", "list", 0},
		{"/Cancel@AnnounceBot abc", "cancel", 1},
		{"  /otp 123456 ", "otp", 1},
		{"hello /list", "", 0},
		{"", "", 0},
	}
	for _, tc := range cases {
		cmd, args := parseCommand(tc.in)
		if cmd != tc.cmd || len(args) != tc.args {
			t.Fatalf("%q: got %q %v", tc.in, cmd, args)
		}
	}
}

func TestRunRoutesMessagesAndReactions(t *testing.T) {
	a := newFakeAnnouncer()
	r := newTestRouter(a, &fakeChat{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan transport.Update, 4)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, updates) }()

	updates <- message(7, "@bot please announce")
	updates <- transport.Update{Kind: transport.UpdateReaction, Reaction: &transport.Reaction{ChatID: -100, MessageID: 10, UserID: 1, Emoji: "👍", Added: true}}
	for i := 0; i < 2; i++ {
		select {
		case <-a.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("update %d not handled", i)
		}
	}
	close(updates)
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(a.messages) != 1 || len(a.reactions) != 1 {
		t.Fatalf("messages=%d reactions=%d", len(a.messages), len(a.reactions))
	}
}

func TestCommandsRequireAdmin(t *testing.T) {
	a := newFakeAnnouncer()
	c := &fakeChat{}
	r := newTestRouter(a, c, nil, nil)
	ctx := context.Background()

	_ = r.handle(ctx, toRequest(message(7, "/cancel job-1")))
	if len(a.cancelled) != 0 {
		t.Fatalf("non-admin cancelled a job")
	}
	if got := c.Sent(); len(got) != 1 || got[0].text != msgPermissionDenied {
		t.Fatalf("sent=%+v", got)
	}

	_ = r.handle(ctx, toRequest(message(7, "/help")))
	if got := c.Sent(); len(got) != 2 || !strings.Contains(got[1].text, "/cancel <job_id>") {
		t.Fatalf("help not sent: %+v", got)
	}
}

func TestCancelAndListCommands(t *testing.T) {
	a := newFakeAnnouncer()
	a.jobs = []jobs.Job{{ID: "job-1", Title: "Spring meetup", Body: "Join us", DueAt: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}}
	c := &fakeChat{}
	r := newTestRouter(a, c, nil, nil)
	ctx := context.Background()

	_ = r.handle(ctx, toRequest(message(1, "/cancel job-1")))
	_ = r.handle(ctx, toRequest(message(1, "/cancel job-9")))
	_ = r.handle(ctx, toRequest(message(1, "/list")))

	got := c.Sent()
	if len(got) != 3 {
		t.Fatalf("sent=%d", len(got))
	}
	if !strings.Contains(got[0].text, "Cancelled") || !strings.Contains(got[1].text, "not found") {
		t.Fatalf("cancel replies: %q / %q", got[0].text, got[1].text)
	}
	if !strings.Contains(got[2].text, "Spring meetup") || !strings.Contains(got[2].text, "job-1") {
		t.Fatalf("list: %q", got[2].text)
	}
	if got[0].opt == nil || got[0].opt.ReplyTo != 10 {
		t.Fatalf("command reply must quote the command: %+v", got[0].opt)
	}
}

func TestStatusCommand(t *testing.T) {
	a := newFakeAnnouncer()
	c := &fakeChat{}
	r := NewRouter(Options{
		Announcer:   a,
		Chat:        c,
		Log:         logx.Nop(),
		StatusLines: func() []string { return []string{"Venue session: valid"} },
	})
	_ = r.handle(context.Background(), toRequest(message(1, "/status")))
	got := c.Sent()
	if len(got) != 1 || !strings.Contains(got[0].text, "Requests awaiting approval: 2") || !strings.Contains(got[0].text, "Venue session: valid") {
		t.Fatalf("status=%+v", got)
	}
}

func TestReplyToChallengeResolvesCode(t *testing.T) {
	a := newFakeAnnouncer()
	c := &fakeChat{}
	ops := transport.ChatTarget{ChatID: -200}
	p := NewPrompter(c, ops, []int64{1, 2}, logx.Nop())
	b := otp.NewBroker(p, 5*time.Second, logx.Nop(), nil)
	r := newTestRouter(a, c, b, p)

	got := make(chan string, 1)
	go func() {
		code, _ := b.Request(context.Background(), "totp", 1)
		got <- code
	}()

	var prompt transport.MessageRef
	deadline := time.Now().Add(2 * time.Second)
	for {
		if s := c.Sent(); len(s) == 1 {
			if !strings.Contains(s[0].text, "tg://user?id=1") || !strings.Contains(s[0].text, "tg://user?id=2") {
				t.Fatalf("prompt must mention admins: %q", s[0].text)
			}
			prompt = transport.MessageRef{ChatID: -200, MessageID: 1001}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("prompt not sent")
		}
		time.Sleep(5 * time.Millisecond)
	}

	reply := func(from int64, text string) transport.Update {
		return transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{
			ID: 50, ChatID: -200, FromID: from, Text: text, ReplyToID: prompt.MessageID,
		}}
	}
	_ = r.handle(context.Background(), toRequest(reply(7, "000000")))
	if len(b.Pending()) != 1 {
		t.Fatalf("non-admin reply must not resolve the challenge")
	}
	_ = r.handle(context.Background(), toRequest(reply(1, " 123456 ")))

	select {
	case code := <-got:
		if code != "123456" {
			t.Fatalf("code=%q", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("challenge not resolved")
	}
	if len(a.messages) != 0 {
		t.Fatalf("code replies must not reach the announcer")
	}
	if _, ok := p.ChallengeFor(prompt); ok {
		t.Fatalf("settled challenge must be forgotten")
	}
	if edit := c.Edit(prompt.Key()); !strings.Contains(edit, "Code received") {
		t.Fatalf("edit=%q", edit)
	}
}

func TestPromptTimeoutEditsMessage(t *testing.T) {
	c := &fakeChat{}
	p := NewPrompter(c, transport.ChatTarget{ChatID: -200}, []int64{1}, logx.Nop())
	b := otp.NewBroker(p, 20*time.Millisecond, logx.Nop(), nil)
	if _, ok := b.Request(context.Background(), "email_otp", 2); ok {
		t.Fatalf("expected timeout")
	}
	if edit := c.Edit("-200:1001"); !strings.Contains(edit, "timed out") || !strings.Contains(edit, "tg://user?id=1") {
		t.Fatalf("edit=%q", edit)
	}
}

func TestMenuCommandsSorted(t *testing.T) {
	r := newTestRouter(newFakeAnnouncer(), &fakeChat{}, nil, nil)
	cmds := r.MenuCommands()
	if len(cmds) != 7 || cmds[0].Command != "cancel" || cmds[6].Command != "version" {
		t.Fatalf("menu=%+v", cmds)
	}
}

// codeWaiter blocks each reaction on a one-time code, like a venue call
// that has to log in again.
type codeWaiter struct {
	*fakeAnnouncer
	codes *otp.Broker
	got   chan string
}

func (w *codeWaiter) HandleReaction(ctx context.Context, _ *transport.Reaction) {
	code, _ := w.codes.Request(ctx, "totp", 1)
	w.got <- code
}

func TestCodeAnswerReachesBusyWorker(t *testing.T) {
	c := &fakeChat{}
	ops := transport.ChatTarget{ChatID: -200}
	p := NewPrompter(c, ops, []int64{1}, logx.Nop())
	b := otp.NewBroker(p, 3*time.Second, logx.Nop(), nil)
	w := &codeWaiter{fakeAnnouncer: newFakeAnnouncer(), codes: b, got: make(chan string, 2)}
	r := NewRouter(Options{Announcer: w, Codes: b, Prompter: p, Chat: c, Log: logx.Nop(), Workers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan transport.Update, 4)
	go func() { _ = r.Run(ctx, updates) }()

	waitPrompt := func(msgID int) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for {
			if _, ok := p.ChallengeFor(transport.MessageRef{ChatID: -200, MessageID: msgID}); ok {
				return
			}
			if time.Now().After(deadline) {
				t.Fatalf("prompt %d not sent", msgID)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	expect := func(want string) {
		t.Helper()
		select {
		case code := <-w.got:
			if code != want {
				t.Fatalf("code=%q want %q", code, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("code %s never reached the waiting handler", want)
		}
	}
	react := transport.Update{Kind: transport.UpdateReaction, Reaction: &transport.Reaction{ChatID: -100, MessageID: 10, UserID: 1, Emoji: "⏩", Added: true}}

	updates <- react
	waitPrompt(1001)
	updates <- transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{
		ID: 60, ChatID: -200, FromID: 1, Text: "123456", ReplyToID: 1001,
	}}
	expect("123456")

	updates <- react
	waitPrompt(1002)
	updates <- transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{
		ID: 61, ChatID: -200, FromID: 1, Text: "/otp 654321",
	}}
	expect("654321")
}

func TestPingAndVersion(t *testing.T) {
	c := &fakeChat{}
	r := NewRouter(Options{Announcer: newFakeAnnouncer(), Chat: c, Log: logx.Nop(), Version: "1.4.0"})
	ctx := context.Background()
	_ = r.handle(ctx, toRequest(message(7, "/ping")))
	_ = r.handle(ctx, toRequest(message(7, "/version")))
	got := c.Sent()
	if len(got) != 2 {
		t.Fatalf("sent=%+v", got)
	}
	for _, s := range got {
		if !strings.Contains(s.text, "1.4.0") {
			t.Fatalf("reply=%q", s.text)
		}
	}
}
