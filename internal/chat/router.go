// Package chat turns transport updates into announcement signals, OTP
// answers and admin commands.
package chat

import (
	"context"
	"hash/fnv"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"announcebot/internal/announce"
	"announcebot/internal/task/jobs"
	"announcebot/internal/transport"
	logx "announcebot/pkg/logx"
	"announcebot/pkg/tgui"
)

// Announcer is the orchestrator surface the router drives.
type Announcer interface {
	HandleMessage(ctx context.Context, m *transport.Message)
	HandleReaction(ctx context.Context, r *transport.Reaction)
	IsAdmin(userID int64) bool
	Jobs() []jobs.Job
	CancelJob(ctx context.Context, jobID string, actor int64) bool
	Status() announce.Status
}

// CodeResolver answers outstanding one-time code challenges.
type CodeResolver interface {
	Resolve(id, code string) bool
	ResolveLatest(code string) bool
	Pending() []string
}

type Options struct {
	Announcer Announcer
	Codes     CodeResolver
	Prompter  *Prompter
	Chat      transport.Sender
	Log       logx.Logger
	// Location is used to display job times.
	Location *time.Location
	// StatusLines adds lines to /status (venue session, periodic tasks).
	StatusLines func() []string
	Version     string
	// Timeout bounds each handled update.
	Timeout time.Duration
	Workers int
}

// Router fans updates out to a fixed pool of workers. Updates about the
// same message always land on the same worker so they are handled in order.
type Router struct {
	opt     Options
	log     logx.Logger
	cmds    map[string]Command
	handler HandlerFunc
	queues  []chan func()
}

const queueCap = 64

func NewRouter(opt Options) *Router {
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.Location == nil {
		opt.Location = time.UTC
	}
	if opt.Timeout <= 0 {
		opt.Timeout = 10 * time.Minute
	}
	if opt.Workers <= 0 {
		opt.Workers = runtime.NumCPU()
		if opt.Workers < 2 {
			opt.Workers = 2
		}
	}
	r := &Router{opt: opt, log: opt.Log.With(logx.String("comp", "chat"))}
	r.cmds = r.commands()
	r.handler = Chain(r.handle, MWPanicRecover(r.log), MWRequestLog(r.log), MWTimeout(opt.Timeout))
	r.queues = make([]chan func(), opt.Workers)
	for i := range r.queues {
		r.queues[i] = make(chan func(), queueCap)
	}
	return r
}

// Request is one update on its way through the middleware chain.
type Request struct {
	Update  transport.Update
	Chat    transport.ChatTarget
	FromID  int64
	Command string
	Args    []string
}

func (r *Request) kind() string {
	if r == nil {
		return ""
	}
	return string(r.Update.Kind)
}

// Run dispatches updates until ctx ends or updates is closed.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) error {
	var wg sync.WaitGroup
	wg.Add(len(r.queues))
	for i, q := range r.queues {
		go func(idx int, q chan func()) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Error("panic in chat worker", logx.Int("worker", idx), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
				}
			}()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-q:
					if !ok {
						return
					}
					job()
				}
			}
		}(i, q)
	}
	r.log.Info("chat router started", logx.Int("workers", len(r.queues)))
	defer func() {
		for _, q := range r.queues {
			close(q)
		}
		wg.Wait()
		r.log.Info("chat router stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.dispatch(ctx, up)
		}
	}
}

func (r *Router) dispatch(ctx context.Context, up transport.Update) {
	req := toRequest(up)
	if req == nil {
		return
	}
	key := shardKey(up)
	// Code answers are resolved here, not on a worker: the handler waiting
	// for the code may be holding the worker the answer shards to.
	if reply, ok := r.answerCode(req); ok {
		if reply != "" {
			r.enqueue(ctx, key, func() { r.send(ctx, req, reply) })
		}
		return
	}
	r.enqueue(ctx, key, func() { _ = r.handler(ctx, req) })
}

func (r *Router) enqueue(ctx context.Context, key string, job func()) {
	select {
	case r.queues[shard(key, len(r.queues))] <- job:
	case <-ctx.Done():
	}
}

// answerCode handles one-time code answers without blocking. It reports
// whether req was one, and the reply to send, if any.
func (r *Router) answerCode(req *Request) (reply string, handled bool) {
	m := req.Update.Message
	if m == nil {
		return "", false
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic while answering code", logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
			reply, handled = "", true
		}
	}()
	switch req.Command {
	case "otp":
		return r.otpCommand(req), true
	case "":
		return "", r.answerChallenge(m)
	}
	return "", false
}

func toRequest(up transport.Update) *Request {
	switch up.Kind {
	case transport.UpdateMessage:
		if up.Message == nil {
			return nil
		}
		m := up.Message
		req := &Request{Update: up, Chat: transport.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}, FromID: m.FromID}
		req.Command, req.Args = parseCommand(m.Text)
		return req
	case transport.UpdateReaction:
		if up.Reaction == nil {
			return nil
		}
		return &Request{Update: up, Chat: transport.ChatTarget{ChatID: up.Reaction.ChatID}, FromID: up.Reaction.UserID}
	}
	return nil
}

func shardKey(up transport.Update) string {
	switch {
	case up.Reaction != nil:
		return up.Reaction.Ref().Key()
	case up.Message != nil && up.Message.ReplyToID != 0:
		return transport.MessageRef{ChatID: up.Message.ChatID, MessageID: up.Message.ReplyToID}.Key()
	case up.Message != nil:
		return up.Message.Ref().Key()
	}
	return ""
}

func shard(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// parseCommand splits "/cancel@bot abc" into ("cancel", ["abc"]).
func parseCommand(text string) (string, []string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil
	}
	parts := strings.Fields(text)
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	return word, parts[1:]
}

func (r *Router) handle(ctx context.Context, req *Request) error {
	switch req.Update.Kind {
	case transport.UpdateReaction:
		r.opt.Announcer.HandleReaction(ctx, req.Update.Reaction)
		return nil
	case transport.UpdateMessage:
		m := req.Update.Message
		if req.Command != "" {
			return r.runCommand(ctx, req)
		}
		if r.answerChallenge(m) {
			return nil
		}
		r.opt.Announcer.HandleMessage(ctx, m)
	}
	return nil
}

// answerChallenge treats an admin reply to a code prompt as the code.
func (r *Router) answerChallenge(m *transport.Message) bool {
	if m.ReplyToID == 0 || r.opt.Prompter == nil || r.opt.Codes == nil {
		return false
	}
	id, ok := r.opt.Prompter.ChallengeFor(transport.MessageRef{ChatID: m.ChatID, MessageID: m.ReplyToID})
	if !ok {
		return false
	}
	if !r.opt.Announcer.IsAdmin(m.FromID) {
		return true
	}
	if r.opt.Codes.Resolve(id, m.Text) {
		r.log.Info("one-time code received", logx.Int64("from_id", m.FromID))
	}
	return true
}

func (r *Router) send(ctx context.Context, req *Request, text string) {
	var opt *transport.SendOptions
	if m := req.Update.Message; m != nil {
		opt = &transport.SendOptions{ReplyTo: m.ID, DisablePreview: true}
	}
	for _, part := range tgui.Split(text, tgui.MaxMessageLen) {
		if _, err := r.opt.Chat.SendText(ctx, req.Chat, part, opt); err != nil {
			r.log.Warn("command reply failed", logx.Err(err))
			return
		}
	}
}
