package telegram

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"announcebot/internal/transport"
	logx "announcebot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// Offline skips the getMe call; used by tests.
	Offline bool
}

// allowedUpdates must list message_reaction explicitly: Telegram omits it by default.
var allowedUpdates = []string{"message", "edited_message", "message_reaction"}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot       *tele.Bot
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
	runMu     sync.Mutex
	running   bool

	// droppedUpdates counts updates dropped because the consumer was slower than the poll loop.
	droppedUpdates atomic.Uint64

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout, AllowedUpdates: allowedUpdates},
		Offline: cfg.Offline,
		OnError: func(err error, _ tele.Context) {
			log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b}, nil
}

// Username is the bot's @handle without the leading @.
func (a *Adapter) Username() string {
	if a.bot == nil || a.bot.Me == nil {
		return ""
	}
	return a.bot.Me.Username
}

func (a *Adapter) botID() int64 {
	if a.bot == nil || a.bot.Me == nil {
		return 0
	}
	return a.bot.Me.ID
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runWG.Add(2)
	a.runMu.Unlock()

	push := func(up transport.Update) {
		select {
		case out <- up:
		default:
			a.droppedUpdates.Add(1)
		}
	}

	go func() {
		defer a.runWG.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		flush := func() {
			if n := a.droppedUpdates.Swap(0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-rctx.Done():
				flush()
				return
			case <-ticker.C:
				flush()
			}
		}
	}()

	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		if m := toMessage(c.Message(), a.Username(), a.botID()); m != nil {
			push(transport.Update{Kind: transport.UpdateMessage, Message: m})
		}
		return nil
	})

	a.bot.Handle(tele.OnReaction, func(c tele.Context) error {
		for _, r := range toReactions(c.Update().MessageReaction) {
			push(transport.Update{Kind: transport.UpdateReaction, Reaction: r})
		}
		return nil
	})

	go func() {
		defer a.runWG.Done()
		go func() {
			<-rctx.Done()
			a.bot.Stop()
		}()
		a.log.Info("polling started", logx.String("bot", a.Username()))
		a.bot.Start() // blocks until Stop
	}()

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	a.log.Info("stopping", logx.Uint64("dropped_updates_pending", a.droppedUpdates.Load()))
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()

	// getUpdates may still be long-polling; do not hold shutdown hostage.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		a.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		a.log.Warn("telegram stop grace elapsed; continuing shutdown")
		return nil
	}
}

func sendOptions(to transport.ChatTarget, opt *transport.SendOptions) *tele.SendOptions {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	so := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              to.ThreadID,
	}
	if opt.ReplyTo != 0 {
		so.ReplyTo = &tele.Message{ID: opt.ReplyTo, Chat: &tele.Chat{ID: to.ChatID}}
	}
	return so
}

func (a *Adapter) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, text, sendOptions(to, opt))
	if err != nil {
		return transport.MessageRef{}, err
	}
	return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

func (a *Adapter) EditText(_ context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	so := sendOptions(ref.Target(), opt)
	so.ReplyTo = nil
	_, err := a.bot.Edit(m, text, so)
	return err
}

func (a *Adapter) Delete(_ context.Context, ref transport.MessageRef) error {
	return a.bot.Delete(&tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}})
}

type reactionParams struct {
	ChatID    int64           `json:"chat_id"`
	MessageID int             `json:"message_id"`
	Reaction  []tele.Reaction `json:"reaction"`
}

// React sets the bot's reaction on a message, replacing any earlier one.
func (a *Adapter) React(_ context.Context, ref transport.MessageRef, emoji string) error {
	_, err := a.bot.Raw("setMessageReaction", reactionParams{
		ChatID:    ref.ChatID,
		MessageID: ref.MessageID,
		Reaction:  []tele.Reaction{{Type: "emoji", Emoji: emoji}},
	})
	return err
}

// UpdateMenuCommands replaces the bot's command menu. It only calls
// Telegram when the list changed since the last successful call.
func (a *Adapter) UpdateMenuCommands(_ context.Context, cmds []transport.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	out := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		_, _ = h.Write([]byte(c.Command))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(d))
		_, _ = h.Write([]byte{0})
		out = append(out, tele.Command{Text: c.Command, Description: d})
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if err := a.bot.SetCommands(out); err != nil {
		return err
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(out)))
	return nil
}

func toMessage(m *tele.Message, botUsername string, botID int64) *transport.Message {
	if m == nil || m.Chat == nil {
		return nil
	}
	out := &transport.Message{
		ID:       m.ID,
		ChatID:   m.Chat.ID,
		ThreadID: m.ThreadID,
		Text:     m.Text,
		IsGroup:  m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup,
	}
	if m.Sender != nil {
		out.FromID = m.Sender.ID
		out.FromUsername = m.Sender.Username
	}
	if m.ReplyTo != nil {
		out.ReplyToID = m.ReplyTo.ID
		if botID != 0 && m.ReplyTo.Sender != nil && m.ReplyTo.Sender.ID == botID {
			out.Mentioned = true
		}
	}
	if botUsername != "" && strings.Contains(strings.ToLower(m.Text), "@"+strings.ToLower(botUsername)) {
		out.Mentioned = true
	}
	return out
}

// toReactions reports emoji present in NewReaction but not OldReaction as
// added and the reverse as removed. Custom emoji are ignored.
func toReactions(mr *tele.MessageReaction) []*transport.Reaction {
	if mr == nil || mr.Chat == nil {
		return nil
	}
	var uid int64
	if mr.User != nil {
		uid = mr.User.ID
	}
	old := map[string]bool{}
	for _, r := range mr.OldReaction {
		if r.Emoji != "" {
			old[r.Emoji] = true
		}
	}
	var out []*transport.Reaction
	seen := map[string]bool{}
	for _, r := range mr.NewReaction {
		if r.Emoji == "" || seen[r.Emoji] {
			continue
		}
		seen[r.Emoji] = true
		if !old[r.Emoji] {
			out = append(out, &transport.Reaction{ChatID: mr.Chat.ID, MessageID: mr.MessageID, UserID: uid, Emoji: r.Emoji, Added: true})
		}
	}
	for e := range old {
		if !seen[e] {
			out = append(out, &transport.Reaction{ChatID: mr.Chat.ID, MessageID: mr.MessageID, UserID: uid, Emoji: e, Added: false})
		}
	}
	return out
}
