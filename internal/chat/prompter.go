package chat

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"announcebot/internal/otp"
	"announcebot/internal/transport"
	"announcebot/internal/venue"
	logx "announcebot/pkg/logx"
	"announcebot/pkg/tgui"
)

// Messenger sends and edits chat messages.
type Messenger interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
	EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error
}

// Prompter posts one-time code challenges to the ops chat, mentioning every
// admin, and remembers which message belongs to which challenge so a reply
// to it can be routed back.
type Prompter struct {
	chat   Messenger
	target transport.ChatTarget
	log    logx.Logger

	mu     sync.Mutex
	admins []int64
	byMsg  map[string]string // message key -> challenge id
	msgOf  map[string]transport.MessageRef
}

func NewPrompter(chat Messenger, target transport.ChatTarget, admins []int64, log logx.Logger) *Prompter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Prompter{
		chat:   chat,
		target: target,
		log:    log.With(logx.String("comp", "otp.prompt")),
		admins: append([]int64(nil), admins...),
		byMsg:  map[string]string{},
		msgOf:  map[string]transport.MessageRef{},
	}
}

func (p *Prompter) SetAdmins(ids []int64) {
	p.mu.Lock()
	p.admins = append([]int64(nil), ids...)
	p.mu.Unlock()
}

func (p *Prompter) mentions() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	parts := make([]tgui.H, 0, len(p.admins))
	for i, id := range p.admins {
		parts = append(parts, tgui.Mention("admin"+suffix(i), id))
	}
	return tgui.JoinH(" ", parts...).String()
}

func suffix(i int) string {
	if i == 0 {
		return ""
	}
	return strconv.Itoa(i + 1)
}

func kindLabel(kind string) string {
	switch kind {
	case venue.KindTOTP:
		return "an authenticator code"
	case venue.KindEmailOTP:
		return "the code sent by email"
	case venue.KindRecovery:
		return "a recovery code"
	}
	return "a one-time code"
}

func (p *Prompter) Prompt(ctx context.Context, c otp.Challenge) error {
	text := fmt.Sprintf("%s\n🔐 Venue login needs %s (attempt %d). Reply to this message with the code before %s.",
		p.mentions(), tgui.Esc(kindLabel(c.Kind)), c.Attempt, c.Deadline.Format(time.Kitchen))
	ref, err := p.chat.SendText(ctx, p.target, text, &transport.SendOptions{ParseMode: "HTML", DisablePreview: true})
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.byMsg[ref.Key()] = c.ID
	p.msgOf[c.ID] = ref
	p.mu.Unlock()
	return nil
}

func (p *Prompter) Settle(ctx context.Context, c otp.Challenge, resolved bool) {
	p.mu.Lock()
	ref, ok := p.msgOf[c.ID]
	delete(p.msgOf, c.ID)
	delete(p.byMsg, ref.Key())
	p.mu.Unlock()
	if !ok {
		return
	}
	text := "🔐 Code received for " + kindLabel(c.Kind) + "."
	if !resolved {
		text = p.mentions() + "\n⌛ The one-time code request timed out."
	}
	if err := p.chat.EditText(ctx, ref, text, &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}); err != nil {
		p.log.Debug("challenge message not updated", logx.Err(err))
	}
}

// ChallengeFor maps a replied-to message to its challenge id.
func (p *Prompter) ChallengeFor(ref transport.MessageRef) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.byMsg[ref.Key()]
	return id, ok
}
