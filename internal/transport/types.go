package transport

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateReaction UpdateKind = "reaction"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Reaction *Reaction
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool

	// ReplyToID is the id of the message this one replies to (0 if none).
	ReplyToID int
	// Mentioned is true when the bot was addressed (@mention or reply to the bot).
	Mentioned bool
}

// Ref returns the message's reference.
func (m *Message) Ref() MessageRef {
	return MessageRef{ChatID: m.ChatID, ThreadID: m.ThreadID, MessageID: m.ID}
}

// Reaction is a single emoji added to or removed from a message by a user.
type Reaction struct {
	ChatID    int64
	MessageID int
	UserID    int64
	Emoji     string
	Added     bool
}

// Ref returns a reference to the reacted message.
func (r *Reaction) Ref() MessageRef {
	return MessageRef{ChatID: r.ChatID, MessageID: r.MessageID}
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

// Key returns the stable "chat:message" identifier used as a request or reply id.
func (r MessageRef) Key() string {
	if r.ChatID == 0 && r.MessageID == 0 {
		return ""
	}
	return strconv.FormatInt(r.ChatID, 10) + ":" + strconv.Itoa(r.MessageID)
}

func (r MessageRef) Target() ChatTarget { return ChatTarget{ChatID: r.ChatID, ThreadID: r.ThreadID} }

var ErrBadKey = errors.New("transport: malformed message key")

// ParseKey is the inverse of MessageRef.Key. ThreadID is not part of the key.
func ParseKey(key string) (MessageRef, error) {
	chat, msg, ok := strings.Cut(strings.TrimSpace(key), ":")
	if !ok {
		return MessageRef{}, ErrBadKey
	}
	cid, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return MessageRef{}, ErrBadKey
	}
	mid, err := strconv.Atoi(msg)
	if err != nil {
		return MessageRef{}, ErrBadKey
	}
	return MessageRef{ChatID: cid, MessageID: mid}, nil
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// ReplyTo threads the sent message under an existing message id.
	ReplyTo int
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	Delete(ctx context.Context, ref MessageRef) error
	React(ctx context.Context, ref MessageRef, emoji string) error
}

// Sender is the send-only subset of Adapter.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
