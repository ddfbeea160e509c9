package telegram

import (
	"testing"

	tele "gopkg.in/telebot.v4"

	logx "announcebot/pkg/logx"
)

func TestToMessageMention(t *testing.T) {
	m := &tele.Message{
		ID:     7,
		Chat:   &tele.Chat{ID: -100, Type: tele.ChatSuperGroup},
		Sender: &tele.User{ID: 42, Username: "alice"},
		Text:   "hey @AnnounceBot please post this",
	}
	got := toMessage(m, "announcebot", 1)
	if got == nil || !got.Mentioned || !got.IsGroup || got.FromID != 42 || got.ChatID != -100 {
		t.Fatalf("got %+v", got)
	}

	m.Text = "no mention"
	if toMessage(m, "announcebot", 1).Mentioned {
		t.Fatalf("plain message marked as mention")
	}

	m.ReplyTo = &tele.Message{ID: 3, Sender: &tele.User{ID: 1}}
	got = toMessage(m, "announcebot", 1)
	if !got.Mentioned || got.ReplyToID != 3 {
		t.Fatalf("reply to bot: %+v", got)
	}
	if toMessage(&tele.Message{ID: 1}, "x", 1) != nil {
		t.Fatalf("message without chat should be dropped")
	}
}

func TestToReactionsDiff(t *testing.T) {
	mr := &tele.MessageReaction{
		Chat:        &tele.Chat{ID: -100},
		MessageID:   9,
		User:        &tele.User{ID: 42},
		OldReaction: []tele.Reaction{{Type: "emoji", Emoji: "👀"}},
		NewReaction: []tele.Reaction{{Type: "emoji", Emoji: "👍"}, {Type: "custom_emoji", CustomEmoji: "123"}},
	}
	rs := toReactions(mr)
	if len(rs) != 2 {
		t.Fatalf("got %d reactions", len(rs))
	}
	if rs[0].Emoji != "👍" || !rs[0].Added || rs[0].UserID != 42 || rs[0].MessageID != 9 {
		t.Fatalf("added=%+v", rs[0])
	}
	if rs[1].Emoji != "👀" || rs[1].Added {
		t.Fatalf("removed=%+v", rs[1])
	}
	if toReactions(nil) != nil {
		t.Fatalf("nil reaction update")
	}
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatalf("empty token accepted")
	}
	a, err := New(Config{Token: "123:abc", Offline: true}, logx.Nop())
	if err != nil {
		t.Fatalf("offline bot: %v", err)
	}
	if a.botID() != 0 || a.Username() != "" {
		t.Fatalf("offline bot should have an empty identity")
	}
}
