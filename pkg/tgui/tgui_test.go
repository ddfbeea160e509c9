package tgui

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncRunes(t *testing.T) {
	if got := TruncRunes("こんにちは", 3); got != "こん…" {
		t.Fatalf("got %q", got)
	}
	if got := TruncRunes("abc", 3); got != "abc" {
		t.Fatalf("got %q", got)
	}
	if got := TruncRunes("abc", 0); got != "" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitPrefersBlankLines(t *testing.T) {
	block := strings.Repeat("x", 40)
	s := strings.Join([]string{block, block, block}, "\n\n")
	parts := Split(s, 90)
	if len(parts) != 2 {
		t.Fatalf("parts=%d %q", len(parts), parts)
	}
	if parts[0] != block+"\n\n"+block || parts[1] != block {
		t.Fatalf("parts=%q", parts)
	}
}

func TestSplitHardCut(t *testing.T) {
	s := strings.Repeat("é", 25)
	parts := Split(s, 10)
	if len(parts) != 3 {
		t.Fatalf("parts=%d", len(parts))
	}
	for _, p := range parts {
		if utf8.RuneCountInString(p) > 10 {
			t.Fatalf("chunk too long: %q", p)
		}
	}
	if strings.Join(parts, "") != s {
		t.Fatalf("content lost")
	}
}

func TestMentionEscapes(t *testing.T) {
	got := JoinH(" ", Mention("a<b", 42), "", B("x&y"))
	want := `<a href="tg://user?id=42">a&lt;b</a> <b>x&amp;y</b>`
	if got.String() != want {
		t.Fatalf("got %q", got)
	}
}
