package tgui

import (
	"strings"
	"unicode/utf8"
)

// MaxMessageLen is Telegram's text limit per message, in runes.
const MaxMessageLen = 4096

// TruncRunes returns s cut to at most n runes, ending in "…" when cut.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

// Split breaks plain text into chunks of at most n runes, preferring to
// cut at a blank line, then at a newline.
func Split(s string, n int) []string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return []string{s}
	}
	var out []string
	r := []rune(s)
	for len(r) > n {
		head := string(r[:n])
		cut := strings.LastIndex(head, "\n\n")
		if cut <= 0 {
			cut = strings.LastIndex(head, "\n")
		}
		var chunk string
		if cut > 0 {
			chunk = head[:cut]
		} else {
			chunk = head
		}
		out = append(out, strings.TrimRight(chunk, "\n"))
		r = []rune(strings.TrimLeft(string(r[utf8.RuneCountInString(chunk):]), "\n"))
	}
	if len(r) > 0 {
		out = append(out, string(r))
	}
	return out
}
