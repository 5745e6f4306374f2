package telegram

import (
	"slices"
	"strings"
)

const textLimit = 4000

// splitText cuts an HTML-mode message into chunks of at most limit runes.
// Newlines between chunks are dropped.
func splitText(s string, limit int) []string {
	rest := []rune(s)
	var out []string
	for len(rest) > limit {
		n := cutPoint(rest[:limit])
		out = append(out, strings.TrimRight(string(rest[:n]), "\n"))
		for n < len(rest) && rest[n] == '\n' {
			n++
		}
		rest = rest[n:]
	}
	if len(rest) > 0 || len(out) == 0 {
		out = append(out, string(rest))
	}
	return out
}

// cutPoint picks where a full window ends: after its last newline if that
// is past the first third, and never inside a tag.
func cutPoint(window []rune) int {
	n := len(window)
	if i := lastRune(window, '\n'); i >= n/3 {
		n = i + 1
	}
	if lt, gt := lastRune(window[:n], '<'), lastRune(window[:n], '>'); lt > gt && lt > 0 {
		n = lt
	}
	return n
}

func lastRune(rs []rune, r rune) int {
	for i, v := range slices.Backward(rs) {
		if v == r {
			return i
		}
	}
	return -1
}
