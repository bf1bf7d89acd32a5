package retrieval

import (
	"strings"
	"unicode/utf8"

	"github.com/hyperjump/ruiji/pkg/utils"
)

const (
	// MaxTextScore is the highest score a text match can receive.
	MaxTextScore = 0.9

	overlapWeight    = 0.8
	leadingWordBonus = 0.1
)

// TextScore rates how well text covers the words of query: the share of
// distinct query words found in text, plus a bonus when both start with the
// same word. The result lies in [0, MaxTextScore].
func TextScore(query, text string) float64 {
	qw := utils.Words(query)
	tw := utils.Words(text)
	if len(qw) == 0 || len(tw) == 0 {
		return 0
	}
	have := make(map[string]struct{}, len(tw))
	for _, w := range tw {
		have[w] = struct{}{}
	}
	seen := make(map[string]struct{}, len(qw))
	matched := 0
	for _, w := range qw {
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		if _, ok := have[w]; ok {
			matched++
		}
	}
	if matched == 0 {
		return 0
	}
	score := overlapWeight * float64(matched) / float64(len(seen))
	if qw[0] == tw[0] {
		score += leadingWordBonus
	}
	if score > MaxTextScore {
		score = MaxTextScore
	}
	return score
}

// Highlight returns a snippet of at most maxLen runes around the first word
// of query found in content, with "..." marking cut ends.
func Highlight(content, query string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(content) <= maxLen {
		return content
	}
	runes := []rune(content)
	lower := []rune(strings.ToLower(content))
	if len(lower) != len(runes) {
		return utils.Truncate(content, maxLen)
	}
	pos := -1
	for _, w := range utils.Words(query) {
		if i := runeIndex(lower, []rune(w)); i >= 0 {
			pos = i
			break
		}
	}
	if pos < 0 {
		return utils.Truncate(content, maxLen)
	}
	start := pos - maxLen/4
	if start < 0 {
		start = 0
	}
	end := start + maxLen
	if end > len(runes) {
		end = len(runes)
		start = end - maxLen
	}
	snippet := strings.TrimSpace(string(runes[start:end]))
	if start > 0 {
		snippet = "..." + snippet
	}
	if end < len(runes) {
		snippet += "..."
	}
	return snippet
}

func runeIndex(s, sub []rune) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		match := true
		for j := range sub {
			if s[i+j] != sub[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
