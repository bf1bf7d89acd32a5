package cluster

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/hyperjump/ruiji/internal/models"
	"github.com/hyperjump/ruiji/pkg/utils"
)

const minTermLength = 3

// itemTerms returns the distinct label terms of it: its tags and subject, or
// the words of its text when it carries neither.
func itemTerms(it *models.IndexedItem) []string {
	seen := make(map[string]struct{})
	var terms []string
	add := func(t string) {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			return
		}
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		terms = append(terms, t)
	}
	for _, t := range it.Tags() {
		add(t)
	}
	add(it.Subject())
	if len(terms) > 0 {
		return terms
	}
	for _, w := range utils.Words(it.Text) {
		if utf8.RuneCountInString(w) >= minTermLength {
			add(w)
		}
	}
	return terms
}

// dominantTerms ranks terms by how many members carry them, ties broken
// alphabetically, and keeps the top n.
func dominantTerms(members []*models.IndexedItem, n int) []string {
	counts := make(map[string]int)
	for _, it := range members {
		for _, t := range itemTerms(it) {
			counts[t]++
		}
	}
	terms := make([]string, 0, len(counts))
	for t := range counts {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if n > 0 && len(terms) > n {
		terms = terms[:n]
	}
	return terms
}
