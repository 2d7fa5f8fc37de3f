// Package search implements the keyword extraction and scoring shared by the
// lore, event, and state indexes. Queries mixing CJK prose with Latin tokens
// are handled by emitting CJK bigrams and trigrams alongside alphanumeric
// words, so "向主神請求任務" and "roll d100" both produce useful keys.
package search

import (
	"strings"
	"unicode"
)

// Keywords extracts the union keyword set from a query: every CJK bigram and
// trigram, plus every alphanumeric token of length >= 2, lower-cased.
func Keywords(query string) []string {
	seen := make(map[string]struct{})
	var out []string

	add := func(k string) {
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}

	var cjkRun []rune
	var word []rune

	flushWord := func() {
		if len(word) >= 2 {
			add(strings.ToLower(string(word)))
		}
		word = word[:0]
	}

	flushCJK := func() {
		for n := 2; n <= 3; n++ {
			for i := 0; i+n <= len(cjkRun); i++ {
				add(string(cjkRun[i : i+n]))
			}
		}
		cjkRun = cjkRun[:0]
	}

	for _, r := range query {
		switch {
		case isCJK(r):
			flushWord()
			cjkRun = append(cjkRun, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushCJK()
			word = append(word, r)
		default:
			flushWord()
			flushCJK()
		}
	}
	flushWord()
	flushCJK()

	return out
}

// Hits counts how many of the keywords occur in text.
func Hits(keywords []string, text string) int {
	if text == "" || len(keywords) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	n := 0
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			n++
		}
	}
	return n
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}
