// Package tokenizer provides term normalisation shared by the inverted index
// and the query path. It lower-cases input, keeps letters from either
// alphabet (Latin with Norwegian æøå, and Cyrillic) plus digits, and splits
// on everything else.
package tokenizer

import (
	"strings"
	"unicode"
)

// minTermLen is the shortest token worth indexing; shorter tokens are
// dominated by articles and punctuation noise.
const minTermLen = 2

// Normalize lower-cases s, replaces every rune that is not a letter or digit
// with a space, and collapses runs of whitespace.
func Normalize(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastSpace = false
			continue
		}
		if !lastSpace {
			b.WriteRune(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

// Tokenize breaks text into normalised terms, dropping tokens shorter than
// two runes.
func Tokenize(text string) []string {
	words := strings.Fields(Normalize(text))
	terms := make([]string, 0, len(words))
	for _, w := range words {
		if len([]rune(w)) < minTermLen {
			continue
		}
		terms = append(terms, w)
	}
	return terms
}

// TokenizeQuery tokenizes a user query, capping the number of terms so that
// pathological multi-word input cannot dominate lookup cost.
func TokenizeQuery(query string, maxTerms int) []string {
	terms := Tokenize(query)
	if maxTerms > 0 && len(terms) > maxTerms {
		terms = terms[:maxTerms]
	}
	return terms
}

// UniqueTerms tokenizes every input string and returns the de-duplicated
// union of their terms, preserving first-seen order.
func UniqueTerms(texts ...string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, text := range texts {
		for _, term := range Tokenize(text) {
			if _, dup := seen[term]; dup {
				continue
			}
			seen[term] = struct{}{}
			out = append(out, term)
		}
	}
	return out
}
