// Package textutil provides the small lexical primitives shared by the
// decomposer, conflict detector, aggregator, and memory store: tokenization,
// stopword filtering, and word-overlap similarity.
package textutil

import (
	"strings"
	"unicode"
)

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true,
	"had": true, "has": true, "have": true, "he": true, "her": true,
	"his": true, "i": true, "in": true, "into": true, "is": true, "it": true,
	"its": true, "of": true, "on": true, "or": true, "our": true,
	"she": true, "that": true, "the": true, "their": true, "them": true,
	"there": true, "these": true, "they": true, "this": true, "to": true,
	"was": true, "we": true, "were": true, "what": true, "which": true,
	"who": true, "will": true, "with": true, "you": true, "your": true,
	"not": true, "no": true, "so": true, "if": true, "then": true,
	"than": true, "too": true, "very": true, "can": true, "do": true,
	"does": true, "did": true, "about": true, "also": true, "been": true,
	"being": true, "would": true, "could": true, "should": true,
}

// IsStopword reports whether the lowercased word is a stopword.
func IsStopword(w string) bool {
	return stopwords[strings.ToLower(w)]
}

// Tokenize splits text into lowercased alphanumeric tokens.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// Terms returns the deduplicated non-stopword tokens of text.
func Terms(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tok := range Tokenize(text) {
		if len(tok) < 2 || stopwords[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}

// TermSet returns the non-stopword tokens of text as a set.
func TermSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range Terms(text) {
		set[t] = true
	}
	return set
}

// Jaccard computes word-overlap similarity between two texts over their
// non-stopword term sets. Returns 0 when either side is empty.
func Jaccard(a, b string) float64 {
	sa, sb := TermSet(a), TermSet(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}
	inter := 0
	for t := range sa {
		if sb[t] {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// SharedTerms returns non-stopword terms present in both texts.
func SharedTerms(a, b string) []string {
	sa, sb := TermSet(a), TermSet(b)
	var out []string
	for t := range sa {
		if sb[t] {
			out = append(out, t)
		}
	}
	return out
}

// Normalize collapses whitespace and lowercases text. Used for cache keys.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// OverlapCount returns how many query terms appear in the candidate text.
func OverlapCount(query, candidate string) int {
	qs := TermSet(query)
	cs := TermSet(candidate)
	n := 0
	for t := range qs {
		if cs[t] {
			n++
		}
	}
	return n
}
