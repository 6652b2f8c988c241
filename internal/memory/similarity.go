package memory

import (
	"math"
	"strings"
	"unicode"
)

// Weights for keyword scoring. Coverage dominates so a short note that
// answers every query term beats a long note that mentions one.
const (
	coverageWeight = 0.6
	overlapWeight  = 0.4
	partialCredit  = 0.5
)

// keywordSimilarity scores text against query terms in [0,1]. A term found
// as a whole word counts fully; one found only inside a longer word (capex
// in capexes) earns partial credit.
func keywordSimilarity(terms []string, text string) float64 {
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	words := wordSet(tokenize(lower))

	var credit float64
	var exact int
	for _, t := range terms {
		switch {
		case words[t]:
			credit++
			exact++
		case strings.Contains(lower, t):
			credit += partialCredit
		}
	}
	if credit == 0 {
		return 0
	}
	coverage := credit / float64(len(terms))
	// Dice coefficient over whole-word matches.
	overlap := 2 * float64(exact) / math.Max(float64(len(terms)+len(words)), 1)
	return coverageWeight*coverage + overlapWeight*overlap
}

func wordSet(words []string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

// tokenize lowercases text and splits it on anything that is not a letter,
// digit, underscore or hyphen. One-rune tokens are dropped.
func tokenize(text string) []string {
	split := func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-'
	}
	var out []string
	for _, f := range strings.FieldsFunc(strings.ToLower(text), split) {
		if len([]rune(f)) > 1 {
			out = append(out, f)
		}
	}
	return out
}

// cosine assumes equal lengths; callers check before calling.
func cosine(a, b []float32) float64 {
	var dot, aa, bb float64
	for i, x := range a {
		y := float64(b[i])
		dot += float64(x) * y
		aa += float64(x) * float64(x)
		bb += y * y
	}
	if aa == 0 || bb == 0 {
		return 0
	}
	return dot / math.Sqrt(aa*bb)
}
