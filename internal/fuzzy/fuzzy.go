// Package fuzzy provides the string-similarity primitive used to correct
// OCR errors against a reference vocabulary. All functions are pure and
// deterministic.
package fuzzy

import (
	"strings"
	"unicode"

	"github.com/agext/levenshtein"
)

// DefaultThreshold is the minimum confidence for BestMatch to accept a
// candidate.
const DefaultThreshold = 0.7

// distanceParams pins unit costs so Distance is the classic edit distance:
// substitutions, insertions, and deletions each cost 1, no transpositions.
var distanceParams = levenshtein.NewParams().
	InsCost(1).
	DelCost(1).
	SubCost(1).
	MaxCost(0)

// Distance returns the classic Levenshtein edit distance between a and b.
func Distance(a, b string) int {
	return levenshtein.Distance(a, b, distanceParams)
}

// Normalize lowercases and trims s, strips non-alphanumeric characters
// except internal spaces, and collapses repeated spaces.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Match is a candidate accepted by BestMatch.
type Match struct {
	Value      string
	Confidence float64
}

// BestMatch finds the candidate most similar to query. Confidence is
// 1 - distance/maxLen over the normalized strings, clamped to [0,1]; ties
// break toward the earlier candidate. Returns nil when query normalizes to
// empty, candidates is empty, or no candidate meets threshold.
func BestMatch(query string, candidates []string, threshold float64) *Match {
	nq := Normalize(query)
	if nq == "" || len(candidates) == 0 {
		return nil
	}

	var best *Match
	for _, cand := range candidates {
		conf := Similarity(nq, Normalize(cand))
		if conf < threshold {
			continue
		}
		if best == nil || conf > best.Confidence {
			best = &Match{Value: cand, Confidence: conf}
		}
	}
	return best
}

// Similarity scores two already-normalized strings in [0,1].
func Similarity(a, b string) float64 {
	maxLen := len([]rune(a))
	if l := len([]rune(b)); l > maxLen {
		maxLen = l
	}
	if maxLen == 0 {
		return 0
	}
	conf := 1 - float64(Distance(a, b))/float64(maxLen)
	if conf < 0 {
		return 0
	}
	if conf > 1 {
		return 1
	}
	return conf
}
