package vizql

import (
	"strings"
)

// reuseThreshold is the token-set similarity above which a new question is
// treated as a restatement of the prior one and seeded with its query.
const reuseThreshold = 0.8

// continuationCues are phrases that mark a question as referring back to the
// previous answer even when the wording overlaps little.
var continuationCues = []string{
	"break it down",
	"break that down",
	"break those down",
	"same but",
	"now show",
	"what about",
	"instead",
	"again",
	"those",
	"these",
	"of them",
	"each of",
	"drill down",
	"drill into",
}

// ShouldReusePrior decides whether the builder seeds its prompt with the
// prior successful query: either the questions are near-duplicates or the
// new one uses follow-up language.
func ShouldReusePrior(question, priorQuestion string) bool {
	if priorQuestion == "" {
		return false
	}
	if TokenSimilarity(question, priorQuestion) >= reuseThreshold {
		return true
	}
	lower := strings.ToLower(question)
	for _, cue := range continuationCues {
		if strings.Contains(lower, cue) {
			return true
		}
	}
	return false
}

// TokenSimilarity is the overlap coefficient of the lowercased token sets of
// two strings: intersection size over the smaller set size. A question that
// only appends qualifiers to the prior one still scores 1.0.
func TokenSimilarity(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	intersection := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			intersection++
		}
	}
	return float64(intersection) / float64(min(len(ta), len(tb)))
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		set[tok] = struct{}{}
	}
	return set
}
