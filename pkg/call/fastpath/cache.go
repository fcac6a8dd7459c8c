// Package fastpath implements the resolvers that answer a turn without a
// full language-model call: the transition cache, the objection pattern
// matcher, and the two-stage classifier. Resolvers are mutually exclusive
// and tried in that order; each can veto by reporting no match.
package fastpath

import "strings"

// Classification is the transition cache's verdict on an utterance.
type Classification int

const (
	// Miss means the cache cannot classify; defer to the next resolver.
	Miss Classification = iota
	// Affirmative means the caller agreed.
	Affirmative
	// Negative means the caller declined.
	Negative
)

// String returns a human-readable classification.
func (c Classification) String() string {
	switch c {
	case Affirmative:
		return "AFFIRMATIVE"
	case Negative:
		return "NEGATIVE"
	default:
		return "MISS"
	}
}

// The fixed prefix lists. Matching is prefix-based, not whole-string: real
// callers attach clauses after a one-word agreement ("Yeah, why are you
// calling me?"), and exact-match alone misses most real utterances.
var (
	affirmativePrefixes = []string{
		"yeah", "yes", "yep", "sure", "okay", "ok", "yea", "ya", "uh huh",
	}
	negativePrefixes = []string{
		"no", "nope", "nah", "not interested", "don't want",
	}
)

// Classify normalizes the utterance (trim, lowercase) and matches it against
// the fixed affirmative and negative prefix lists. The prefix must end at a
// word boundary, so "no" matches "no thanks" but not "nothing yet".
func Classify(utterance string) Classification {
	norm := strings.ToLower(strings.TrimSpace(utterance))
	if norm == "" {
		return Miss
	}
	for _, p := range affirmativePrefixes {
		if hasPrefixWord(norm, p) {
			return Affirmative
		}
	}
	for _, p := range negativePrefixes {
		if hasPrefixWord(norm, p) {
			return Negative
		}
	}
	return Miss
}

func hasPrefixWord(s, prefix string) bool {
	if !strings.HasPrefix(s, prefix) {
		return false
	}
	if len(s) == len(prefix) {
		return true
	}
	next := s[len(prefix)]
	return next == ' ' || next == ',' || next == '.' || next == '!' ||
		next == '?' || next == ';' || next == ':' || next == '-'
}
