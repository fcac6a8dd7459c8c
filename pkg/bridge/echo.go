package bridge

import "strings"

// EchoOverlapThreshold is the word-overlap ratio above which an STT
// hypothesis is treated as line bleed of the agent's own speech.
const EchoOverlapThreshold = 0.7

// EchoOverlap returns the fraction of hypothesis words that also occur in
// the agent's last spoken sentence. Comparison is case-insensitive and
// ignores trailing punctuation.
func EchoOverlap(hypothesis, lastAgent string) float64 {
	hyp := words(hypothesis)
	if len(hyp) == 0 {
		return 0
	}
	agent := make(map[string]struct{})
	for _, w := range words(lastAgent) {
		agent[w] = struct{}{}
	}
	if len(agent) == 0 {
		return 0
	}
	matched := 0
	for _, w := range hyp {
		if _, ok := agent[w]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(hyp))
}

// IsEcho reports whether the hypothesis should be discarded as self-echo.
func IsEcho(hypothesis, lastAgent string) bool {
	return EchoOverlap(hypothesis, lastAgent) > EchoOverlapThreshold
}

func words(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
