package bridge

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Sentence chunking bounds. Replies are split so synthesis starts on the
// first sentence while the rest is still queued.
const (
	// MaxChunkChars caps a single TTS chunk.
	MaxChunkChars = 120
	// minChunkChars merges trailing fragments into the previous chunk.
	minChunkChars = 8
)

func isSentenceBoundary(r rune) bool {
	return r == '.' || r == '?' || r == '!' || r == '\n'
}

// SplitSentences cuts reply text into sentence-sized TTS chunks. Boundaries
// are sentence punctuation; oversized sentences fall back to the last word
// boundary under the cap. Tiny tail fragments ride with the prior chunk.
func SplitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []string
	var cur strings.Builder
	runes := 0
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		cur.WriteRune(r)
		runes++
		i += size

		boundary := isSentenceBoundary(r)
		if boundary {
			// Pull trailing whitespace into the same chunk.
			for i < len(text) {
				r2, sz2 := utf8.DecodeRuneInString(text[i:])
				if !unicode.IsSpace(r2) {
					break
				}
				cur.WriteRune(r2)
				i += sz2
			}
		}

		if boundary || runes >= MaxChunkChars {
			piece := cur.String()
			if !boundary {
				// Back off to the last word boundary so words stay whole.
				if cut := strings.LastIndexFunc(piece, unicode.IsSpace); cut > 0 {
					i -= len(piece) - cut - 1
					piece = piece[:cut+1]
				}
			}
			if s := strings.TrimSpace(piece); s != "" {
				chunks = append(chunks, s)
			}
			cur.Reset()
			runes = 0
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		chunks = append(chunks, s)
	}

	// Merge fragments too short to synthesize on their own.
	merged := chunks[:0]
	for _, c := range chunks {
		if len(merged) > 0 && utf8.RuneCountInString(c) < minChunkChars {
			merged[len(merged)-1] = merged[len(merged)-1] + " " + c
			continue
		}
		merged = append(merged, c)
	}
	return merged
}
