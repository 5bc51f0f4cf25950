// Package textutil holds the small text primitives shared by the
// prompt-processing services: fingerprint normalization, word sets,
// and paragraph/sentence splitting.
package textutil

import (
	"strings"
	"unicode"
)

// NormalizePrompt produces the canonical prompt fingerprint: lower
// cased, punctuation and symbols stripped, whitespace collapsed. Cache
// keys and dedup keys are both derived from this form.
func NormalizePrompt(prompt string) string {
	var b strings.Builder
	b.Grow(len(prompt))
	lastSpace := true
	for _, r := range strings.ToLower(prompt) {
		switch {
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			// dropped
		default:
			b.WriteRune(r)
			lastSpace = false
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// Words splits s into lower-cased alphanumeric words.
func Words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// WordSet returns the set of distinct normalized words in s.
func WordSet(s string) map[string]struct{} {
	words := Words(s)
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// JaccardWords computes |A∩B| / |A∪B| over two word sets.
func JaccardWords(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	inter := 0
	for w := range small {
		if _, ok := large[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// SplitParagraphs splits text on blank lines, trimming each block and
// dropping empties.
func SplitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, block := range strings.Split(text, "\n\n") {
		if p := strings.TrimSpace(block); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SplitSentences splits text into sentences at ., ! and ? boundaries
// followed by whitespace. Terminators stay attached to their sentence.
// Good enough for dedupe heuristics; not a linguistic segmenter.
func SplitSentences(text string) []string {
	var out []string
	var cur strings.Builder
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		cur.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			atEnd := i == len(runes)-1
			nextIsSpace := !atEnd && unicode.IsSpace(runes[i+1])
			if atEnd || nextIsSpace {
				if s := strings.TrimSpace(cur.String()); s != "" {
					out = append(out, s)
				}
				cur.Reset()
			}
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}
