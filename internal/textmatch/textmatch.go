// Package textmatch normalises patient text for keyword matching.
package textmatch

import (
	"strings"
	"unicode"
)

var apostrophes = strings.NewReplacer("’", "'", "‘", "'", "ʼ", "'", "`", "'")

// Normalize lower-cases, folds typographic apostrophes and collapses
// whitespace.
func Normalize(s string) string {
	s = apostrophes.Replace(strings.ToLower(s))
	return strings.Join(strings.Fields(s), " ")
}

// Words turns everything but letters, digits and combining marks into
// single spaces so phrases match on whole words in any script.
func Words(s string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r) {
			return r
		}
		return ' '
	}, s)
	return strings.Join(strings.Fields(mapped), " ")
}

// Phrases prepares keywords for FirstPhrase, dropping empty ones.
func Phrases(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if p := Words(Normalize(kw)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// FirstPhrase returns the first phrase that occurs as whole words in text.
// Phrases in scripts written without spaces between words match anywhere.
func FirstPhrase(text string, phrases []string) (string, bool) {
	words := Words(Normalize(text))
	padded := " " + words + " "
	for _, p := range phrases {
		if strings.Contains(padded, " "+p+" ") {
			return p, true
		}
		if unspaced(p) && strings.Contains(words, p) {
			return p, true
		}
	}
	return "", false
}

func unspaced(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool {
		return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Thai, unicode.Lao, unicode.Khmer, unicode.Myanmar)
	}) >= 0
}
