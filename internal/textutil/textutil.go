// Package textutil provides tokenisation and token-shape utilities for
// chemical text.
package textutil

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Letters and digits form runs; every other non-space rune is its own token,
// so "2-(acetyloxy)benzoic" splits at the hyphen and parentheses.
var tokenizeRe = regexp.MustCompile(`[\p{L}\p{N}]+|[^\s\p{L}\p{N}]`)

// Tokenize splits text into word and punctuation tokens.
func Tokenize(text string) []string {
	return tokenizeRe.FindAllString(text, -1)
}

// TokenSpans returns the [start, end) byte offsets of the Tokenize tokens.
func TokenSpans(text string) [][2]int {
	locs := tokenizeRe.FindAllStringIndex(text, -1)
	out := make([][2]int, len(locs))
	for i, l := range locs {
		out[i] = [2]int{l[0], l[1]}
	}
	return out
}

// Ngrams returns min_n to max_n character-level n-grams of the given string.
func Ngrams(s string, minN, maxN int) []string {
	runes := []rune(s)
	textLen := len(runes)
	var res []string
	for n := minN; n <= maxN && n <= textLen; n++ {
		for i := 0; i <= textLen-n; i++ {
			res = append(res, string(runes[i:i+n]))
		}
	}
	return res
}

// CharWbNgrams returns character n-grams of a token padded with a space on
// each side, so n-grams touching the word boundary are distinct.
func CharWbNgrams(token string, minN, maxN int) []string {
	return Ngrams(" "+token+" ", minN, maxN)
}

var (
	newlineRe    = regexp.MustCompile(`[\n\r]`)
	multiSpaceRe = regexp.MustCompile(`\s{2,}`)
)

// NormalizeWhitespaces replaces newlines and multiple whitespace with a single space.
func NormalizeWhitespaces(text string) string {
	text = newlineRe.ReplaceAllString(text, " ")
	return multiSpaceRe.ReplaceAllString(text, " ")
}

// Shape maps upper-case letters to X, lower-case to x and digits to d,
// keeps other runes, and collapses repeats: "NaCl" -> "XxXx", "H2O" -> "XdX",
// "1,3-diol" -> "d,d-x".
func Shape(token string) string {
	var buf strings.Builder
	var last rune
	for _, r := range token {
		c := r
		switch {
		case unicode.IsUpper(r):
			c = 'X'
		case unicode.IsLower(r):
			c = 'x'
		case unicode.IsDigit(r):
			c = 'd'
		}
		if c != last {
			buf.WriteRune(c)
			last = c
		}
	}
	return buf.String()
}

// Prefix returns the first n runes of s, or s if shorter.
func Prefix(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// Suffix returns the last n runes of s, or s if shorter.
func Suffix(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}

var digitRe = regexp.MustCompile(`\d`)

// NumberPattern replaces digits with X and letters with C if the digit ratio >= threshold.
// Returns empty string otherwise. Useful for registry numbers such as "50-78-2".
func NumberPattern(text string, ratio float64) string {
	if text == "" {
		return ""
	}

	total := utf8.RuneCountInString(text)
	digitCount := 0
	for _, r := range text {
		if unicode.IsDigit(r) {
			digitCount++
		}
	}

	digitRatio := float64(digitCount) / float64(total)
	if digitRatio >= ratio {
		result := digitRe.ReplaceAllString(text, "X")
		var buf strings.Builder
		for _, r := range result {
			if r == 'X' || !unicode.IsLetter(r) {
				buf.WriteRune(r)
			} else {
				buf.WriteRune('C')
			}
		}
		return buf.String()
	}
	return ""
}
