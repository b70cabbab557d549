// Package token provides token-count estimates used for chunk and prompt sizing.
package token

import "regexp"

// tokenPattern matches word tokens and single punctuation characters, which
// tracks how embedding tokenizers split natural-language text closely enough
// for sizing decisions.
var tokenPattern = regexp.MustCompile(`\b\w+\b|[^\w\s]`)

// Approximate gives a fast, coarse token estimate (4 characters per token,
// rounded up). Cheap enough for tight sizing loops.
func Approximate(text string) int {
	return (len(text) + 3) / 4
}

// Count returns a lexical token count over words and punctuation. Falls back
// to Approximate when the pattern matches nothing (e.g. whitespace-only
// input longer than zero).
func Count(text string) int {
	if text == "" {
		return 0
	}
	matches := tokenPattern.FindAllStringIndex(text, -1)
	if matches == nil {
		return Approximate(text)
	}
	return len(matches)
}
