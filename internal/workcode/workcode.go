// Package workcode extracts and validates catalog work codes.
package workcode

import (
	"regexp"
	"strconv"
	"strings"
)

// codePattern matches RJ/VJ/BJ codes with 6 or 8 digits. The 8-digit
// branch comes first so longer codes win before the boundary check.
var codePattern = regexp.MustCompile(`(?i)[RVB]J(?:\d{8}|\d{6})`)

// Extract returns the first work code found in s, uppercased.
// A candidate immediately followed by another digit is not a code
// (RJ123456789 is neither a 6- nor an 8-digit work).
func Extract(s string) (string, bool) {
	for _, loc := range codePattern.FindAllStringIndex(s, -1) {
		end := loc[1]
		if end < len(s) && s[end] >= '0' && s[end] <= '9' {
			continue
		}
		return strings.ToUpper(s[loc[0]:loc[1]]), true
	}
	return "", false
}

// Valid reports whether s is exactly one work code and nothing else.
func Valid(s string) bool {
	code, ok := Extract(s)
	return ok && len(code) == len(s)
}

// NumericID returns the digits of a work code as an integer.
// Companion servers key works by this number.
func NumericID(code string) (int, bool) {
	if len(code) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(code[2:])
	if err != nil {
		return 0, false
	}
	return n, true
}

// SeriesPrefix returns the first five characters of code, the default
// grouping key for code-range classification rules.
func SeriesPrefix(code string) string {
	if len(code) < 5 {
		return code
	}
	return code[:5]
}
