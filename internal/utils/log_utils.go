package utils

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// MaxLogStringLength defines the maximum length for user-provided strings in logs
	MaxLogStringLength = 200
	// MaxDisplayNameLength caps participant names before they reach the media engine
	MaxDisplayNameLength = 64
)

var unprintable = regexp.MustCompile(`[^\p{L}\p{N}\p{P}\p{S}\p{Z}]`)

// SanitizeLogString makes a user-controlled string safe to log.
// Control characters become spaces and long input is truncated.
func SanitizeLogString(input string) string {
	if input == "" {
		return ""
	}

	if len(input) > MaxLogStringLength {
		input = truncateBytes(input, MaxLogStringLength) + "... (truncated)"
	}

	sanitized := stripControl(strings.ReplaceAll(input, "\r\n", "\n"))
	return unprintable.ReplaceAllString(sanitized, "")
}

// SanitizeDisplayName normalizes a participant name typed by a user.
// The result may be empty, callers pick a default in that case.
func SanitizeDisplayName(name string) string {
	name = unprintable.ReplaceAllString(stripControl(name), "")
	name = strings.Join(strings.Fields(name), " ")
	if runes := []rune(name); len(runes) > MaxDisplayNameLength {
		name = strings.TrimSpace(string(runes[:MaxDisplayNameLength]))
	}
	return name
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
}

// truncateBytes cuts s to at most n bytes without splitting a rune
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
