// Package util provides small shared helpers that don't belong to a
// domain-specific package.
package util

import "strings"

// SafeTruncate truncates a string to maxLen characters without panicking.
// Used when logging prefixes of sensitive values such as tokens and codes,
// where only the first few characters may be shown.
//
// A negative maxLen is treated as 0 and returns an empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeIssuer normalizes an issuer URL for comparison by stripping
// trailing slashes, so "https://example.com" and "https://example.com/"
// compare equal.
func NormalizeIssuer(issuer string) string {
	return strings.TrimRight(issuer, "/")
}
